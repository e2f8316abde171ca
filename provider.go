package bundle

import (
	"context"
	"fmt"
	"time"

	"github.com/meigma/bundle/internal/task"
)

// ProviderStatus is the state of a load request.
type ProviderStatus int

const (
	ProviderNone ProviderStatus = iota
	ProviderResolveBundles
	ProviderLoading
	ProviderChecking
	ProviderSucceeded
	ProviderFailed
)

func (s ProviderStatus) String() string {
	switch s {
	case ProviderNone:
		return "none"
	case ProviderResolveBundles:
		return "resolve_bundles"
	case ProviderLoading:
		return "loading"
	case ProviderChecking:
		return "checking"
	case ProviderSucceeded:
		return "succeeded"
	case ProviderFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Succeeded or Failed.
func (s ProviderStatus) Terminal() bool {
	return s == ProviderSucceeded || s == ProviderFailed
}

// Provider is the state machine behind one logical load request. Handles
// for the same request share one Provider.
type Provider struct {
	m        *Manager
	key      string
	location string
	strategy openStrategy

	refs      int
	status    ProviderStatus
	err       error
	destroyed bool

	main     *Loader
	deps     []*Loader
	checking *task.Future[result]
	result   result

	callbacks []func()
}

func newProvider(m *Manager, key, location string, s openStrategy) *Provider {
	return &Provider{m: m, key: key, location: location, strategy: s, refs: 1}
}

// failedProvider backs handles for requests that could not be issued. It
// is never registered and owns nothing.
func failedProvider(m *Manager, location string, err error) *Provider {
	return &Provider{m: m, location: location, refs: 1, status: ProviderFailed, err: err, destroyed: true}
}

func (p *Provider) loaders() []*Loader {
	if p.main == nil {
		return nil
	}
	return append([]*Loader{p.main}, p.deps...)
}

func (p *Provider) update() {
	if p.destroyed {
		return
	}
	switch p.status {
	case ProviderNone:
		p.status = ProviderResolveBundles
		p.resolve()
	case ProviderLoading:
		p.pollLoaders()
	case ProviderChecking:
		// A check is joined on the tick after it started.
		p.checked(p.checking.Wait())
	}
}

// resolve attaches to the loaders of the main bundle and its dependencies.
// References are taken immediately so that a concurrent unload of another
// request cannot tear the loaders down.
func (p *Provider) resolve() {
	man := p.m.manifest
	main, err := man.MainBundle(p.location)
	if err != nil {
		p.fail(err)
		return
	}
	deps, err := man.Dependencies(p.location)
	if err != nil {
		p.fail(err)
		return
	}
	p.main = p.m.acquireLoader(main)
	p.deps = make([]*Loader, 0, len(deps))
	for _, rec := range deps {
		p.deps = append(p.deps, p.m.acquireLoader(rec))
	}
	p.status = ProviderLoading
	p.m.logger.Debug("request resolved", "request", p.key, "bundle", main.Name, "dependencies", len(deps))
}

func (p *Provider) pollLoaders() {
	ready := true
	for _, l := range p.loaders() {
		switch l.status {
		case LoaderFailed:
			p.fail(l.err)
			return
		case LoaderReady:
		default:
			ready = false
		}
	}
	if ready {
		p.startCheck()
	}
}

func (p *Provider) startCheck() {
	p.status = ProviderChecking
	s, rec, a, path := p.strategy, p.main.rec, p.main.archive, p.main.path
	p.checking = task.Submit(p.m.pool, func(context.Context) (result, error) {
		return s.check(rec, a, path)
	})
}

func (p *Provider) checked(res task.Result[result]) {
	p.checking = nil
	if res.Err != nil {
		p.fail(fmt.Errorf("bundle: %s %s: %w", p.strategy.kind(), p.location, res.Err))
		return
	}
	p.result = res.Value
	p.status = ProviderSucceeded
	p.m.logger.Debug("load succeeded", "request", p.key)
	p.complete()
}

func (p *Provider) fail(err error) {
	if p.status.Terminal() {
		return
	}
	p.status = ProviderFailed
	p.err = err
	p.m.logFailure(p)
	p.complete()
}

func (p *Provider) complete() {
	callbacks := p.callbacks
	p.callbacks = nil
	for _, fn := range callbacks {
		fn()
	}
}

func (p *Provider) onCompleted(fn func()) {
	if p.status.Terminal() {
		fn()
		return
	}
	p.callbacks = append(p.callbacks, fn)
}

// release drops one handle reference and tears the provider down when it
// was the last one. A request still resolving or loading is canceled; a
// request in Checking finishes its open first and is reaped afterwards.
func (p *Provider) release() {
	if p.refs > 0 {
		p.refs--
	}
	if p.refs > 0 || p.destroyed {
		return
	}
	switch p.status {
	case ProviderNone, ProviderResolveBundles, ProviderLoading:
		p.fail(ErrCanceled)
	}
	if p.status.Terminal() {
		p.m.destroyProvider(p)
	}
}

// forceFinish brings the provider to a terminal state for an unload.
// An in-flight open is waited for.
func (p *Provider) forceFinish() {
	if p.status == ProviderChecking {
		p.checked(p.checking.Wait())
	}
	p.result = result{}
	if p.status == ProviderSucceeded {
		p.status = ProviderFailed
		p.err = ErrUnloaded
		return
	}
	p.fail(ErrUnloaded)
}

func (p *Provider) downloadProgress() (total, done int64) {
	for _, l := range p.loaders() {
		t, d := l.downloadProgress()
		total += t
		done += d
	}
	return total, done
}

func (p *Provider) progress() float64 {
	switch p.status {
	case ProviderSucceeded, ProviderFailed:
		return 1
	case ProviderNone, ProviderResolveBundles:
		return 0
	}
	var loaded float64 = 1
	if total, done := p.downloadProgress(); total > 0 {
		loaded = float64(done) / float64(total)
	}
	if p.status == ProviderChecking {
		return 0.9 + 0.1*loaded
	}
	return 0.9 * loaded
}

// waitForCompletion drives the download engine, this provider's loaders and
// the provider itself until the request is terminal. It blocks on in-flight
// opens instead of polling them.
func (p *Provider) waitForCompletion() {
	for !p.status.Terminal() && !p.destroyed {
		if p.m.closed {
			p.fail(ErrClosed)
			return
		}
		p.m.engine.Update()
		for _, l := range p.loaders() {
			l.update()
			l.waitOpen()
		}
		p.update()
		if p.status == ProviderChecking {
			p.checked(p.checking.Wait())
		}
		if p.status.Terminal() {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
