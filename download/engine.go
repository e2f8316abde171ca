// Package download fetches bundle files into the cache.
//
// An [Engine] owns every in-flight [Downloader], keyed by destination path so
// that overlapping requests for the same file share one transfer. Transfers
// run on their own goroutines; the engine observes their completion, runs
// verification on the worker pool, retries failures and publishes verified
// files into the cache store, all from [Engine.Update].
package download

import (
	"log/slog"
	"net/url"
	"path/filepath"
	"time"

	"github.com/meigma/bundle/cache"
	"github.com/meigma/bundle/internal/task"
	"github.com/meigma/bundle/manifest"
)

// Engine schedules and deduplicates downloads.
//
// Engine is not safe for concurrent use; all methods must be called from the
// goroutine that drives Update.
type Engine struct {
	store     *cache.Store
	endpoints Endpoints
	pool      *task.Pool
	logger    *slog.Logger

	transports      map[string]Transport
	retries         int
	retryDelay      time.Duration
	stallTimeout    time.Duration
	resumeThreshold int64
	poison          map[int]struct{}
	maxConcurrent   int
	checkCRC        bool

	active  map[string]*Downloader
	order   []*Downloader
	running int
	now     func() time.Time
}

// NewEngine creates an engine that publishes into store and resolves remote
// locations through endpoints. Endpoints may be nil when every fetch
// supplies its own URLs.
func NewEngine(store *cache.Store, endpoints Endpoints, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		endpoints:       endpoints,
		logger:          slog.New(slog.DiscardHandler),
		transports:      map[string]Transport{"file": FileTransport{}},
		retries:         DefaultRetries,
		retryDelay:      DefaultRetryDelay,
		stallTimeout:    DefaultStallTimeout,
		resumeThreshold: DefaultResumeThreshold,
		poison:          map[int]struct{}{},
		active:          make(map[string]*Downloader),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fetch returns the Downloader writing rec to dest, creating it if no
// transfer to dest is in flight. Every call takes a reference that the
// caller must drop with [Downloader.Release].
func (e *Engine) Fetch(rec *manifest.BundleRecord, dest string, opts ...FetchOption) *Downloader {
	dest = filepath.Clean(dest)
	if d, ok := e.active[dest]; ok {
		d.refs++
		e.logger.Debug("joined in-flight download", "bundle", rec.Name, "refs", d.refs)
		return d
	}

	cfg := fetchConfig{retries: e.retries}
	if e.endpoints != nil {
		cfg.main = e.endpoints.MainURL(rec.FileName())
		cfg.fallback = e.endpoints.FallbackURL(rec.FileName())
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	d := newDownloader(e, rec, dest, cfg)
	e.active[dest] = d
	e.order = append(e.order, d)
	return d
}

// Lookup returns the in-flight Downloader for dest without taking a reference.
func (e *Engine) Lookup(dest string) (*Downloader, bool) {
	d, ok := e.active[filepath.Clean(dest)]
	return d, ok
}

// Active returns the number of downloads that have not reached a terminal state.
func (e *Engine) Active() int {
	return len(e.active)
}

// Records returns the bundles of every download that has not reached a
// terminal state, in the order they were requested.
func (e *Engine) Records() []*manifest.BundleRecord {
	recs := make([]*manifest.BundleRecord, 0, len(e.order))
	for _, d := range e.order {
		if !d.Done() {
			recs = append(recs, d.rec)
		}
	}
	return recs
}

// Running returns the number of downloads holding a transfer slot.
func (e *Engine) Running() int {
	return e.running
}

// Update advances every in-flight download by one step.
func (e *Engine) Update() {
	for _, d := range e.order {
		d.step()
	}
	live := e.order[:0]
	for _, d := range e.order {
		if !d.Done() {
			live = append(live, d)
		}
	}
	clear(e.order[len(live):])
	e.order = live
}

// AbortAll aborts every in-flight download.
func (e *Engine) AbortAll() {
	for _, d := range e.order {
		d.Abort()
	}
	e.order = e.order[:0]
}

func (e *Engine) transportFor(rawURL string) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	t, ok := e.transports[u.Scheme]
	if !ok {
		return nil, &schemeError{scheme: u.Scheme}
	}
	return t, nil
}

func (e *Engine) acquireSlot() bool {
	if e.maxConcurrent > 0 && e.running >= e.maxConcurrent {
		return false
	}
	e.running++
	return true
}

func (e *Engine) releaseSlot() {
	if e.running > 0 {
		e.running--
	}
}

// finish drops a terminal download from the dedup index so a later Fetch
// for the same destination starts a new transfer.
func (e *Engine) finish(d *Downloader) {
	if cur, ok := e.active[d.dest]; ok && cur == d {
		delete(e.active, d.dest)
	}
}

type schemeError struct {
	scheme string
}

func (e *schemeError) Error() string {
	return ErrNoTransport.Error() + ": " + e.scheme
}

func (e *schemeError) Unwrap() error {
	return ErrNoTransport
}
