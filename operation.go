package bundle

import (
	"errors"
	"fmt"

	"github.com/meigma/bundle/cache"
	"github.com/meigma/bundle/manifest"
)

// OperationStatus is the state of an [Operation].
type OperationStatus int

const (
	// OperationRunning means the operation is still being driven by Update.
	OperationRunning OperationStatus = iota
	// OperationSucceeded is terminal.
	OperationSucceeded
	// OperationFailed is terminal; Err returns the cause.
	OperationFailed
)

func (s OperationStatus) String() string {
	switch s {
	case OperationRunning:
		return "running"
	case OperationSucceeded:
		return "succeeded"
	case OperationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type initStage uint8

const (
	stageFootprint initStage = iota
	stageScan
	stagePersist
	stageDone
)

// Operation tracks manager initialization across ticks: the footprint check,
// the cache sweep, the incremental manifest parse and persisting the
// manifest for the next run.
type Operation struct {
	m         *Manager
	data      []byte
	fromCache bool

	stage  initStage
	sweep  *cache.Sweep
	parser *manifest.Parser

	status    OperationStatus
	err       error
	callbacks []func(*Operation)
}

// Initialize starts loading manifestBytes. The manager serves loads once
// the returned operation succeeds. A corrupt manifest fails the operation
// with ErrCorruptManifest.
func (m *Manager) Initialize(manifestBytes []byte) *Operation {
	op := &Operation{m: m, data: manifestBytes}
	if err := m.beginInit(op); err != nil {
		op.fail(err)
	}
	return op
}

// InitializeFromCache starts loading the manifest persisted by an earlier
// run. An empty version selects the last active one.
func (m *Manager) InitializeFromCache(version string) *Operation {
	op := &Operation{m: m, fromCache: true}
	if err := m.beginInit(op); err != nil {
		op.fail(err)
		return op
	}
	if version == "" {
		v, err := m.store.ActiveVersion()
		if err != nil {
			op.fail(fmt.Errorf("bundle: no cached manifest: %w", err))
			return op
		}
		version = v
	}
	data, err := m.store.LoadManifest(version)
	if err != nil {
		op.fail(fmt.Errorf("bundle: load cached manifest %s: %w", version, err))
		return op
	}
	op.data = data
	return op
}

func (m *Manager) beginInit(op *Operation) error {
	switch {
	case m.closed:
		return ErrClosed
	case m.manifest != nil:
		return ErrAlreadyInitialized
	case m.init != nil && !m.init.Done():
		return ErrAlreadyInitialized
	}
	m.init = op
	return nil
}

// Status returns the current state.
func (op *Operation) Status() OperationStatus { return op.status }

// Done reports whether the operation reached a terminal state.
func (op *Operation) Done() bool { return op.status != OperationRunning }

// Err returns the terminal error of a failed operation.
func (op *Operation) Err() error { return op.err }

// Progress returns a value between 0 and 1.
func (op *Operation) Progress() float64 {
	switch {
	case op.status == OperationSucceeded:
		return 1
	case op.sweep == nil || op.parser == nil:
		return 0
	}
	return (op.sweep.Progress() + op.parser.Progress()) / 2
}

// OnCompleted registers fn to be called once the operation is terminal.
// If it already is, fn is called immediately.
func (op *Operation) OnCompleted(fn func(*Operation)) {
	if fn == nil {
		return
	}
	if op.Done() {
		fn(op)
		return
	}
	op.callbacks = append(op.callbacks, fn)
}

// WaitForCompletion drives the operation to a terminal state, blocking on
// the cache sweep if necessary, and returns its error.
func (op *Operation) WaitForCompletion() error {
	for !op.Done() {
		if op.sweep != nil && !op.sweep.Done() {
			op.sweep.Wait()
		}
		op.update()
	}
	return op.err
}

func (op *Operation) update() {
	if op.Done() {
		return
	}
	m := op.m
	switch op.stage {
	case stageFootprint:
		if m.closed {
			op.fail(ErrClosed)
			return
		}
		if m.appFootprint != "" {
			cleared, err := m.store.CheckFootprint(m.appFootprint)
			if err != nil {
				op.fail(fmt.Errorf("bundle: check app footprint: %w", err))
				return
			}
			if cleared {
				m.logger.Info("application footprint changed, cache cleared", "app", m.appFootprint)
			}
		}
		op.sweep = m.store.StartSweep(m.pool)
		op.parser = manifest.NewParser(op.data)
		op.stage = stageScan
		fallthrough
	case stageScan:
		swept := op.sweep.Update()
		parsed, err := op.parser.Step(m.parseBudget)
		if err != nil {
			op.fail(err)
			return
		}
		if !swept || !parsed {
			return
		}
		m.logger.Debug("cache sweep complete", "verified", op.sweep.Verified(), "removed", op.sweep.Removed())
		op.stage = stagePersist
		fallthrough
	case stagePersist:
		op.finish(op.parser.Manifest())
	}
}

func (op *Operation) finish(man *manifest.Manifest) {
	m := op.m
	if man.PackageName() != m.packageName {
		op.fail(fmt.Errorf("%w: manifest is for package %q, want %q",
			manifest.ErrCorruptManifest, man.PackageName(), m.packageName))
		return
	}
	if !op.fromCache {
		version := man.PackageVersion()
		if version == "" {
			version = man.Digest().Encoded()[:12]
		}
		if err := m.store.SaveManifest(version, op.data); err != nil {
			m.logger.Warn("persist manifest", "version", version, "error", err)
		}
	}
	m.manifest = man
	op.stage = stageDone
	op.status = OperationSucceeded
	m.logger.Info("manager initialized",
		"package", man.PackageName(),
		"version", man.PackageVersion(),
		"bundles", len(man.Bundles()),
		"assets", len(man.Assets()),
	)
	op.complete()
}

func (op *Operation) fail(err error) {
	if op.Done() {
		return
	}
	if err == nil {
		err = errors.New("bundle: initialization failed")
	}
	if op.parser != nil {
		op.parser.Cancel()
	}
	op.stage = stageDone
	op.status = OperationFailed
	op.err = err
	op.m.logger.Error("initialization failed", "error", err)
	op.complete()
}

func (op *Operation) complete() {
	callbacks := op.callbacks
	op.callbacks = nil
	for _, fn := range callbacks {
		fn(op)
	}
}
