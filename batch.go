package bundle

import (
	"errors"
	"fmt"
	"time"

	"github.com/meigma/bundle/download"
	"github.com/meigma/bundle/manifest"
)

// DefaultBatchConcurrency is how many bundles a batch download fetches at once.
const DefaultBatchConcurrency = 4

type batchConfig struct {
	concurrency int
	retries     int
}

// BatchOption configures a [BatchDownload].
type BatchOption func(*batchConfig)

// BatchWithConcurrency limits how many bundles the batch fetches at once.
func BatchWithConcurrency(n int) BatchOption {
	return func(c *batchConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// BatchWithRetries overrides the manager's retry count for the batch.
func BatchWithRetries(n int) BatchOption {
	return func(c *batchConfig) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// BatchDownload pre-fetches bundles into the cache without opening them.
type BatchDownload struct {
	m   *Manager
	cfg batchConfig

	pending []*manifest.BundleRecord
	active  []*download.Downloader

	bundles    int
	totalBytes int64
	doneBytes  int64
	completed  int
	failures   []error

	status OperationStatus
	err    error
}

// NewBatchDownload starts fetching every bundle that carries any of tags
// and is neither cached nor builtin. With no tags every bundle qualifies.
// The batch is driven by [Manager.Update].
func (m *Manager) NewBatchDownload(tags []string, opts ...BatchOption) (*BatchDownload, error) {
	switch {
	case m.closed:
		return nil, ErrClosed
	case m.manifest == nil:
		return nil, ErrNotInitialized
	}
	cfg := batchConfig{concurrency: DefaultBatchConcurrency, retries: -1}
	for _, opt := range opts {
		opt(&cfg)
	}
	b := &BatchDownload{m: m, cfg: cfg}
	for _, rec := range m.manifest.BundlesByTags(tags...) {
		if !m.store.NeedsDownload(rec) {
			continue
		}
		b.pending = append(b.pending, rec)
		b.totalBytes += rec.Size
	}
	b.bundles = len(b.pending)
	m.logger.Info("batch download started", "tags", tags, "bundles", b.bundles, "bytes", b.totalBytes)
	if b.bundles == 0 {
		b.status = OperationSucceeded
		return b, nil
	}
	m.batches = append(m.batches, b)
	return b, nil
}

// Status returns the current state.
func (b *BatchDownload) Status() OperationStatus { return b.status }

// Done reports whether every bundle has been fetched or has failed.
func (b *BatchDownload) Done() bool { return b.status != OperationRunning }

// Err returns the joined errors of every bundle that failed.
func (b *BatchDownload) Err() error { return b.err }

// Bundles returns how many bundles the batch fetches.
func (b *BatchDownload) Bundles() int { return b.bundles }

// Completed returns how many bundles have been fetched.
func (b *BatchDownload) Completed() int { return b.completed }

// Progress returns the byte totals across the batch.
func (b *BatchDownload) Progress() (total, done int64) {
	done = b.doneBytes
	for _, d := range b.active {
		_, n := d.Progress()
		done += n
	}
	return b.totalBytes, done
}

// Cancel stops the batch. Transfers no loader shares are aborted.
func (b *BatchDownload) Cancel() {
	if b.Done() {
		return
	}
	for _, d := range b.active {
		d.Release()
	}
	b.active = nil
	b.pending = nil
	b.status = OperationFailed
	b.err = ErrCanceled
}

// WaitForCompletion drives the batch synchronously until it is done.
func (b *BatchDownload) WaitForCompletion() error {
	for !b.Done() {
		if b.m.closed {
			b.Cancel()
			break
		}
		b.m.engine.Update()
		b.update()
		if !b.Done() {
			time.Sleep(time.Millisecond)
		}
	}
	return b.err
}

func (b *BatchDownload) update() {
	if b.Done() {
		return
	}
	live := b.active[:0]
	for _, d := range b.active {
		if !d.Done() {
			live = append(live, d)
			continue
		}
		d.Release()
		rec := d.Record()
		if d.Status() == download.StatusSucceeded {
			b.completed++
			b.doneBytes += rec.Size
			continue
		}
		b.failures = append(b.failures, fmt.Errorf("bundle: fetch %s: %w", rec.Name, d.Err()))
	}
	clear(b.active[len(live):])
	b.active = live

	for len(b.active) < b.cfg.concurrency && len(b.pending) > 0 {
		rec := b.pending[0]
		b.pending = b.pending[1:]
		if b.m.store.Exists(rec) {
			b.completed++
			b.doneBytes += rec.Size
			continue
		}
		var opts []download.FetchOption
		if b.cfg.retries >= 0 {
			opts = append(opts, download.FetchWithRetries(b.cfg.retries))
		}
		b.active = append(b.active, b.m.engine.Fetch(rec, b.m.store.TempPath(rec), opts...))
	}

	if len(b.active) > 0 || len(b.pending) > 0 {
		return
	}
	if len(b.failures) > 0 {
		b.status = OperationFailed
		b.err = errors.Join(b.failures...)
		b.m.logger.Error("batch download failed", "failed", len(b.failures), "completed", b.completed)
		return
	}
	b.status = OperationSucceeded
	b.m.logger.Info("batch download complete", "bundles", b.completed)
}
