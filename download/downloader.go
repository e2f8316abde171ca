package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/meigma/bundle/cache"
	"github.com/meigma/bundle/internal/task"
	"github.com/meigma/bundle/internal/verify"
	"github.com/meigma/bundle/manifest"
)

// Status is the state of a Downloader.
type Status int

const (
	StatusNone Status = iota
	StatusTransferring
	StatusVerifying
	StatusWaiting
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusTransferring:
		return "transferring"
	case StatusVerifying:
		return "verifying"
	case StatusWaiting:
		return "waiting"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Succeeded or Failed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Downloader is one in-flight fetch of a bundle file.
type Downloader struct {
	engine *Engine
	rec    *manifest.BundleRecord
	dest   string
	main   string
	alt    string

	retries   int
	resumable bool

	refs     int
	status   Status
	attempts int
	err      error
	lastErr  error

	slot      bool
	transfer  *task.Future[int64]
	verifying *task.Future[struct{}]
	retryAt   time.Time

	// Written by the transfer goroutine.
	written      atomic.Int64
	net          atomic.Int64
	lastProgress atomic.Int64
	stalled      bool

	received   int64
	reported   int64
	onProgress []func(total, done int64)
}

func newDownloader(e *Engine, rec *manifest.BundleRecord, dest string, cfg fetchConfig) *Downloader {
	return &Downloader{
		engine:    e,
		rec:       rec,
		dest:      dest,
		main:      cfg.main,
		alt:       cfg.fallback,
		retries:   cfg.retries,
		resumable: rec.Size >= e.resumeThreshold,
		refs:      1,
		reported:  -1,
	}
}

// Record returns the bundle being fetched.
func (d *Downloader) Record() *manifest.BundleRecord { return d.rec }

// Dest returns the destination path the transfer writes to.
func (d *Downloader) Dest() string { return d.dest }

// Status returns the current state.
func (d *Downloader) Status() Status { return d.status }

// Done reports whether the download reached a terminal state.
func (d *Downloader) Done() bool { return d.status.Terminal() }

// Err returns the terminal error of a failed download.
func (d *Downloader) Err() error { return d.err }

// Attempts returns how many transfer attempts have been started.
func (d *Downloader) Attempts() int { return d.attempts }

// Refs returns the number of outstanding references.
func (d *Downloader) Refs() int { return d.refs }

// Received returns the number of bytes transferred over the network across
// all attempts. Bytes already present in a resumed temp file are excluded.
func (d *Downloader) Received() int64 { return d.received + d.inFlight() }

// Progress returns the expected file size and the bytes written so far.
func (d *Downloader) Progress() (total, done int64) {
	if d.status == StatusSucceeded {
		return d.rec.Size, d.rec.Size
	}
	return d.rec.Size, d.written.Load()
}

// OnProgress registers fn to be called from Update whenever progress changes.
func (d *Downloader) OnProgress(fn func(total, done int64)) {
	if fn != nil {
		d.onProgress = append(d.onProgress, fn)
	}
}

// Release drops one reference. Releasing the last reference of a download
// that has not finished aborts it.
func (d *Downloader) Release() {
	if d.refs == 0 {
		return
	}
	d.refs--
	if d.refs == 0 && !d.Done() {
		d.engine.logger.Debug("last reference released, aborting download", "bundle", d.rec.Name)
		d.Abort()
	}
}

// Abort stops the download. It is terminal: the Downloader fails with
// ErrAborted. The temp file is kept only when the transfer can be resumed.
func (d *Downloader) Abort() {
	if d.Done() {
		return
	}
	if d.transfer != nil {
		d.transfer.Cancel()
		// The goroutine must stop writing before the temp file is touched.
		if r := d.transfer.Wait(); r.Value > 0 {
			d.received += r.Value
		}
		d.transfer = nil
	}
	if !d.resumable {
		_ = os.Remove(d.dest)
	}
	d.fail(ErrAborted)
	d.engine.logger.Info("download aborted", "bundle", d.rec.Name)
}

func (d *Downloader) step() {
	switch d.status {
	case StatusNone:
		if !d.engine.acquireSlot() {
			return
		}
		d.slot = true
		d.start()
	case StatusTransferring:
		d.pollTransfer()
	case StatusVerifying:
		d.pollVerify()
	case StatusWaiting:
		if !d.engine.now().Before(d.retryAt) {
			d.start()
		}
	}
	d.report()
}

// start begins the next attempt. Even attempts use the main URL, odd
// attempts the fallback.
func (d *Downloader) start() {
	attempt := d.attempts
	d.attempts++
	target := d.main
	if attempt%2 == 1 && d.alt != "" {
		target = d.alt
	}
	if target == "" {
		d.fail(fmt.Errorf("%w: %s", ErrNoURL, d.rec.FileName()))
		return
	}
	t, err := d.engine.transportFor(target)
	if err != nil {
		d.fail(fmt.Errorf("download %s: %w", d.rec.Name, err))
		return
	}

	d.engine.logger.Debug("starting transfer",
		"bundle", d.rec.Name, "url", target, "attempt", d.attempts, "resume", d.resumable)
	d.status = StatusTransferring
	d.stalled = false
	d.lastProgress.Store(d.engine.now().UnixNano())
	resume := d.resumable
	d.transfer = task.Go(func(ctx context.Context) (int64, error) {
		return d.run(ctx, t, target, resume)
	})
}

func (d *Downloader) pollTransfer() {
	if d.engine.stallTimeout > 0 && !d.stalled {
		last := time.Unix(0, d.lastProgress.Load())
		if d.engine.now().Sub(last) >= d.engine.stallTimeout {
			d.stalled = true
			d.transfer.Cancel()
		}
	}
	res, ok := d.transfer.Poll()
	if !ok {
		return
	}
	d.transfer = nil
	d.received += res.Value
	if d.stalled {
		d.retry(fmt.Errorf("%w: %s: no data for %s", ErrStalled, d.rec.Name, d.engine.stallTimeout))
		return
	}
	if res.Err != nil {
		d.retry(fmt.Errorf("%w: %s: %w", ErrNetwork, d.rec.Name, res.Err))
		return
	}

	d.status = StatusVerifying
	want := verify.Expect{Size: d.rec.Size, Digest: d.rec.Hash, CRC: d.rec.CRC, CheckCRC: d.engine.checkCRC}
	dest := d.dest
	d.verifying = task.Submit(d.engine.pool, func(context.Context) (struct{}, error) {
		return struct{}{}, verify.File(dest, want)
	})
	d.pollVerify()
}

func (d *Downloader) pollVerify() {
	res, ok := d.verifying.Poll()
	if !ok {
		return
	}
	d.verifying = nil
	if res.Err != nil {
		_ = os.Remove(d.dest)
		d.retry(fmt.Errorf("%w: %s: %w", cache.ErrVerificationFailed, d.rec.Name, res.Err))
		return
	}
	if err := d.engine.store.Write(d.rec, d.dest, cache.Verified()); err != nil {
		d.retry(err)
		return
	}
	d.status = StatusSucceeded
	d.written.Store(d.rec.Size)
	d.engine.releaseSlot()
	d.slot = false
	d.engine.finish(d)
	d.engine.logger.Info("download complete",
		"bundle", d.rec.Name, "attempts", d.attempts, "bytes", d.received)
}

// retry records a failed attempt and schedules the next one, or fails the
// download when attempts are exhausted.
func (d *Downloader) retry(err error) {
	d.lastErr = err
	var se *StatusError
	if errors.As(err, &se) {
		if _, ok := d.engine.poison[se.Code]; ok {
			d.engine.logger.Warn("discarding partial file after poison status",
				"bundle", d.rec.Name, "status", se.Code)
			_ = os.Remove(d.dest)
		}
	}
	if d.attempts > d.retries {
		if !d.resumable {
			_ = os.Remove(d.dest)
		}
		d.fail(fmt.Errorf("download %s failed after %d attempts: %w", d.rec.Name, d.attempts, err))
		d.engine.logger.Error("download failed", "bundle", d.rec.Name, "attempts", d.attempts, "error", err)
		return
	}
	d.engine.logger.Warn("download attempt failed",
		"bundle", d.rec.Name, "attempt", d.attempts, "error", err)
	d.status = StatusWaiting
	d.retryAt = d.engine.now().Add(d.engine.retryDelay)
}

func (d *Downloader) fail(err error) {
	d.err = err
	d.status = StatusFailed
	if d.slot {
		d.engine.releaseSlot()
		d.slot = false
	}
	d.engine.finish(d)
}

func (d *Downloader) report() {
	if len(d.onProgress) == 0 {
		return
	}
	total, done := d.Progress()
	if done == d.reported {
		return
	}
	d.reported = done
	for _, fn := range d.onProgress {
		fn(total, done)
	}
}

func (d *Downloader) inFlight() int64 {
	if d.transfer == nil {
		return 0
	}
	return d.net.Load()
}

// run performs one attempt on the transfer goroutine. It returns the number
// of bytes received over the network.
func (d *Downloader) run(ctx context.Context, t Transport, target string, resume bool) (int64, error) {
	d.net.Store(0)
	var offset int64
	if resume {
		if info, err := os.Stat(d.dest); err == nil {
			offset = info.Size()
		}
		if offset > d.rec.Size {
			_ = os.Remove(d.dest)
			offset = 0
		}
		if offset > 0 && offset == d.rec.Size {
			d.written.Store(offset)
			return 0, nil
		}
	}

	resp, err := t.Open(ctx, &Request{URL: target, Offset: offset, Size: d.rec.Size, Digest: d.rec.Hash})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 && resp.Partial {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		offset = 0
	}
	if err := os.MkdirAll(filepath.Dir(d.dest), 0o700); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(d.dest, flags, 0o600) //nolint:gosec // destination comes from the cache layout
	if err != nil {
		return 0, err
	}
	d.written.Store(offset)

	n, copyErr := io.Copy(f, &progressReader{ctx: ctx, r: resp.Body, d: d})
	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return n, copyErr
	}
	if offset+n < d.rec.Size {
		return n, fmt.Errorf("received %d of %d bytes: %w", offset+n, d.rec.Size, io.ErrUnexpectedEOF)
	}
	return n, nil
}

type progressReader struct {
	ctx context.Context
	r   io.Reader
	d   *Downloader
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	if n > 0 {
		p.d.written.Add(int64(n))
		p.d.net.Add(int64(n))
		p.d.lastProgress.Store(p.d.engine.now().UnixNano())
	}
	return n, err
}
