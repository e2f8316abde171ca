package bundle

import (
	"context"
	"fmt"
	"io"

	"github.com/meigma/bundle/archive"
	"github.com/meigma/bundle/cache"
	"github.com/meigma/bundle/download"
	"github.com/meigma/bundle/internal/task"
	"github.com/meigma/bundle/manifest"
)

// LoaderStatus is the state of a [Loader].
type LoaderStatus int

const (
	LoaderNone LoaderStatus = iota
	LoaderCheckCache
	LoaderDownloading
	LoaderOpening
	LoaderReady
	LoaderFailed
)

func (s LoaderStatus) String() string {
	switch s {
	case LoaderNone:
		return "none"
	case LoaderCheckCache:
		return "check_cache"
	case LoaderDownloading:
		return "downloading"
	case LoaderOpening:
		return "opening"
	case LoaderReady:
		return "ready"
	case LoaderFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Ready or Failed.
func (s LoaderStatus) Terminal() bool {
	return s == LoaderReady || s == LoaderFailed
}

// Loader owns one opened bundle. It is shared by every provider that needs
// the bundle and lives until the last of them lets go.
type Loader struct {
	m   *Manager
	rec *manifest.BundleRecord

	refs      int
	status    LoaderStatus
	err       error
	destroyed bool
	refetched bool

	path    string
	dl      *download.Downloader
	opening *task.Future[openedBundle]
	archive archive.Archive
	closer  io.Closer
}

type openedBundle struct {
	archive archive.Archive
	closer  io.Closer

	// corrupt is set when a cached file failed to open and then failed
	// full re-verification.
	corrupt error
}

func newLoader(m *Manager, rec *manifest.BundleRecord) *Loader {
	return &Loader{m: m, rec: rec, refs: 1}
}

// Bundle returns the record of the bundle this loader owns.
func (l *Loader) Bundle() *manifest.BundleRecord { return l.rec }

// Status returns the current state.
func (l *Loader) Status() LoaderStatus { return l.status }

// Err returns the terminal error of a failed loader.
func (l *Loader) Err() error { return l.err }

// Refs returns the number of providers holding this loader.
func (l *Loader) Refs() int { return l.refs }

// Path returns the local file the bundle was opened from.
func (l *Loader) Path() string { return l.path }

// Archive returns the opened bundle, or nil for raw files and loaders that
// are not ready.
func (l *Loader) Archive() archive.Archive { return l.archive }

func (l *Loader) update() {
	if l.destroyed {
		return
	}
	switch l.status {
	case LoaderNone:
		l.status = LoaderCheckCache
		l.checkCache()
	case LoaderCheckCache:
		l.checkCache()
	case LoaderDownloading:
		l.pollDownload()
	case LoaderOpening:
		if res, ok := l.opening.Poll(); ok {
			l.opened(res)
		}
	}
}

func (l *Loader) checkCache() {
	store := l.m.store
	switch {
	case store.Exists(l.rec):
		l.open(store.DataPath(l.rec))
	case store.NeedsUnpack(l.rec):
		l.m.logger.Debug("importing builtin bundle", "bundle", l.rec.Name)
		l.dl = l.m.engine.Fetch(l.rec, store.TempPath(l.rec),
			download.FetchWithURLs(download.FileURL(store.BuiltinPath(l.rec)), ""))
		l.status = LoaderDownloading
	case store.IsBuiltin(l.rec):
		l.open(store.BuiltinPath(l.rec))
	default:
		l.dl = l.m.engine.Fetch(l.rec, store.TempPath(l.rec))
		l.status = LoaderDownloading
	}
}

func (l *Loader) pollDownload() {
	if !l.dl.Done() {
		return
	}
	dl := l.dl
	l.dl = nil
	dl.Release()
	if dl.Status() != download.StatusSucceeded {
		l.fail(fmt.Errorf("bundle: fetch %s: %w", l.rec.Name, dl.Err()))
		return
	}
	l.open(l.m.store.DataPath(l.rec))
}

func (l *Loader) open(path string) {
	l.path = path
	if l.rec.RawFile {
		l.ready()
		return
	}
	l.status = LoaderOpening
	rec, opener, decryptor, store := l.rec, l.m.opener, l.m.decryptor, l.m.store
	cached := path == store.DataPath(rec)
	l.opening = task.Submit(l.m.pool, func(context.Context) (openedBundle, error) {
		ob, err := openBundle(rec, path, opener, decryptor)
		if err != nil && cached {
			ob.corrupt = store.VerifyFile(rec, cache.VerifyHigh)
		}
		return ob, err
	})
}

func openBundle(rec *manifest.BundleRecord, path string, opener archive.Opener, decryptor archive.Decryptor) (openedBundle, error) {
	if !rec.Encrypted {
		a, err := opener.Open(path)
		return openedBundle{archive: a}, err
	}
	if decryptor == nil {
		return openedBundle{}, fmt.Errorf("%w: no decryptor configured", archive.ErrDecryptionFailed)
	}
	a, closer, err := decryptor.Decrypt(archive.DecryptRequest{
		Path: path,
		Hash: rec.Hash,
		CRC:  rec.CRC,
		Size: rec.Size,
	})
	return openedBundle{archive: a, closer: closer}, err
}

func (l *Loader) opened(res task.Result[openedBundle]) {
	l.opening = nil
	if res.Err != nil {
		if res.Value.corrupt != nil && !l.refetched {
			l.refetch(res.Value.corrupt)
			return
		}
		l.fail(fmt.Errorf("bundle: open %s: %w", l.rec.Name, res.Err))
		return
	}
	l.archive = res.Value.archive
	l.closer = res.Value.closer
	l.ready()
}

// refetch drops a cached file that failed re-verification and goes back
// through CheckCache. A loader refetches at most once.
func (l *Loader) refetch(cause error) {
	l.refetched = true
	l.m.logger.Warn("cached bundle is corrupt, fetching again", "bundle", l.rec.Name, "error", cause)
	if err := l.m.store.DeleteRecord(l.rec); err != nil {
		l.fail(fmt.Errorf("bundle: discard %s: %w", l.rec.Name, err))
		return
	}
	l.path = ""
	l.status = LoaderCheckCache
	l.checkCache()
}

func (l *Loader) ready() {
	l.status = LoaderReady
	l.m.logger.Debug("bundle ready", "bundle", l.rec.Name, "path", l.path)
}

func (l *Loader) fail(err error) {
	l.status = LoaderFailed
	l.err = err
	l.m.logger.Error("bundle load failed", "bundle", l.rec.Name, "error", err)
}

// waitOpen blocks on an in-flight open.
func (l *Loader) waitOpen() {
	if l.status == LoaderOpening && !l.destroyed {
		l.opened(l.opening.Wait())
	}
}

// downloadProgress reports the bundle's transfer progress. Bundles that
// need no transfer count as complete once ready.
func (l *Loader) downloadProgress() (total, done int64) {
	if l.dl != nil {
		return l.dl.Progress()
	}
	switch l.status {
	case LoaderOpening, LoaderReady:
		return l.rec.Size, l.rec.Size
	}
	return l.rec.Size, 0
}

func (l *Loader) release() {
	if l.refs > 0 {
		l.refs--
	}
	if l.refs > 0 {
		return
	}
	switch l.status {
	case LoaderNone, LoaderCheckCache:
		l.status = LoaderFailed
		l.err = ErrCanceled
	case LoaderDownloading:
		// Dropping the last reference to the download aborts it unless a
		// batch download still holds one.
		dl := l.dl
		l.dl = nil
		dl.Release()
		l.status = LoaderFailed
		l.err = fmt.Errorf("bundle: fetch %s: %w", l.rec.Name, download.ErrAborted)
	}
}

// forceFinish brings the loader to a terminal state without waiting for the
// network.
func (l *Loader) forceFinish() {
	switch l.status {
	case LoaderNone, LoaderCheckCache:
		l.status = LoaderFailed
		l.err = ErrUnloaded
	case LoaderDownloading:
		dl := l.dl
		l.dl = nil
		dl.Release()
		if !dl.Done() {
			dl.Abort()
		}
		l.status = LoaderFailed
		l.err = ErrUnloaded
	case LoaderOpening:
		l.waitOpen()
	}
}

func (l *Loader) destroy() {
	l.destroyed = true
	if l.archive != nil {
		if err := l.archive.Close(); err != nil {
			l.m.logger.Warn("close bundle", "bundle", l.rec.Name, "error", err)
		}
		l.archive = nil
	}
	if l.closer != nil {
		if err := l.closer.Close(); err != nil {
			l.m.logger.Warn("close bundle file", "bundle", l.rec.Name, "error", err)
		}
		l.closer = nil
	}
	l.m.logger.Debug("bundle unloaded", "bundle", l.rec.Name)
}
