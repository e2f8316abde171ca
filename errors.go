package bundle

import (
	"errors"

	"github.com/meigma/bundle/archive"
	"github.com/meigma/bundle/cache"
	"github.com/meigma/bundle/download"
	"github.com/meigma/bundle/manifest"
)

var (
	// ErrHandleReleased is returned by every accessor of a released Handle.
	ErrHandleReleased = errors.New("bundle: handle released")

	// ErrNotInitialized is returned by loads issued before a manifest is active.
	ErrNotInitialized = errors.New("bundle: manager not initialized")

	// ErrAlreadyInitialized is returned when a second initialization is started.
	ErrAlreadyInitialized = errors.New("bundle: manager already initialized")

	// ErrClosed is returned by loads issued after Close.
	ErrClosed = errors.New("bundle: manager closed")

	// ErrNotComplete is returned by result accessors of a load that has not finished.
	ErrNotComplete = errors.New("bundle: load not complete")

	// ErrCanceled is the terminal error of a load whose last handle was
	// released before it finished.
	ErrCanceled = errors.New("bundle: load canceled")

	// ErrUnloaded is the terminal error of loads torn down by ForceUnloadAll.
	ErrUnloaded = errors.New("bundle: unloaded")

	// ErrNotRawFile is returned when a raw-file load targets an archive bundle.
	ErrNotRawFile = errors.New("bundle: not a raw file bundle")

	// ErrRawFile is returned when an object load targets a raw-file bundle.
	ErrRawFile = errors.New("bundle: bundle is a raw file")

	// ErrResultKind is returned when a result accessor does not match the
	// kind of load that produced the handle.
	ErrResultKind = errors.New("bundle: result not available for this load kind")
)

// Errors re-exported from subpackages.
var (
	// ErrCorruptManifest is returned when manifest bytes are malformed.
	ErrCorruptManifest = manifest.ErrCorruptManifest

	// ErrAssetNotFound is returned when no asset matches a location.
	ErrAssetNotFound = manifest.ErrAssetNotFound

	// ErrBundleNotFound is returned when no bundle has the requested name.
	ErrBundleNotFound = manifest.ErrBundleNotFound

	// ErrVerificationFailed is returned when a file does not match its record.
	ErrVerificationFailed = cache.ErrVerificationFailed

	// ErrNetwork wraps transfer failures.
	ErrNetwork = download.ErrNetwork

	// ErrStalled is returned when a transfer receives no data for too long.
	ErrStalled = download.ErrStalled

	// ErrAborted is returned when a download is aborted.
	ErrAborted = download.ErrAborted

	// ErrDecryptionFailed is returned when an encrypted bundle cannot be opened.
	ErrDecryptionFailed = archive.ErrDecryptionFailed

	// ErrObjectNotFound is returned when an opened bundle lacks the requested object.
	ErrObjectNotFound = archive.ErrObjectNotFound
)
