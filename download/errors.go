package download

import "errors"

var (
	// ErrNetwork wraps every transfer failure: transport errors, rejected
	// requests and truncated bodies.
	ErrNetwork = errors.New("download: network failure")

	// ErrStalled is returned when no bytes arrive for the stall timeout.
	ErrStalled = errors.New("download: transfer stalled")

	// ErrAborted is returned by a Downloader that was aborted before it
	// finished, either explicitly or because its last reference was released.
	ErrAborted = errors.New("download: aborted")

	// ErrNoURL is returned when no endpoint yields a URL for a file.
	ErrNoURL = errors.New("download: no url for file")

	// ErrNoTransport is returned when no transport is registered for a URL scheme.
	ErrNoTransport = errors.New("download: no transport for url scheme")
)
