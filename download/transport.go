package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// Request describes one transfer attempt.
type Request struct {
	// URL is the remote location of the file.
	URL string

	// Offset is the first byte wanted. Non-zero only when resuming.
	Offset int64

	// Size is the expected full length of the file, or -1 if unknown.
	Size int64

	// Digest is the expected content digest. Content-addressed transports
	// use it to locate the file.
	Digest digest.Digest
}

// Response is an open transfer.
type Response struct {
	// StatusCode is the protocol status, when the transport has one.
	StatusCode int

	// Body streams the content starting at Offset when Partial is true,
	// or from the beginning otherwise. The caller closes it.
	Body io.ReadCloser

	// Partial reports whether the transport honored a non-zero Offset.
	Partial bool
}

// Transport opens remote files for reading.
//
// Implementations must honor ctx cancellation while the body is being read
// and must report a rejected request as a *StatusError.
type Transport interface {
	Open(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// Open implements Transport.
func (f TransportFunc) Open(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// StatusError is returned by transports when the remote rejects a request.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download: %s: unexpected status %d", e.URL, e.Code)
}

// FileURL returns a file:// URL for a local path.
func FileURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

// FileTransport serves file:// URLs from the local filesystem. It is used
// to import files that ship with the application into the cache.
type FileTransport struct{}

// Open implements Transport.
func (FileTransport) Open(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("download: parse %q: %w", req.URL, err)
	}
	if u.Scheme != "file" {
		return nil, fmt.Errorf("download: file transport cannot open %q", req.URL)
	}
	f, err := os.Open(filepath.FromSlash(u.Path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &StatusError{URL: req.URL, Code: 404}
	}
	if err != nil {
		return nil, err
	}
	partial := false
	if req.Offset > 0 {
		if _, err := f.Seek(req.Offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
		partial = true
	}
	return &Response{StatusCode: 200, Body: f, Partial: partial}, nil
}
