// Package http provides a download transport backed by HTTP GET and Range requests.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"

	"github.com/meigma/bundle/download"
)

// Transport fetches bundle files over HTTP(S).
// It satisfies download.Transport.
type Transport struct {
	client  *nethttp.Client
	headers nethttp.Header
}

// Option configures a Transport.
type Option func(*Transport)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(t *Transport) {
		t.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(t *Transport) {
		if headers == nil {
			return
		}
		t.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(t *Transport) {
		if t.headers == nil {
			t.headers = make(nethttp.Header)
		}
		t.headers.Set(key, value)
	}
}

// New creates a Transport.
func New(opts ...Option) *Transport {
	t := &Transport{client: nethttp.DefaultClient}
	for _, opt := range opts {
		opt(t)
	}
	if t.client == nil {
		t.client = nethttp.DefaultClient
	}
	return t
}

// Open starts a GET for req.URL. A non-zero offset is sent as an open-ended
// Range request; servers that ignore it answer 200 and the response is
// reported as not partial.
func (t *Transport) Open(ctx context.Context, req *download.Request) (*download.Response, error) {
	hr, err := t.newRequest(ctx, nethttp.MethodGet, req.URL)
	if err != nil {
		return nil, err
	}
	if req.Offset > 0 {
		hr.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.Offset))
	}

	resp, err := t.client.Do(hr)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case nethttp.StatusOK:
		return &download.Response{StatusCode: resp.StatusCode, Body: resp.Body}, nil
	case nethttp.StatusPartialContent:
		if req.Offset == 0 {
			break
		}
		start, _, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			discard(resp)
			return nil, err
		}
		if start != req.Offset {
			discard(resp)
			return nil, fmt.Errorf("range response starts at %d, want %d", start, req.Offset)
		}
		return &download.Response{StatusCode: resp.StatusCode, Body: resp.Body, Partial: true}, nil
	}
	if resp.StatusCode/100 == 2 {
		return &download.Response{StatusCode: resp.StatusCode, Body: resp.Body}, nil
	}
	discard(resp)
	return nil, &download.StatusError{URL: req.URL, Code: resp.StatusCode}
}

// Stat returns the size of the remote content. It tries HEAD first and
// falls back to a one-byte range probe when the server omits Content-Length.
func (t *Transport) Stat(ctx context.Context, url string) (int64, error) {
	req, err := t.newRequest(ctx, nethttp.MethodHead, url)
	if err != nil {
		return 0, err
	}
	if resp, err := t.client.Do(req); err == nil {
		discard(resp)
		if resp.StatusCode == nethttp.StatusOK && resp.ContentLength >= 0 {
			return resp.ContentLength, nil
		}
		if resp.StatusCode/100 != 2 && resp.StatusCode != nethttp.StatusMethodNotAllowed {
			return 0, &download.StatusError{URL: url, Code: resp.StatusCode}
		}
	}
	return t.rangeProbe(ctx, url)
}

func (t *Transport) rangeProbe(ctx context.Context, url string) (int64, error) {
	req, err := t.newRequest(ctx, nethttp.MethodGet, url)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer discard(resp)

	if resp.StatusCode != nethttp.StatusPartialContent {
		if resp.StatusCode == nethttp.StatusOK {
			return 0, errors.New("range requests not supported")
		}
		return 0, &download.StatusError{URL: url, Code: resp.StatusCode}
	}
	_, size, err := parseContentRange(resp.Header.Get("Content-Range"))
	return size, err
}

func (t *Transport) newRequest(ctx context.Context, method, url string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range t.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	// Transparent decompression would break byte offsets for resume.
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	return req, nil
}

func discard(resp *nethttp.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// parseContentRange parses "bytes <start>-<end>/<size>" and returns the
// start offset and total size.
func parseContentRange(value string) (int64, int64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	parts := strings.SplitN(strings.TrimPrefix(value, "bytes "), "/", 2)
	if len(parts) != 2 || parts[1] == "*" {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	span := strings.SplitN(parts[0], "-", 2)
	if len(span) != 2 {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	start, err := strconv.ParseInt(span[0], 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return start, size, nil
}
