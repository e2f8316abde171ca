package http_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meigma/bundle/download"
	bundlehttp "github.com/meigma/bundle/http"
)

func TestTransportOpenFull(t *testing.T) {
	data := []byte("hello world")
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	resp, err := bundlehttp.New().Open(context.Background(), &download.Request{URL: server.URL, Size: int64(len(data))})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.Partial {
		t.Fatal("Partial = true for a request without offset")
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("body = %q, want %q", got, data)
	}
}

func TestTransportOpenRange(t *testing.T) {
	data := []byte("hello world")
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	resp, err := bundlehttp.New().Open(context.Background(), &download.Request{URL: server.URL, Offset: 6, Size: int64(len(data))})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer resp.Body.Close()
	if !resp.Partial {
		t.Fatal("Partial = false, want true")
	}
	got, _ := io.ReadAll(resp.Body)
	if string(got) != "world" {
		t.Fatalf("body = %q, want %q", got, "world")
	}
}

func TestTransportRangeIgnored(t *testing.T) {
	data := []byte("range unsupported")
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		_, _ = w.Write(data)
	}))
	t.Cleanup(server.Close)

	resp, err := bundlehttp.New().Open(context.Background(), &download.Request{URL: server.URL, Offset: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.Partial {
		t.Fatal("Partial = true, want false when the server ignores Range")
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, data) {
		t.Fatalf("body = %q, want full content", got)
	}
}

func TestTransportStatusError(t *testing.T) {
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.WriteHeader(nethttp.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	_, err := bundlehttp.New().Open(context.Background(), &download.Request{URL: server.URL})
	var se *download.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Open() error = %v, want *download.StatusError", err)
	}
	if se.Code != nethttp.StatusServiceUnavailable {
		t.Fatalf("Code = %d, want %d", se.Code, nethttp.StatusServiceUnavailable)
	}
}

func TestTransportHeaders(t *testing.T) {
	var gotAuth, gotEncoding string
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotEncoding = r.Header.Get("Accept-Encoding")
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(server.Close)

	tr := bundlehttp.New(bundlehttp.WithHeader("Authorization", "Bearer token"))
	resp, err := tr.Open(context.Background(), &download.Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	resp.Body.Close()
	if gotAuth != "Bearer token" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotEncoding != "identity" {
		t.Fatalf("Accept-Encoding = %q, want identity", gotEncoding)
	}
}

func TestTransportStat(t *testing.T) {
	data := []byte("twelve bytes")
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	size, err := bundlehttp.New().Stat(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if size != int64(len(data)) {
		t.Fatalf("Stat() = %d, want %d", size, len(data))
	}
}

func TestTransportCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.WriteHeader(nethttp.StatusOK)
		w.(nethttp.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	resp, err := bundlehttp.New().Open(ctx, &download.Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer resp.Body.Close()
	cancel()
	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Fatal("ReadAll() error = nil after cancel")
	}
}
