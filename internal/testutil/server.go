package testutil

import (
	"bytes"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// Server serves bundle files over HTTP and injects faults on request.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	files    map[string][]byte
	stall    map[string]bool
	fail     map[string]failure
	noRanges bool
	hits     map[string]int
	served   map[string]int64
	ranges   map[string][]string

	done chan struct{}
}

type failure struct {
	code  int
	times int // negative means forever
}

// NewServer starts a server for files keyed by file name. It is closed when
// the test ends.
func NewServer(tb testing.TB, files map[string][]byte) *Server {
	tb.Helper()
	s := &Server{
		files:  make(map[string][]byte, len(files)),
		stall:  make(map[string]bool),
		fail:   make(map[string]failure),
		hits:   make(map[string]int),
		served: make(map[string]int64),
		ranges: make(map[string][]string),
		done:   make(chan struct{}),
	}
	for name, data := range files {
		s.files[name] = data
	}
	s.Server = httptest.NewServer(nethttp.HandlerFunc(s.handle))
	tb.Cleanup(func() {
		close(s.done)
		s.Close()
	})
	return s
}

// BaseURL returns the base URL files are served under.
func (s *Server) BaseURL() string {
	return s.Server.URL + "/files"
}

// Stall makes requests for name send headers and then no bytes.
func (s *Server) Stall(name string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stall[name] = enabled
}

// Fail answers the next times requests for name with code. A negative
// times fails forever.
func (s *Server) Fail(name string, code, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[name] = failure{code: code, times: times}
}

// DisableRanges makes the server ignore Range headers.
func (s *Server) DisableRanges() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noRanges = true
}

// Hits returns how many requests were made for name.
func (s *Server) Hits(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[name]
}

// Served returns how many body bytes were sent for name.
func (s *Server) Served(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served[name]
}

// Ranges returns the Range headers received for name, in order.
func (s *Server) Ranges(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges[name]...)
}

func (s *Server) handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/files/")

	s.mu.Lock()
	s.hits[name]++
	s.ranges[name] = append(s.ranges[name], r.Header.Get("Range"))
	data, ok := s.files[name]
	stall := s.stall[name]
	f, failing := s.fail[name]
	if failing && f.times != 0 {
		if f.times > 0 {
			f.times--
			s.fail[name] = f
		}
	} else {
		failing = false
	}
	noRanges := s.noRanges
	s.mu.Unlock()

	switch {
	case failing:
		w.WriteHeader(f.code)
		return
	case !ok:
		nethttp.NotFound(w, r)
		return
	case stall:
		w.WriteHeader(nethttp.StatusOK)
		if fl, ok := w.(nethttp.Flusher); ok {
			fl.Flush()
		}
		select {
		case <-r.Context().Done():
		case <-s.done:
		}
		return
	}

	if noRanges {
		r.Header.Del("Range")
	}
	cw := &countingWriter{ResponseWriter: w}
	nethttp.ServeContent(cw, r, name, time.Time{}, bytes.NewReader(data))

	s.mu.Lock()
	s.served[name] += cw.n
	s.mu.Unlock()
}

type countingWriter struct {
	nethttp.ResponseWriter
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.ResponseWriter.Write(p)
	c.n += int64(n)
	return n, err
}
