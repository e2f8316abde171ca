package verify

import (
	"hash"
	"io"
)

// HashingReader wraps an io.Reader and feeds every byte read into one or more hashes.
type HashingReader struct {
	r  io.Reader
	hs []hash.Hash
}

// NewHashingReader creates a reader that computes hashes while reading.
func NewHashingReader(r io.Reader, hs ...hash.Hash) *HashingReader {
	return &HashingReader{r: r, hs: hs}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		for _, h := range hr.hs {
			_, _ = h.Write(p[:n]) //nolint:errcheck // hash writes never fail
		}
	}
	return n, err
}
