// Package verify checks downloaded and cached bundle files against the
// size, content digest and CRC recorded in a manifest.
package verify

import (
	"bytes"
	_ "crypto/sha256" // register sha256 for go-digest
	_ "crypto/sha512" // register sha384/sha512 for go-digest
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"
)

// BLAKE3 is the digest algorithm name used for blake3-256 content hashes.
const BLAKE3 digest.Algorithm = "blake3"

var (
	// ErrSizeMismatch is returned when a file's length differs from the expected size.
	ErrSizeMismatch = errors.New("verify: size mismatch")

	// ErrHashMismatch is returned when a file's content digest differs from the expected digest.
	ErrHashMismatch = errors.New("verify: hash mismatch")

	// ErrCRCMismatch is returned when a file's CRC-32 differs from the expected value.
	ErrCRCMismatch = errors.New("verify: crc mismatch")

	// ErrUnsupportedDigest is returned for digests whose algorithm cannot be computed.
	ErrUnsupportedDigest = errors.New("verify: unsupported digest algorithm")
)

// Expect describes what a file must look like.
type Expect struct {
	Size   int64
	Digest digest.Digest
	CRC    uint32

	// CheckCRC enables the CRC comparison. The digest is always checked.
	CheckCRC bool
}

// ValidateDigest reports whether d is well formed for a supported algorithm.
func ValidateDigest(d digest.Digest) error {
	if d.Algorithm() == BLAKE3 {
		encoded := d.Encoded()
		if len(encoded) != 2*blake3Size {
			return fmt.Errorf("%w: blake3 digest must be %d hex characters", digest.ErrDigestInvalidLength, 2*blake3Size)
		}
		if _, err := hex.DecodeString(encoded); err != nil {
			return fmt.Errorf("%w: %v", digest.ErrDigestInvalidFormat, err)
		}
		return nil
	}
	return d.Validate()
}

const blake3Size = 32

// NewHash returns a hash for d's algorithm.
func NewHash(d digest.Digest) (hash.Hash, error) {
	alg := d.Algorithm()
	if alg == BLAKE3 {
		return blake3.New(), nil
	}
	if !alg.Available() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDigest, alg)
	}
	return alg.Hash(), nil
}

// FromBytes computes a digest of data using alg.
func FromBytes(alg digest.Algorithm, data []byte) (digest.Digest, error) {
	if alg == BLAKE3 {
		sum := blake3.Sum256(data)
		return digest.NewDigestFromEncoded(BLAKE3, hex.EncodeToString(sum[:])), nil
	}
	if !alg.Available() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDigest, alg)
	}
	return alg.FromBytes(data), nil
}

// Size checks only the length of the file at path.
func Size(path string, want int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() != want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, info.Size(), want)
	}
	return nil
}

// File checks size, digest and (optionally) CRC of the file at path in a
// single pass over its content.
func File(path string, want Expect) error {
	if err := Size(path, want.Size); err != nil {
		return err
	}
	f, err := os.Open(path) //nolint:gosec // path comes from the cache layout
	if err != nil {
		return err
	}
	defer f.Close()
	return Reader(f, want)
}

// Reader checks the stream r against want, including its length.
func Reader(r io.Reader, want Expect) error {
	h, err := NewHash(want.Digest)
	if err != nil {
		return err
	}
	crc := crc32.NewIEEE()
	hr := NewHashingReader(r, h, crc)
	n, err := io.Copy(io.Discard, hr)
	if err != nil {
		return err
	}
	if n != want.Size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, n, want.Size)
	}
	expected, err := hex.DecodeString(want.Digest.Encoded())
	if err != nil {
		return fmt.Errorf("%w: %v", digest.ErrDigestInvalidFormat, err)
	}
	if !bytes.Equal(h.Sum(nil), expected) {
		return fmt.Errorf("%w: want %s", ErrHashMismatch, want.Digest)
	}
	if want.CheckCRC && crc.Sum32() != want.CRC {
		return fmt.Errorf("%w: got %08x, want %08x", ErrCRCMismatch, crc.Sum32(), want.CRC)
	}
	return nil
}

// CRC computes the CRC-32 (IEEE) of data.
func CRC(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
