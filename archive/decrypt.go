package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"github.com/opencontainers/go-digest"
)

// DecryptRequest identifies an encrypted bundle file.
type DecryptRequest struct {
	// Path is the local file to decrypt.
	Path string

	// Hash and CRC are the checksums of the encrypted file as recorded in
	// the manifest.
	Hash digest.Digest
	CRC  uint32
	Size int64
}

// Decryptor opens encrypted bundles. It returns the opened archive and the
// stream backing it; the caller closes both.
type Decryptor interface {
	Decrypt(req DecryptRequest) (Archive, io.Closer, error)
}

// AgeDecryptor decrypts bundles encrypted with age to one of its identities.
// The plaintext is held in memory for the lifetime of the archive.
type AgeDecryptor struct {
	identities []age.Identity
}

// NewAgeDecryptor creates a decryptor for identities.
func NewAgeDecryptor(identities ...age.Identity) *AgeDecryptor {
	return &AgeDecryptor{identities: identities}
}

// LoadAgeIdentities reads an age identity file, as written by age-keygen.
func LoadAgeIdentities(path string) ([]age.Identity, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied key path
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("archive: parse identities %s: %w", path, err)
	}
	return ids, nil
}

// Decrypt implements Decryptor.
func (d *AgeDecryptor) Decrypt(req DecryptRequest) (Archive, io.Closer, error) {
	if len(d.identities) == 0 {
		return nil, nil, fmt.Errorf("%w: no identities configured", ErrDecryptionFailed)
	}
	f, err := os.Open(req.Path)
	if err != nil {
		return nil, nil, err
	}
	r, err := age.Decrypt(f, d.identities...)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrDecryptionFailed, req.Path, err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrDecryptionFailed, req.Path, err)
	}
	a, err := NewReader(bytes.NewReader(plain), int64(len(plain)))
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrDecryptionFailed, req.Path, err)
	}
	return a, f, nil
}
