package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

// SaveManifest persists manifest bytes for version together with their
// digest and marks version as the active one.
func (s *Store) SaveManifest(version string, data []byte) error {
	if err := validVersion(version); err != nil {
		return err
	}
	d := digest.FromBytes(data)
	if err := writeFileAtomic(s.manifestPath(version, ".bytes"), data, defaultFilePerm); err != nil {
		return err
	}
	if err := writeFileAtomic(s.manifestPath(version, ".hash"), []byte(d.String()), defaultFilePerm); err != nil {
		return err
	}
	return writeFileAtomic(s.versionPath(), []byte(version), defaultFilePerm)
}

// LoadManifest returns the persisted manifest bytes for version. Bytes that
// do not match their recorded digest are deleted.
func (s *Store) LoadManifest(version string) ([]byte, error) {
	if err := validVersion(version); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.manifestPath(version, ".bytes"))
	if err != nil {
		return nil, err
	}
	rawHash, err := os.ReadFile(s.manifestPath(version, ".hash"))
	if err != nil {
		return nil, err
	}
	want, err := digest.Parse(strings.TrimSpace(string(rawHash)))
	if err != nil || want != digest.FromBytes(data) {
		_ = os.Remove(s.manifestPath(version, ".bytes"))
		_ = os.Remove(s.manifestPath(version, ".hash"))
		return nil, fmt.Errorf("%w: manifest %s", ErrVerificationFailed, version)
	}
	return data, nil
}

// ActiveVersion returns the version recorded by the last SaveManifest.
func (s *Store) ActiveVersion() (string, error) {
	data, err := os.ReadFile(s.versionPath())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *Store) manifestPath(version, ext string) string {
	return filepath.Join(s.root, manifestsDir, s.packageName+"_"+version+ext)
}

func (s *Store) versionPath() string {
	return filepath.Join(s.root, manifestsDir, s.packageName+".version")
}

func validVersion(version string) error {
	if version == "" || version != filepath.Base(version) || strings.ContainsAny(version, `/\`) {
		return fmt.Errorf("cache: invalid manifest version %q", version)
	}
	return nil
}
