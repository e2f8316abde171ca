package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/opencontainers/go-digest"
)

// encMode uses Core Deterministic Encoding so identical records produce
// identical info files.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
}

// infoRecord is the content of an __info file.
type infoRecord struct {
	Hash digest.Digest `cbor:"1,keyasint"`
	CRC  uint32        `cbor:"2,keyasint"`
	Size int64         `cbor:"3,keyasint"`
}

// footprintRecord is the content of the footprint marker.
type footprintRecord struct {
	App       string `cbor:"1,keyasint"`
	InstallID string `cbor:"2,keyasint"`
}

func readCBOR(path string, v any) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the cache layout
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeCBOR writes v to path through a temporary file and rename.
func writeCBOR(path string, v any, perm os.FileMode) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, perm)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
