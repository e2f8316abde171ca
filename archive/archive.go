// Package archive opens bundle files and reads the objects stored in them.
//
// Bundles are zip archives whose entries are named by object path. Entries
// may be stored, deflated or zstd-compressed. Sub-objects of an object are
// stored as separate entries named "<path>#<sub>".
package archive

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrObjectNotFound is returned when an archive has no entry for a name.
	ErrObjectNotFound = errors.New("archive: object not found")

	// ErrDecryptionFailed is returned when an encrypted bundle cannot be
	// decrypted. It is a configuration error and is never retried.
	ErrDecryptionFailed = errors.New("archive: decryption failed")
)

// SubSeparator separates an object path from a sub-object name.
const SubSeparator = "#"

// Archive is an opened bundle.
//
// ReadObject may be called from several goroutines at once; Close must not
// race with any other call.
type Archive interface {
	// Names returns every entry name in sorted order.
	Names() []string

	// Has reports whether the archive contains name.
	Has(name string) bool

	// ReadObject returns the content of the named entry.
	ReadObject(name string) ([]byte, error)

	Close() error
}

// Opener opens plain bundle files.
type Opener interface {
	Open(path string) (Archive, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(path string) (Archive, error)

// Open implements Opener.
func (f OpenerFunc) Open(path string) (Archive, error) { return f(path) }

// ZipOpener opens bundles as zip files.
type ZipOpener struct{}

// Open implements Opener.
func (ZipOpener) Open(path string) (Archive, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	return newZipArchive(&rc.Reader, rc), nil
}

// NewReader opens a zip bundle held by r.
func NewReader(r io.ReaderAt, size int64) (Archive, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("archive: read zip: %w", err)
	}
	return newZipArchive(zr, nil), nil
}

type zipArchive struct {
	reader *zip.Reader
	closer io.Closer
	files  map[string]*zip.File
	names  []string
}

func newZipArchive(zr *zip.Reader, closer io.Closer) *zipArchive {
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	zr.RegisterDecompressor(zstd.ZipMethodPKWare, zstd.ZipDecompressor())
	a := &zipArchive{
		reader: zr,
		closer: closer,
		files:  make(map[string]*zip.File, len(zr.File)),
		names:  make([]string, 0, len(zr.File)),
	}
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		a.files[f.Name] = f
		a.names = append(a.names, f.Name)
	}
	sort.Strings(a.names)
	return a
}

func (a *zipArchive) Names() []string {
	return append([]string(nil), a.names...)
}

func (a *zipArchive) Has(name string) bool {
	_, ok := a.files[name]
	return ok
}

func (a *zipArchive) ReadObject(name string) ([]byte, error) {
	f, ok := a.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", name, err)
	}
	return data, nil
}

func (a *zipArchive) Close() error {
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

// SubObjects reads every sub-object of the object at path, keyed by
// sub-object name. An object with no sub-objects is ErrObjectNotFound.
func SubObjects(a Archive, path string) (map[string][]byte, error) {
	prefix := path + SubSeparator
	out := make(map[string][]byte)
	for _, name := range a.Names() {
		sub, ok := strings.CutPrefix(name, prefix)
		if !ok || sub == "" {
			continue
		}
		data, err := a.ReadObject(name)
		if err != nil {
			return nil, err
		}
		out[sub] = data
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no sub-objects under %s", ErrObjectNotFound, path)
	}
	return out, nil
}

// All reads every object of the archive, keyed by entry name.
func All(a Archive) (map[string][]byte, error) {
	names := a.Names()
	out := make(map[string][]byte, len(names))
	for _, name := range names {
		data, err := a.ReadObject(name)
		if err != nil {
			return nil, err
		}
		out[name] = data
	}
	return out, nil
}
