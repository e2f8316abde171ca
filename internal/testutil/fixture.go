// Package testutil builds bundle archives, manifests and fault-injecting
// servers for tests.
package testutil

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"filippo.io/age"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/bundle/internal/verify"
	"github.com/meigma/bundle/manifest"
)

// Zip builds a zip archive containing files. Entries are compressed with
// zstd when compress is true and stored otherwise.
func Zip(tb testing.TB, files map[string][]byte, compress bool) []byte {
	tb.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	w.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())
	method := zip.Store
	if compress {
		method = zstd.ZipMethodWinZip
	}
	for _, name := range names {
		fw, err := w.CreateHeader(&zip.FileHeader{Name: name, Method: method})
		if err != nil {
			tb.Fatalf("create zip entry %s: %v", name, err)
		}
		if _, err := fw.Write(files[name]); err != nil {
			tb.Fatalf("write zip entry %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		tb.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// Encrypt encrypts data to recipient with age.
func Encrypt(tb testing.TB, data []byte, recipient age.Recipient) []byte {
	tb.Helper()

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		tb.Fatalf("age encrypt: %v", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		tb.Fatalf("age encrypt: %v", err)
	}
	if err := w.Close(); err != nil {
		tb.Fatalf("age encrypt: %v", err)
	}
	return buf.Bytes()
}

// Bundle describes a bundle file for Manifest.
type Bundle struct {
	Name      string
	Data      []byte
	Encrypted bool
	RawFile   bool
	Tags      []string

	// Algorithm selects the content hash. Defaults to sha256.
	Algorithm digest.Algorithm
}

// Asset describes an object for Manifest. Bundle and Deps refer to bundles
// by name.
type Asset struct {
	Path    string
	Address string
	Bundle  string
	Deps    []string
	Tags    []string
}

// Package is a manifest together with the bytes of its bundle files.
type Package struct {
	Manifest *manifest.Manifest
	Bytes    []byte
	Files    map[string][]byte // keyed by file name
}

// File returns the content of the named bundle.
func (p *Package) File(tb testing.TB, bundleName string) []byte {
	tb.Helper()
	rec, err := p.Manifest.Bundle(bundleName)
	if err != nil {
		tb.Fatalf("bundle %s: %v", bundleName, err)
	}
	return p.Files[rec.FileName()]
}

// Record returns the named bundle record.
func (p *Package) Record(tb testing.TB, bundleName string) *manifest.BundleRecord {
	tb.Helper()
	rec, err := p.Manifest.Bundle(bundleName)
	if err != nil {
		tb.Fatalf("bundle %s: %v", bundleName, err)
	}
	return rec
}

// WriteDir writes every bundle file into dir under its file name.
func (p *Package) WriteDir(tb testing.TB, dir string) {
	tb.Helper()
	for name, data := range p.Files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			tb.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			tb.Fatalf("write %s: %v", name, err)
		}
	}
}

// NewPackage builds an addressable manifest named pkg at version from
// bundles and assets and returns it with its serialized form.
func NewPackage(tb testing.TB, pkg, version string, bundles []Bundle, assets []Asset) *Package {
	tb.Helper()

	ids := make(map[string]int32, len(bundles))
	records := make([]manifest.BundleRecord, 0, len(bundles))
	for i, b := range bundles {
		alg := b.Algorithm
		if alg == "" {
			alg = digest.SHA256
		}
		d, err := verify.FromBytes(alg, b.Data)
		if err != nil {
			tb.Fatalf("hash %s: %v", b.Name, err)
		}
		ids[b.Name] = int32(i) //nolint:gosec // test fixtures are small
		records = append(records, manifest.BundleRecord{
			Name:      b.Name,
			Hash:      d,
			CRC:       verify.CRC(b.Data),
			Size:      int64(len(b.Data)),
			Encrypted: b.Encrypted,
			RawFile:   b.RawFile,
			Tags:      b.Tags,
		})
	}

	lookup := func(name string) int32 {
		id, ok := ids[name]
		if !ok {
			tb.Fatalf("unknown bundle %q", name)
		}
		return id
	}
	assetRecords := make([]manifest.AssetRecord, 0, len(assets))
	for _, a := range assets {
		deps := make([]int32, 0, len(a.Deps))
		for _, dep := range a.Deps {
			deps = append(deps, lookup(dep))
		}
		assetRecords = append(assetRecords, manifest.AssetRecord{
			Path:      a.Path,
			Address:   a.Address,
			Tags:      a.Tags,
			BundleID:  lookup(a.Bundle),
			DependIDs: deps,
		})
	}

	m, err := manifest.New(manifest.Header{
		Addressable:    true,
		NameStyle:      manifest.NameStyleBundleHash,
		PackageName:    pkg,
		PackageVersion: version,
	}, assetRecords, records)
	if err != nil {
		tb.Fatalf("build manifest: %v", err)
	}
	data, err := manifest.Marshal(m)
	if err != nil {
		tb.Fatalf("marshal manifest: %v", err)
	}

	files := make(map[string][]byte, len(bundles))
	for i, b := range bundles {
		files[m.Bundles()[i].FileName()] = b.Data
	}
	return &Package{Manifest: m, Bytes: data, Files: files}
}
