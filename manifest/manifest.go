// Package manifest describes the contents of a package version: the bundle
// files that make it up, the objects inside them, and the dependency graph
// between the bundles that own those objects.
//
// A Manifest is immutable once loaded. Lookup maps are built by the parser's
// final step and never modified afterwards, so a Manifest can be shared
// between goroutines without locking.
package manifest

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Sentinel errors.
var (
	// ErrCorruptManifest is returned when manifest bytes are malformed or
	// violate a structural invariant. It is fatal for initialization.
	ErrCorruptManifest = errors.New("manifest: corrupt manifest")

	// ErrAssetNotFound is returned when no asset has the requested path.
	ErrAssetNotFound = errors.New("manifest: asset not found")

	// ErrBundleNotFound is returned when no bundle has the requested name.
	ErrBundleNotFound = errors.New("manifest: bundle not found")

	// ErrAliasNotFound is returned when an address is not mapped to any asset.
	// Callers decide whether to fall back to treating it as a path.
	ErrAliasNotFound = errors.New("manifest: alias not found")
)

// Wire constants.
const (
	// Magic is the leading signature of every manifest file ("BNDL").
	Magic uint32 = 0x4C444E42

	// FormatVersion is the only format version this package reads and writes.
	FormatVersion = "1.0.0"
)

// NameStyle controls how a bundle's file name is derived.
type NameStyle int32

const (
	// NameStyleHash names files by content hash plus the bundle name's extension.
	NameStyleHash NameStyle = 1
	// NameStyleBundle names files by bundle name.
	NameStyleBundle NameStyle = 2
	// NameStyleBundleHash combines the bundle name and content hash.
	NameStyleBundleHash NameStyle = 3
)

func (s NameStyle) String() string {
	switch s {
	case NameStyleHash:
		return "hash"
	case NameStyleBundle:
		return "bundle"
	case NameStyleBundleHash:
		return "bundle_hash"
	default:
		return "unknown"
	}
}

func (s NameStyle) valid() bool {
	return s >= NameStyleHash && s <= NameStyleBundleHash
}

// BundleRecord describes one archive file.
type BundleRecord struct {
	// ID is the bundle's index in the manifest.
	ID int

	// Name is the logical bundle name, unique in the manifest.
	Name string

	// Hash is the digest of the file content.
	Hash digest.Digest

	// CRC is the CRC-32 (IEEE) of the file content.
	CRC uint32

	// Size is the file length in bytes.
	Size int64

	// Encrypted marks files that must go through the decryption collaborator.
	Encrypted bool

	// RawFile marks files that are not archives and are surfaced by path.
	RawFile bool

	// Tags group bundles for batch downloads.
	Tags []string

	fileName string
}

// FileName returns the remote and builtin file name for the bundle.
func (b *BundleRecord) FileName() string {
	return b.fileName
}

// CacheID returns the stable identifier the cache stores this bundle under.
// Identical content shares an identifier across manifest versions.
func (b *BundleRecord) CacheID() string {
	return b.Hash.Encoded()
}

// HasTag reports whether the bundle carries any of tags.
func (b *BundleRecord) HasTag(tags ...string) bool {
	for _, want := range tags {
		for _, have := range b.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

func fileNameFor(style NameStyle, name string, hash digest.Digest) string {
	ext := path.Ext(name)
	switch style {
	case NameStyleBundle:
		return name
	case NameStyleBundleHash:
		return strings.TrimSuffix(name, ext) + "_" + hash.Encoded() + ext
	default:
		return hash.Encoded() + ext
	}
}

// AssetRecord describes one loadable object.
type AssetRecord struct {
	// Path is the object's logical path, unique in the manifest.
	Path string

	// Address is an optional alias for Path.
	Address string

	// Tags are informational labels.
	Tags []string

	// BundleID is the index of the owning bundle.
	BundleID int32

	// DependIDs are the indices of bundles the owning bundle depends on.
	DependIDs []int32
}

// Manifest is the immutable description of one package version.
type Manifest struct {
	formatVersion  string
	addressable    bool
	nameStyle      NameStyle
	packageName    string
	packageVersion string
	digest         digest.Digest

	assets  []*AssetRecord
	bundles []*BundleRecord

	assetsByPath  map[string]*AssetRecord
	bundlesByName map[string]*BundleRecord
	aliases       map[string]string
}

// FormatVersion returns the manifest format version.
func (m *Manifest) FormatVersion() string { return m.formatVersion }

// Addressable reports whether asset addresses are enabled.
func (m *Manifest) Addressable() bool { return m.addressable }

// NameStyle returns the file naming style.
func (m *Manifest) NameStyle() NameStyle { return m.nameStyle }

// PackageName returns the package name.
func (m *Manifest) PackageName() string { return m.packageName }

// PackageVersion returns the package version.
func (m *Manifest) PackageVersion() string { return m.packageVersion }

// Digest returns the sha256 digest of the bytes the manifest was loaded from.
func (m *Manifest) Digest() digest.Digest { return m.digest }

// Assets returns all asset records in manifest order.
// The returned slice must not be modified.
func (m *Manifest) Assets() []*AssetRecord { return m.assets }

// Bundles returns all bundle records in manifest order.
// The returned slice must not be modified.
func (m *Manifest) Bundles() []*BundleRecord { return m.bundles }

// Asset returns the asset with the given path.
func (m *Manifest) Asset(assetPath string) (*AssetRecord, error) {
	a, ok := m.assetsByPath[assetPath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, assetPath)
	}
	return a, nil
}

// Bundle returns the bundle with the given name.
func (m *Manifest) Bundle(name string) (*BundleRecord, error) {
	b, ok := m.bundlesByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, name)
	}
	return b, nil
}

// MainBundle returns the bundle that owns the asset at assetPath.
func (m *Manifest) MainBundle(assetPath string) (*BundleRecord, error) {
	a, err := m.Asset(assetPath)
	if err != nil {
		return nil, err
	}
	return m.bundleAt(a.BundleID)
}

// Dependencies returns the bundles the asset's owning bundle depends on,
// in manifest order, without duplicates and without the owning bundle.
func (m *Manifest) Dependencies(assetPath string) ([]*BundleRecord, error) {
	a, err := m.Asset(assetPath)
	if err != nil {
		return nil, err
	}
	deps := make([]*BundleRecord, 0, len(a.DependIDs))
	seen := make(map[int32]struct{}, len(a.DependIDs))
	for _, id := range a.DependIDs {
		if id == a.BundleID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		b, err := m.bundleAt(id)
		if err != nil {
			return nil, err
		}
		deps = append(deps, b)
	}
	return deps, nil
}

// MapAlias returns the asset path registered for alias.
func (m *Manifest) MapAlias(alias string) (string, error) {
	p, ok := m.aliases[alias]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAliasNotFound, alias)
	}
	return p, nil
}

// BundlesByTags returns every bundle carrying at least one of tags.
// With no tags it returns all bundles.
func (m *Manifest) BundlesByTags(tags ...string) []*BundleRecord {
	if len(tags) == 0 {
		out := make([]*BundleRecord, len(m.bundles))
		copy(out, m.bundles)
		return out
	}
	var out []*BundleRecord
	for _, b := range m.bundles {
		if b.HasTag(tags...) {
			out = append(out, b)
		}
	}
	return out
}

// bundleAt resolves an index. Indices are validated at load time, so a miss
// here means the manifest was constructed by hand incorrectly.
func (m *Manifest) bundleAt(id int32) (*BundleRecord, error) {
	if id < 0 || int(id) >= len(m.bundles) {
		return nil, fmt.Errorf("%w: bundle index %d out of range", ErrCorruptManifest, id)
	}
	return m.bundles[id], nil
}
