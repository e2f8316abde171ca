package manifest

import (
	"encoding/binary"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManifest(t *testing.T) *Manifest {
	t.Helper()
	m, err := New(Header{
		Addressable:    true,
		NameStyle:      NameStyleBundleHash,
		PackageName:    "DefaultPackage",
		PackageVersion: "2026-10-19",
	}, []AssetRecord{
		{Path: "assets/hero.prefab", Address: "hero", BundleID: 0, DependIDs: []int32{1, 2}},
		{Path: "assets/shared.mat", BundleID: 1, Tags: []string{"shared"}},
		{Path: "assets/tex.png", Address: "tex", BundleID: 2, DependIDs: []int32{2, 1, 1}},
		{Path: "raw/config.json", BundleID: 3},
	}, []BundleRecord{
		{Name: "hero.bundle", Hash: digest.FromString("hero"), CRC: 1, Size: 100, Tags: []string{"base"}},
		{Name: "shared.bundle", Hash: digest.FromString("shared"), CRC: 2, Size: 200, Tags: []string{"base", "shared"}},
		{Name: "tex.bundle", Hash: digest.FromString("tex"), CRC: 3, Size: 300, Encrypted: true},
		{Name: "config.json", Hash: digest.FromString("config"), CRC: 4, Size: 4, RawFile: true, Tags: []string{"dlc"}},
	})
	require.NoError(t, err)
	return m
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	m := testManifest(t)
	data, err := Marshal(m)
	require.NoError(t, err)

	got, err := Load(data)
	require.NoError(t, err)

	assert.Equal(t, m.PackageName(), got.PackageName())
	assert.Equal(t, m.PackageVersion(), got.PackageVersion())
	assert.Equal(t, m.NameStyle(), got.NameStyle())
	assert.True(t, got.Addressable())
	assert.Equal(t, m.Digest(), got.Digest())
	require.Len(t, got.Assets(), len(m.Assets()))
	require.Len(t, got.Bundles(), len(m.Bundles()))
	for i, a := range m.Assets() {
		assert.Equal(t, *a, *got.Assets()[i])
	}
	for i, b := range m.Bundles() {
		assert.Equal(t, *b, *got.Bundles()[i])
	}
}

func TestParserIncremental(t *testing.T) {
	t.Parallel()

	data, err := Marshal(testManifest(t))
	require.NoError(t, err)

	p := NewParser(data)
	steps := 0
	for {
		done, err := p.Step(1)
		require.NoError(t, err)
		steps++
		if done {
			break
		}
		assert.Nil(t, p.Manifest())
		assert.Less(t, p.Progress(), 1.0)
	}
	// header, 4 assets, 4 bundles and finalize are all separate slices of work.
	assert.GreaterOrEqual(t, steps, 8)
	assert.Equal(t, 1.0, p.Progress())
	require.NotNil(t, p.Manifest())
	assert.Len(t, p.Manifest().Bundles(), 4)
}

func TestParserCancel(t *testing.T) {
	t.Parallel()

	data, err := Marshal(testManifest(t))
	require.NoError(t, err)

	p := NewParser(data)
	_, err = p.Step(1)
	require.NoError(t, err)
	p.Cancel()
	_, err = p.Step(0)
	require.ErrorIs(t, err, ErrParseCanceled)
	assert.Nil(t, p.Manifest())
}

func TestLoadRejectsCorruptInput(t *testing.T) {
	t.Parallel()

	good, err := Marshal(testManifest(t))
	require.NoError(t, err)

	badMagic := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badMagic, 0xdeadbeef)

	badVersion := append([]byte(nil), good...)
	// version string follows the magic: u16 length then bytes.
	badVersion[6] = '9'

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "bad magic", data: badMagic},
		{name: "bad version", data: badVersion},
		{name: "truncated", data: good[:len(good)-3]},
		{name: "trailing bytes", data: append(append([]byte(nil), good...), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(tt.data)
			require.ErrorIs(t, err, ErrCorruptManifest)
		})
	}
}

func TestNewRejectsInvariantViolations(t *testing.T) {
	t.Parallel()

	h := Header{NameStyle: NameStyleHash, PackageName: "pkg", Addressable: true}
	b := BundleRecord{Name: "a.bundle", Hash: digest.FromString("a"), Size: 1}

	tests := []struct {
		name    string
		assets  []AssetRecord
		bundles []BundleRecord
	}{
		{
			name:    "bundle index out of range",
			assets:  []AssetRecord{{Path: "x", BundleID: 1}},
			bundles: []BundleRecord{b},
		},
		{
			name:    "dependency index out of range",
			assets:  []AssetRecord{{Path: "x", BundleID: 0, DependIDs: []int32{-1}}},
			bundles: []BundleRecord{b},
		},
		{
			name:    "duplicate asset path",
			assets:  []AssetRecord{{Path: "x"}, {Path: "x"}},
			bundles: []BundleRecord{b},
		},
		{
			name:    "duplicate bundle name",
			bundles: []BundleRecord{b, b},
		},
		{
			name:    "duplicate address",
			assets:  []AssetRecord{{Path: "x", Address: "a"}, {Path: "y", Address: "a"}},
			bundles: []BundleRecord{b},
		},
		{
			name:    "invalid hash",
			bundles: []BundleRecord{{Name: "bad", Hash: "sha256:nothex"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(h, tt.assets, tt.bundles)
			require.ErrorIs(t, err, ErrCorruptManifest)
		})
	}
}

func TestLookups(t *testing.T) {
	t.Parallel()

	m := testManifest(t)

	main, err := m.MainBundle("assets/hero.prefab")
	require.NoError(t, err)
	assert.Equal(t, "hero.bundle", main.Name)

	deps, err := m.Dependencies("assets/hero.prefab")
	require.NoError(t, err)
	require.Len(t, deps, 2)
	assert.Equal(t, "shared.bundle", deps[0].Name)
	assert.Equal(t, "tex.bundle", deps[1].Name)

	deps, err = m.Dependencies("assets/tex.png")
	require.NoError(t, err)
	require.Len(t, deps, 1, "self and duplicate dependencies are dropped")
	assert.Equal(t, "shared.bundle", deps[0].Name)

	_, err = m.MainBundle("missing")
	require.ErrorIs(t, err, ErrAssetNotFound)
	_, err = m.Bundle("missing")
	require.ErrorIs(t, err, ErrBundleNotFound)

	p, err := m.MapAlias("hero")
	require.NoError(t, err)
	assert.Equal(t, "assets/hero.prefab", p)
	_, err = m.MapAlias("villain")
	require.ErrorIs(t, err, ErrAliasNotFound)

	assert.Len(t, m.BundlesByTags(), 4)
	assert.Len(t, m.BundlesByTags("base"), 2)
	assert.Len(t, m.BundlesByTags("shared", "dlc"), 2)
	assert.Empty(t, m.BundlesByTags("nope"))
}

func TestFileNames(t *testing.T) {
	t.Parallel()

	h := digest.FromString("content")
	tests := []struct {
		style NameStyle
		want  string
	}{
		{NameStyleHash, h.Encoded() + ".bundle"},
		{NameStyleBundle, "ui/main.bundle"},
		{NameStyleBundleHash, "ui/main_" + h.Encoded() + ".bundle"},
	}
	for _, tt := range tests {
		t.Run(tt.style.String(), func(t *testing.T) {
			t.Parallel()
			m, err := New(Header{NameStyle: tt.style, PackageName: "pkg"}, nil,
				[]BundleRecord{{Name: "ui/main.bundle", Hash: h, Size: 7}})
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Bundles()[0].FileName())
			assert.Equal(t, h.Encoded(), m.Bundles()[0].CacheID())
		})
	}
}
