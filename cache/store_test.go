package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/bundle/internal/task"
	"github.com/meigma/bundle/internal/verify"
	"github.com/meigma/bundle/manifest"
)

type fixture struct {
	m     *manifest.Manifest
	files map[string][]byte
}

// newFixture builds a manifest with one bundle per content string.
func newFixture(t *testing.T, contents ...string) *fixture {
	t.Helper()
	f := &fixture{files: make(map[string][]byte)}
	bundles := make([]manifest.BundleRecord, 0, len(contents))
	for i, c := range contents {
		data := []byte(c)
		name := "b" + string(rune('a'+i)) + ".bundle"
		f.files[name] = data
		bundles = append(bundles, manifest.BundleRecord{
			Name: name,
			Hash: digest.FromBytes(data),
			CRC:  verify.CRC(data),
			Size: int64(len(data)),
		})
	}
	m, err := manifest.New(manifest.Header{NameStyle: manifest.NameStyleBundle, PackageName: "pkg"}, nil, bundles)
	require.NoError(t, err)
	f.m = m
	return f
}

func (f *fixture) source(t *testing.T, rec *manifest.BundleRecord) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), rec.Name)
	require.NoError(t, os.WriteFile(path, f.files[rec.Name], 0o600))
	return path
}

func newStore(t *testing.T, root string, opts ...Option) *Store {
	t.Helper()
	s, err := New(root, "pkg", opts...)
	require.NoError(t, err)
	return s
}

func TestWriteThenVerify(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "the quick brown fox")
	rec := f.m.Bundles()[0]
	s := newStore(t, t.TempDir(), WithCRCCheck(true))

	assert.False(t, s.Exists(rec))
	assert.True(t, s.NeedsDownload(rec))
	require.NoError(t, s.Write(rec, f.source(t, rec)))
	assert.True(t, s.Exists(rec))
	assert.False(t, s.NeedsDownload(rec))
	require.NoError(t, s.VerifyFile(rec, VerifyHigh))
	_, err := os.Stat(s.TempPath(rec))
	assert.True(t, os.IsNotExist(err), "staging file must be consumed")

	// Flip one byte in place: only a full recompute notices.
	data, err := os.ReadFile(s.DataPath(rec))
	require.NoError(t, err)
	data[0] ^= 0xff
	require.NoError(t, os.WriteFile(s.DataPath(rec), data, 0o600))

	require.ErrorIs(t, s.VerifyFile(rec, VerifyHigh), ErrVerificationFailed)
	assert.NoError(t, s.VerifyFile(rec, VerifyMiddle))
	assert.NoError(t, s.VerifyFile(rec, VerifyLow))
}

func TestWriteRejectsMismatchedContent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "expected content")
	rec := f.m.Bundles()[0]
	s := newStore(t, t.TempDir())

	src := filepath.Join(t.TempDir(), "wrong")
	require.NoError(t, os.WriteFile(src, []byte("unexpected content"), 0o600))

	err := s.Write(rec, src)
	require.ErrorIs(t, err, ErrVerificationFailed)
	assert.False(t, s.Exists(rec))
	_, statErr := os.Stat(s.DataPath(rec))
	assert.True(t, os.IsNotExist(statErr), "unverified data must never be published")
	_, statErr = os.Stat(s.TempPath(rec))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteVerifiedChecksSizeOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "abcdef")
	rec := f.m.Bundles()[0]
	s := newStore(t, t.TempDir())

	require.NoError(t, os.MkdirAll(filepath.Dir(s.TempPath(rec)), 0o700))
	require.NoError(t, os.WriteFile(s.TempPath(rec), []byte("abcdef"), 0o600))
	require.NoError(t, s.Write(rec, s.TempPath(rec), Verified()))
	assert.True(t, s.Exists(rec))

	require.NoError(t, os.WriteFile(s.TempPath(rec), []byte("short"), 0o600))
	require.ErrorIs(t, s.Write(rec, s.TempPath(rec), Verified()), ErrVerificationFailed)
}

func TestSweepRebuildsIndex(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "first bundle", "second bundle", "third bundle")
	root := t.TempDir()
	first := newStore(t, root)
	for _, rec := range f.m.Bundles()[:2] {
		require.NoError(t, first.Write(rec, f.source(t, rec)))
	}
	good, bad, partial := f.m.Bundles()[0], f.m.Bundles()[1], f.m.Bundles()[2]

	// Truncate one data file and leave an interrupted download for another.
	require.NoError(t, os.WriteFile(first.DataPath(bad), []byte("x"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Dir(first.TempPath(partial)), 0o700))
	require.NoError(t, os.WriteFile(first.TempPath(partial), []byte("thi"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", bundlesDir, "stray.txt"), []byte("?"), 0o600))

	pool := task.NewPool(2)
	t.Cleanup(pool.Close)

	second := newStore(t, root, WithVerifyLevel(VerifyMiddle))
	assert.False(t, second.Exists(good))
	sw := second.StartSweep(pool)
	sw.Wait()

	assert.True(t, sw.Done())
	assert.Equal(t, 1.0, sw.Progress())
	assert.Equal(t, 1, sw.Verified())
	assert.Equal(t, 1, sw.Removed())
	assert.True(t, second.Exists(good))
	assert.False(t, second.Exists(bad))
	_, err := os.Stat(filepath.Dir(second.DataPath(bad)))
	assert.True(t, os.IsNotExist(err), "failed entry is deleted")
	_, err = os.Stat(second.TempPath(partial))
	assert.NoError(t, err, "interrupted download is kept for resume")
}

func TestSweepSynchronous(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "only")
	root := t.TempDir()
	rec := f.m.Bundles()[0]
	require.NoError(t, newStore(t, root).Write(rec, f.source(t, rec)))

	s := newStore(t, root, WithVerifyLevel(VerifyHigh))
	sw := s.StartSweep(nil)
	assert.True(t, sw.Done())
	assert.True(t, s.Exists(rec))
}

func TestPruneUnused(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "keep me", "drop me")
	s := newStore(t, t.TempDir())
	for _, rec := range f.m.Bundles() {
		require.NoError(t, s.Write(rec, f.source(t, rec)))
	}

	next, err := manifest.New(manifest.Header{NameStyle: manifest.NameStyleBundle, PackageName: "pkg"}, nil,
		[]manifest.BundleRecord{*f.m.Bundles()[0]})
	require.NoError(t, err)

	removed, err := s.PruneUnused(next)
	require.NoError(t, err)
	assert.Equal(t, []string{f.m.Bundles()[1].CacheID()}, removed)
	assert.True(t, s.Exists(f.m.Bundles()[0]))
	assert.False(t, s.Exists(f.m.Bundles()[1]))
	assert.Equal(t, 1, s.Len())
}

func TestPruneToSize(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "aaaaaaaaaa", "bbbbbbbbbb", "cccccccccc")
	s := newStore(t, t.TempDir())
	for _, rec := range f.m.Bundles() {
		require.NoError(t, s.Write(rec, f.source(t, rec)))
	}
	before, err := s.SizeBytes()
	require.NoError(t, err)

	keep := f.m.Bundles()[0].CacheID()
	freed, err := s.PruneToSize(0, func(id string) bool { return id == keep })
	require.NoError(t, err)
	after, err := s.SizeBytes()
	require.NoError(t, err)

	assert.Equal(t, before-after, freed)
	assert.True(t, s.Exists(f.m.Bundles()[0]))
	assert.Equal(t, []string{keep}, s.IDs())
}

func TestCheckFootprint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "content")
	rec := f.m.Bundles()[0]
	s := newStore(t, t.TempDir())

	reset, err := s.CheckFootprint("1.0.0")
	require.NoError(t, err)
	assert.True(t, reset, "first run has no footprint")
	id1, err := s.InstallID()
	require.NoError(t, err)

	require.NoError(t, s.Write(rec, f.source(t, rec)))
	reset, err = s.CheckFootprint("1.0.0")
	require.NoError(t, err)
	assert.False(t, reset)
	assert.True(t, s.Exists(rec))

	reset, err = s.CheckFootprint("1.1.0")
	require.NoError(t, err)
	assert.True(t, reset)
	assert.False(t, s.Exists(rec))
	_, err = os.Stat(s.DataPath(rec))
	assert.True(t, os.IsNotExist(err))
	id2, err := s.InstallID()
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestManifestPersistence(t *testing.T) {
	t.Parallel()

	s := newStore(t, t.TempDir())
	data := []byte("manifest bytes")
	require.NoError(t, s.SaveManifest("v1", data))

	v, err := s.ActiveVersion()
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	got, err := s.LoadManifest("v1")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, os.WriteFile(s.manifestPath("v1", ".bytes"), []byte("tampered"), 0o600))
	_, err = s.LoadManifest("v1")
	require.ErrorIs(t, err, ErrVerificationFailed)
	_, err = os.Stat(s.manifestPath("v1", ".bytes"))
	assert.True(t, os.IsNotExist(err))

	require.Error(t, s.SaveManifest("../escape", data))
}

func TestBuiltinQueries(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "shipped", "remote only")
	shipped, remote := f.m.Bundles()[0], f.m.Bundles()[1]
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, shipped.FileName()), f.files[shipped.Name], 0o600))

	inPlace := newStore(t, t.TempDir(), WithBuiltin(DirBuiltin(dir)))
	assert.False(t, inPlace.NeedsDownload(shipped))
	assert.False(t, inPlace.NeedsUnpack(shipped))
	assert.True(t, inPlace.IsBuiltin(shipped))
	assert.Equal(t, filepath.Join(dir, shipped.FileName()), inPlace.BuiltinPath(shipped))
	assert.True(t, inPlace.NeedsDownload(remote))

	unpack := newStore(t, t.TempDir(), WithBuiltin(DirBuiltin(dir)), WithUnpackBuiltin(true))
	assert.True(t, unpack.NeedsUnpack(shipped))
	require.NoError(t, unpack.Write(shipped, unpack.BuiltinPath(shipped)))
	assert.False(t, unpack.NeedsUnpack(shipped))
}

func TestParseVerifyLevel(t *testing.T) {
	t.Parallel()

	for _, l := range []VerifyLevel{VerifyLow, VerifyMiddle, VerifyHigh} {
		got, err := ParseVerifyLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	_, err := ParseVerifyLevel("paranoid")
	assert.Error(t, err)
}

func TestWriteCBORCreatesSearchableDirs(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "a", "b")
	path := filepath.Join(dir, infoName)
	require.NoError(t, writeCBOR(path, infoRecord{Size: 3}, defaultFilePerm))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(defaultDirPerm), info.Mode().Perm())

	var got infoRecord
	require.NoError(t, readCBOR(path, &got))
	assert.Equal(t, int64(3), got.Size)
}
