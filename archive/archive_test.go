package archive_test

import (
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/bundle/archive"
	"github.com/meigma/bundle/internal/testutil"
)

var objects = map[string][]byte{
	"textures/stone.tex":      []byte("stone texture"),
	"meshes/rock.mesh":        []byte("rock mesh data"),
	"meshes/rock.mesh#lod0":   []byte("lod0"),
	"meshes/rock.mesh#lod1":   []byte("lod1"),
	"levels/intro.scene":      []byte("scene graph"),
	"configs/difficulty.json": []byte(`{"level":"hard"}`),
}

func writeBundle(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.bundle")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestZipOpener(t *testing.T) {
	t.Parallel()

	for _, compress := range []bool{false, true} {
		path := writeBundle(t, testutil.Zip(t, objects, compress))

		a, err := archive.ZipOpener{}.Open(path)
		require.NoError(t, err)

		assert.Len(t, a.Names(), len(objects))
		for name, want := range objects {
			assert.True(t, a.Has(name))
			got, err := a.ReadObject(name)
			require.NoError(t, err, name)
			assert.Equal(t, want, got)
		}
		_, err = a.ReadObject("missing.tex")
		require.ErrorIs(t, err, archive.ErrObjectNotFound)
		require.NoError(t, a.Close())
		require.NoError(t, a.Close())
	}
}

func TestZipOpenerRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := archive.ZipOpener{}.Open(writeBundle(t, []byte("not a zip file")))
	require.Error(t, err)
}

func TestSubObjects(t *testing.T) {
	t.Parallel()

	a, err := archive.ZipOpener{}.Open(writeBundle(t, testutil.Zip(t, objects, true)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	subs, err := archive.SubObjects(a, "meshes/rock.mesh")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"lod0": []byte("lod0"), "lod1": []byte("lod1")}, subs)

	_, err = archive.SubObjects(a, "textures/stone.tex")
	require.ErrorIs(t, err, archive.ErrObjectNotFound)

	all, err := archive.All(a)
	require.NoError(t, err)
	assert.Equal(t, objects, all)
}

func TestAgeDecryptor(t *testing.T) {
	t.Parallel()

	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	path := writeBundle(t, testutil.Encrypt(t, testutil.Zip(t, objects, true), id.Recipient()))

	a, closer, err := archive.NewAgeDecryptor(id).Decrypt(archive.DecryptRequest{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = closer.Close()
	})
	got, err := a.ReadObject("levels/intro.scene")
	require.NoError(t, err)
	assert.Equal(t, []byte("scene graph"), got)
}

func TestAgeDecryptorWrongKey(t *testing.T) {
	t.Parallel()

	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	other, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	path := writeBundle(t, testutil.Encrypt(t, testutil.Zip(t, objects, false), id.Recipient()))

	_, _, err = archive.NewAgeDecryptor(other).Decrypt(archive.DecryptRequest{Path: path})
	require.ErrorIs(t, err, archive.ErrDecryptionFailed)

	_, _, err = archive.NewAgeDecryptor().Decrypt(archive.DecryptRequest{Path: path})
	require.ErrorIs(t, err, archive.ErrDecryptionFailed)
}

func TestLoadAgeIdentities(t *testing.T) {
	t.Parallel()

	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "key.txt")
	require.NoError(t, os.WriteFile(keyPath, []byte("# test key\n"+id.String()+"\n"), 0o600))

	ids, err := archive.LoadAgeIdentities(keyPath)
	require.NoError(t, err)
	require.Len(t, ids, 1)
}
