package verify

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestFile(t *testing.T) {
	t.Parallel()

	data := []byte("bundle payload")
	sha, err := FromBytes(digest.SHA256, data)
	require.NoError(t, err)
	b3, err := FromBytes(BLAKE3, data)
	require.NoError(t, err)

	tests := []struct {
		name    string
		want    Expect
		wantErr error
	}{
		{
			name: "sha256 match",
			want: Expect{Size: int64(len(data)), Digest: sha, CRC: CRC(data), CheckCRC: true},
		},
		{
			name: "blake3 match",
			want: Expect{Size: int64(len(data)), Digest: b3},
		},
		{
			name:    "size mismatch",
			want:    Expect{Size: 3, Digest: sha},
			wantErr: ErrSizeMismatch,
		},
		{
			name:    "hash mismatch",
			want:    Expect{Size: int64(len(data)), Digest: digest.FromString("other")},
			wantErr: ErrHashMismatch,
		},
		{
			name:    "crc mismatch",
			want:    Expect{Size: int64(len(data)), Digest: sha, CRC: 1, CheckCRC: true},
			wantErr: ErrCRCMismatch,
		},
		{
			name: "crc ignored when disabled",
			want: Expect{Size: int64(len(data)), Digest: sha, CRC: 1},
		},
		{
			name:    "unsupported algorithm",
			want:    Expect{Size: int64(len(data)), Digest: digest.Digest("md5:abcd")},
			wantErr: ErrUnsupportedDigest,
		},
	}

	path := writeFile(t, data)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := File(path, tt.want)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestReaderDetectsTruncation(t *testing.T) {
	t.Parallel()

	data := []byte("0123456789")
	err := Reader(bytes.NewReader(data[:5]), Expect{Size: 10, Digest: digest.FromBytes(data)})
	require.ErrorIs(t, err, ErrSizeMismatch)
}

func TestValidateDigest(t *testing.T) {
	t.Parallel()

	b3, err := FromBytes(BLAKE3, []byte("x"))
	require.NoError(t, err)
	assert.NoError(t, ValidateDigest(b3))
	assert.NoError(t, ValidateDigest(digest.FromString("x")))
	assert.Error(t, ValidateDigest(digest.Digest("blake3:abc")))
	assert.Error(t, ValidateDigest(digest.Digest("sha256:zz")))
	assert.Error(t, ValidateDigest(digest.Digest("nonsense")))
}
