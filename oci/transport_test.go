package oci_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/bundle/download"
	"github.com/meigma/bundle/oci"
)

// fakeRegistry serves blobs of one repository by digest.
func fakeRegistry(t *testing.T, repo string, blobs ...[]byte) string {
	t.Helper()
	byDigest := make(map[string][]byte, len(blobs))
	for _, b := range blobs {
		byDigest[digest.FromBytes(b).String()] = b
	}
	prefix := "/v2/" + repo + "/blobs/"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, ok := strings.CutPrefix(r.URL.Path, prefix)
		data, found := byDigest[d]
		if !ok || !found {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[{"code":"BLOB_UNKNOWN","message":"blob unknown"}]}`))
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestRepositoryRef(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "oci://ghcr.io/acme/game/a.bundle", want: "ghcr.io/acme/game"},
		{url: "oci://localhost:5000/assets/a.bundle", want: "localhost:5000/assets"},
		{url: "oci://localhost:5000/a.bundle", wantErr: true},
		{url: "https://ghcr.io/acme/a.bundle", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.url, func(t *testing.T) {
			t.Parallel()
			got, err := oci.RepositoryRef(tc.url)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestOpenFetchesBlobByDigest(t *testing.T) {
	t.Parallel()

	data := []byte("bundle blob content for the registry transport")
	host := fakeRegistry(t, "game/assets", data)
	tr := oci.New(oci.WithPlainHTTP(true))

	resp, err := tr.Open(context.Background(), &download.Request{
		URL:    "oci://" + host + "/game/assets/a.bundle",
		Size:   int64(len(data)),
		Digest: digest.FromBytes(data),
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.False(t, resp.Partial)
}

func TestOpenResumesWithRange(t *testing.T) {
	t.Parallel()

	data := []byte("0123456789abcdefghij")
	host := fakeRegistry(t, "game/assets", data)
	tr := oci.New(oci.WithPlainHTTP(true))

	resp, err := tr.Open(context.Background(), &download.Request{
		URL:    "oci://" + host + "/game/assets/a.bundle",
		Offset: 10,
		Size:   int64(len(data)),
		Digest: digest.FromBytes(data),
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if resp.Partial {
		assert.Equal(t, data[10:], got)
	} else {
		assert.Equal(t, data, got)
	}
}

func TestOpenMissingBlob(t *testing.T) {
	t.Parallel()

	host := fakeRegistry(t, "game/assets")
	tr := oci.New(oci.WithPlainHTTP(true))

	_, err := tr.Open(context.Background(), &download.Request{
		URL:    "oci://" + host + "/game/assets/a.bundle",
		Size:   4,
		Digest: digest.FromString("nope"),
	})
	var se *download.StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestOpenRequiresDigest(t *testing.T) {
	t.Parallel()

	_, err := oci.New().Open(context.Background(), &download.Request{URL: "oci://localhost:5000/repo/a.bundle"})
	require.Error(t, err)
}

func TestStaticCredentials(t *testing.T) {
	t.Parallel()

	store := oci.StaticCredentials("https://registry.example.com/", "user", "pass")
	cred, err := store.Get(context.Background(), "registry.example.com")
	require.NoError(t, err)
	assert.Equal(t, "user", cred.Username)

	other, err := store.Get(context.Background(), "elsewhere.example.com")
	require.NoError(t, err)
	assert.Empty(t, other.Username)
	require.Error(t, store.Put(context.Background(), "x", cred))
}
