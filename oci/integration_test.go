//go:build integration

package oci_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meigma/bundle/cache"
	"github.com/meigma/bundle/download"
	"github.com/meigma/bundle/internal/testutil"
	"github.com/meigma/bundle/oci"
)

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container if needed.
func getRegistry(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}
	registryOnce.Do(func() {
		registryAddr, registryErr = startRegistryContainer(context.Background())
	})
	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}
	return registryAddr
}

func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		WaitingFor: wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(func(status int) bool {
			return status >= 200 && status < 300
		}),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func TestEngineFetchFromRegistry(t *testing.T) {
	addr := getRegistry(t)

	data := make([]byte, 64*1024)
	_, _ = rand.Read(data)
	pkg := testutil.NewPackage(t, "pkg", "1", []testutil.Bundle{{Name: "level1.bundle", Data: data}}, nil)
	rec := pkg.Record(t, "level1.bundle")

	tr := oci.New(oci.WithPlainHTTP(true))
	base := "oci://" + addr + "/bundles/engine-fetch"
	desc := ocispec.Descriptor{Digest: digest.FromBytes(data), Size: int64(len(data))}
	require.NoError(t, tr.Push(context.Background(), base+"/"+rec.FileName(), desc, bytes.NewReader(data)))

	store, err := cache.New(t.TempDir(), "pkg")
	require.NoError(t, err)
	eng := download.NewEngine(store, download.StaticEndpoints{Main: base},
		download.WithTransport(oci.Scheme, tr),
		download.WithRetryDelay(0),
	)

	d := eng.Fetch(rec, store.TempPath(rec))
	for !d.Done() {
		eng.Update()
	}
	require.NoError(t, d.Err())
	assert.True(t, store.Exists(rec))
	require.NoError(t, store.VerifyFile(rec, cache.VerifyHigh))
}
