package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meigma/bundle/internal/testutil"
)

func writeFixture(t *testing.T) (manifestPath, configPath string, pkg *testutil.Package) {
	t.Helper()
	bundles := []testutil.Bundle{
		{Name: "a.bundle", Data: testutil.Zip(t, map[string][]byte{"a": []byte("a")}, true), Tags: []string{"core"}},
		{Name: "b.bundle", Data: testutil.Zip(t, map[string][]byte{"b": []byte("b")}, true)},
	}
	assets := []testutil.Asset{
		{Path: "a", Bundle: "a.bundle"},
		{Path: "b", Address: "bee", Bundle: "b.bundle", Deps: []string{"a.bundle"}},
	}
	pkg = testutil.NewPackage(t, "game", "2.1", bundles, assets)
	srv := testutil.NewServer(t, pkg.Files)

	dir := t.TempDir()
	manifestPath = filepath.Join(dir, "game.manifest")
	require.NoError(t, os.WriteFile(manifestPath, pkg.Bytes, 0o600))
	configPath = filepath.Join(dir, "bundle.yaml")
	cfg := "package: game\n" +
		"cache_dir: " + filepath.Join(dir, "cache") + "\n" +
		"remote:\n  main: " + srv.BaseURL() + "\n" +
		"download:\n  retry_delay: 10ms\n" +
		"log:\n  level: error\n"
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0o600))
	return manifestPath, configPath, pkg
}

func TestRunRequiresCommand(t *testing.T) {
	require.Error(t, run(nil))
	require.Error(t, run([]string{"explode"}))
	require.NoError(t, run([]string{"--help"}))
}

func TestInspect(t *testing.T) {
	manifestPath, _, _ := writeFixture(t)
	require.NoError(t, run([]string{"inspect", "--assets", manifestPath}))
	require.Error(t, run([]string{"inspect"}))
}

func TestFetchVerifyPrune(t *testing.T) {
	manifestPath, configPath, _ := writeFixture(t)

	require.Error(t, run([]string{"fetch", manifestPath}), "config is required")
	require.NoError(t, run([]string{"--config", configPath, "fetch", "--tag", "core", manifestPath}))
	require.NoError(t, run([]string{"--config", configPath, "fetch", manifestPath}))
	require.NoError(t, run([]string{"--config", configPath, "verify", "--level", "high"}))
	require.NoError(t, run([]string{"--config", configPath, "prune", "--target", "0"}))
	require.Error(t, run([]string{"--config", configPath, "verify", "--level", "extreme"}))
}
