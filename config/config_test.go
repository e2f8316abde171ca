package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/bundle/cache"
	"github.com/meigma/bundle/download"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Equal(t, download.DefaultRetries, cfg.Download.Retries)
	assert.Equal(t, "1s", cfg.Download.RetryDelay)
	assert.Equal(t, "1m0s", cfg.Download.StallTimeout)
	assert.Equal(t, int64(download.DefaultResumeThreshold), cfg.Download.ResumeThreshold)
	assert.Equal(t, cache.VerifyMiddle, cfg.Cache.VerifyLevel)
	assert.Equal(t, "info", cfg.Log.Level)

	// A default config lacks a package name.
	require.Error(t, cfg.Validate())
}

func TestParse(t *testing.T) {
	t.Parallel()

	data := []byte(`
package: game
cache_dir: /var/cache/game
workers: 4
remote:
  main: https://cdn.example.com/game
  fallback: https://mirror.example.com/game
  headers:
    X-Client: launcher
download:
  retries: 5
  retry_delay: 250ms
  stall_timeout: "0"
  poison_codes: [416]
  max_concurrent: 2
cache:
  verify_level: high
  crc_check: true
  app_footprint: build-42
log:
  level: debug
  format: json
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "game", cfg.Package)
	assert.Equal(t, "/var/cache/game", cfg.CacheDir)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "https://mirror.example.com/game", cfg.Remote.Fallback)
	assert.Equal(t, map[string]string{"X-Client": "launcher"}, cfg.Remote.Headers)
	assert.Equal(t, 5, cfg.Download.Retries)
	assert.Equal(t, []int{416}, cfg.Download.PoisonCodes)
	assert.Equal(t, cache.VerifyHigh, cfg.Cache.VerifyLevel)
	assert.True(t, cfg.Cache.CRCCheck)
	// Unset fields keep their defaults.
	assert.Equal(t, int64(download.DefaultResumeThreshold), cfg.Download.ResumeThreshold)

	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.NotEmpty(t, opts)

	d, err := parseDuration(cfg.Download.RetryDelay)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{"missing package", "cache_dir: /tmp"},
		{"bad verify level", "package: game\ncache:\n  verify_level: paranoid"},
		{"bad duration", "package: game\ndownload:\n  retry_delay: soon"},
		{"negative retries", "package: game\ndownload:\n  retries: -1"},
		{"bad poison code", "package: game\ndownload:\n  poison_codes: [42]"},
		{"fallback without main", "package: game\nremote:\n  fallback: https://mirror"},
		{"bad log level", "package: game\nlog:\n  level: loud"},
		{"bad log format", "package: game\nlog:\n  format: xml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestExpandVariables(t *testing.T) {
	t.Setenv("BUNDLE_TEST_ROOT", "/data")

	cfg, err := Parse([]byte(`
package: game
cache_dir: ${BUNDLE_TEST_ROOT}/cache
cache:
  builtin_dir: ${BUNDLE_TEST_UNSET:-/opt/game/bundles}
`))
	require.NoError(t, err)
	assert.Equal(t, "/data/cache", cfg.CacheDir)
	assert.Equal(t, "/opt/game/bundles", cfg.Cache.BuiltinDir)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.yaml")
	require.NoError(t, os.WriteFile(path, []byte("package: game\ncache_dir: "+dir+"\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "game", cfg.Package)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLogger(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Log = LogConfig{Level: "warn", Format: "json"}

	var buf bytes.Buffer
	logger, err := cfg.Logger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "bundle", "b.bundle")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"bundle":"b.bundle"`)
}

func TestNewManager(t *testing.T) {
	t.Parallel()

	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key.txt")
	require.NoError(t, os.WriteFile(keyFile, []byte(id.String()+"\n"), 0o600))
	builtin := filepath.Join(dir, "builtin")
	require.NoError(t, os.Mkdir(builtin, 0o755))

	cfg := Default()
	cfg.Package = "game"
	cfg.CacheDir = filepath.Join(dir, "cache")
	cfg.Remote.Main = "https://cdn.example.com/game"
	cfg.Remote.OCI = &OCIConfig{PlainHTTP: true, Registry: "localhost:5000", Username: "u", Password: "p"}
	cfg.Cache.BuiltinDir = builtin
	cfg.Decrypt.AgeIdentityFile = keyFile
	require.NoError(t, cfg.Validate())

	var buf bytes.Buffer
	logger, err := cfg.Logger(&buf)
	require.NoError(t, err)
	m, err := cfg.NewManager(logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	assert.False(t, m.Initialized())
	assert.DirExists(t, filepath.Join(cfg.CacheDir, "game"))
}

func TestOptionsRejectsMissingIdentityFile(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Package = "game"
	cfg.Decrypt.AgeIdentityFile = filepath.Join(t.TempDir(), "missing.txt")
	_, err := cfg.Options()
	require.Error(t, err)
}
