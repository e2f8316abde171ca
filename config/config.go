// Package config loads bundle manager settings from a YAML file.
//
// A config file describes one package: where its cache lives, where bundles
// are fetched from and how downloads behave. [Config.Options] turns it into
// options for [bundle.New]; [Config.Logger] builds the logger the file asks for.
//
// Values of the form ${VAR} or ${VAR:-default} in path fields are expanded
// from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meigma/bundle"
	"github.com/meigma/bundle/archive"
	"github.com/meigma/bundle/cache"
	"github.com/meigma/bundle/download"
	"github.com/meigma/bundle/oci"
)

// Config is the configuration of one package.
type Config struct {
	// Package is the package name. Required.
	Package string `yaml:"package"`

	// CacheDir is the cache root. Default: ${HOME}/.cache/bundle
	CacheDir string `yaml:"cache_dir"`

	// Workers sizes the verification pool. Zero uses every CPU.
	Workers int `yaml:"workers"`

	Remote   RemoteConfig   `yaml:"remote"`
	Download DownloadConfig `yaml:"download"`
	Cache    CacheConfig    `yaml:"cache"`
	Decrypt  DecryptConfig  `yaml:"decrypt"`
	Log      LogConfig      `yaml:"log"`
}

// RemoteConfig configures where bundles are fetched from.
type RemoteConfig struct {
	// Main is the base URL of the primary endpoint.
	Main string `yaml:"main"`

	// Fallback is the base URL tried on alternate attempts.
	Fallback string `yaml:"fallback"`

	// Headers are sent with every HTTP request.
	Headers map[string]string `yaml:"headers"`

	// OCI enables oci:// endpoints.
	OCI *OCIConfig `yaml:"oci,omitempty"`
}

// OCIConfig configures the OCI registry transport.
type OCIConfig struct {
	PlainHTTP bool `yaml:"plain_http"`

	// DockerCredentials reads credentials from the Docker config.
	DockerCredentials bool `yaml:"docker_credentials"`

	// Registry, Username and Password set static credentials.
	Registry string `yaml:"registry"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	UserAgent string `yaml:"user_agent"`
}

// DownloadConfig configures the download engine.
type DownloadConfig struct {
	// Retries is the number of retries after a failed attempt. Default: 3
	Retries int `yaml:"retries"`

	// RetryDelay is the wait between attempts. Default: 1s
	RetryDelay string `yaml:"retry_delay"`

	// StallTimeout aborts transfers that receive nothing for this long.
	// "0" disables stall detection. Default: 60s
	StallTimeout string `yaml:"stall_timeout"`

	// ResumeThreshold is the minimum size in bytes for resumable transfers.
	// Default: 1048576
	ResumeThreshold int64 `yaml:"resume_threshold"`

	// PoisonCodes are status codes that discard a partial file.
	PoisonCodes []int `yaml:"poison_codes"`

	// MaxConcurrent limits simultaneous transfers. Zero is unlimited.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// CacheConfig configures the cache store.
type CacheConfig struct {
	// VerifyLevel is low, middle or high. Default: middle
	VerifyLevel cache.VerifyLevel `yaml:"verify_level"`

	// CRCCheck also compares CRC-32 checksums.
	CRCCheck bool `yaml:"crc_check"`

	// BuiltinDir holds bundles shipped with the application.
	BuiltinDir string `yaml:"builtin_dir"`

	// UnpackBuiltin imports builtin bundles into the cache before use.
	UnpackBuiltin bool `yaml:"unpack_builtin"`

	// AppFootprint identifies the application build. A change clears the cache.
	AppFootprint string `yaml:"app_footprint"`
}

// DecryptConfig configures decryption of encrypted bundles.
type DecryptConfig struct {
	// AgeIdentityFile is a file of age identities.
	AgeIdentityFile string `yaml:"age_identity_file"`
}

// LogConfig configures the logger.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info
	Level string `yaml:"level"`

	// Format is text or json. Default: text
	Format string `yaml:"format"`
}

// Default returns the configuration used as a base before a file is applied.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		CacheDir: filepath.Join(homeDir, ".cache", "bundle"),
		Download: DownloadConfig{
			Retries:         download.DefaultRetries,
			RetryDelay:      download.DefaultRetryDelay.String(),
			StallTimeout:    download.DefaultStallTimeout.String(),
			ResumeThreshold: download.DefaultResumeThreshold,
		},
		Cache: CacheConfig{
			VerifyLevel: cache.VerifyMiddle,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFile reads the configuration at path over the defaults, expands
// variables and validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults, expands variables and validates
// the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expandVariables() {
	c.CacheDir = expandVars(c.CacheDir)
	c.Cache.BuiltinDir = expandVars(c.Cache.BuiltinDir)
	c.Decrypt.AgeIdentityFile = expandVars(c.Decrypt.AgeIdentityFile)
	c.Remote.Main = expandVars(c.Remote.Main)
	c.Remote.Fallback = expandVars(c.Remote.Fallback)
	if c.Remote.OCI != nil {
		c.Remote.OCI.Password = expandVars(c.Remote.OCI.Password)
	}
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Package == "" {
		errs = append(errs, errors.New("package is required"))
	}
	if c.CacheDir == "" {
		errs = append(errs, errors.New("cache_dir is required"))
	}
	if c.Workers < 0 {
		errs = append(errs, errors.New("workers must be non-negative"))
	}
	if c.Remote.Fallback != "" && c.Remote.Main == "" {
		errs = append(errs, errors.New("remote.fallback requires remote.main"))
	}
	if c.Download.Retries < 0 {
		errs = append(errs, errors.New("download.retries must be non-negative"))
	}
	if _, err := parseDuration(c.Download.RetryDelay); err != nil {
		errs = append(errs, fmt.Errorf("download.retry_delay: %w", err))
	}
	if _, err := parseDuration(c.Download.StallTimeout); err != nil {
		errs = append(errs, fmt.Errorf("download.stall_timeout: %w", err))
	}
	for _, code := range c.Download.PoisonCodes {
		if code < 100 || code > 599 {
			errs = append(errs, fmt.Errorf("download.poison_codes: invalid status %d", code))
		}
	}
	if c.Download.MaxConcurrent < 0 {
		errs = append(errs, errors.New("download.max_concurrent must be non-negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("must be non-negative")
	}
	return d, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Logger returns a logger writing to w in the configured format and level.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// Options returns the manager options the configuration describes. The
// caller adds a logger and anything the file cannot express.
func (c *Config) Options() ([]bundle.Option, error) {
	retryDelay, err := parseDuration(c.Download.RetryDelay)
	if err != nil {
		return nil, err
	}
	stallTimeout, err := parseDuration(c.Download.StallTimeout)
	if err != nil {
		return nil, err
	}

	opts := []bundle.Option{
		bundle.WithWorkers(c.Workers),
		bundle.WithRetries(c.Download.Retries),
		bundle.WithRetryDelay(retryDelay),
		bundle.WithStallTimeout(stallTimeout),
		bundle.WithResumeThreshold(c.Download.ResumeThreshold),
		bundle.WithMaxConcurrentDownloads(c.Download.MaxConcurrent),
		bundle.WithVerifyLevel(c.Cache.VerifyLevel),
		bundle.WithCRCCheck(c.Cache.CRCCheck),
	}
	if c.Remote.Main != "" {
		opts = append(opts, bundle.WithRemote(c.Remote.Main, c.Remote.Fallback))
	}
	for key, value := range c.Remote.Headers {
		opts = append(opts, bundle.WithHTTPHeader(key, value))
	}
	if len(c.Download.PoisonCodes) > 0 {
		opts = append(opts, bundle.WithPoisonCodes(c.Download.PoisonCodes...))
	}
	if c.Cache.BuiltinDir != "" {
		opts = append(opts, bundle.WithBuiltinDir(c.Cache.BuiltinDir))
	}
	if c.Cache.UnpackBuiltin {
		opts = append(opts, bundle.WithUnpackBuiltin(true))
	}
	if c.Cache.AppFootprint != "" {
		opts = append(opts, bundle.WithAppFootprint(c.Cache.AppFootprint))
	}

	if o := c.Remote.OCI; o != nil {
		ociOpts, err := o.options()
		if err != nil {
			return nil, err
		}
		opts = append(opts, bundle.WithOCI(ociOpts...))
	}

	if c.Decrypt.AgeIdentityFile != "" {
		ids, err := archive.LoadAgeIdentities(c.Decrypt.AgeIdentityFile)
		if err != nil {
			return nil, fmt.Errorf("config: decrypt.age_identity_file: %w", err)
		}
		opts = append(opts, bundle.WithDecryptor(archive.NewAgeDecryptor(ids...)))
	}
	return opts, nil
}

func (o *OCIConfig) options() ([]oci.Option, error) {
	opts := []oci.Option{oci.WithPlainHTTP(o.PlainHTTP)}
	if o.UserAgent != "" {
		opts = append(opts, oci.WithUserAgent(o.UserAgent))
	}
	switch {
	case o.Username != "":
		if o.Registry == "" {
			return nil, errors.New("config: remote.oci.registry is required with a username")
		}
		opts = append(opts, oci.WithCredentialStore(oci.StaticCredentials(o.Registry, o.Username, o.Password)))
	case o.DockerCredentials:
		store, err := oci.DockerCredentials()
		if err != nil {
			return nil, fmt.Errorf("config: docker credentials: %w", err)
		}
		opts = append(opts, oci.WithCredentialStore(store))
	}
	return opts, nil
}

// NewManager builds a manager from the configuration, logging to logger.
func (c *Config) NewManager(logger *slog.Logger) (*bundle.Manager, error) {
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts, bundle.WithLogger(logger))
	return bundle.New(c.CacheDir, c.Package, opts...)
}
