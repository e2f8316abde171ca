package bundle

import (
	"errors"
	"log/slog"
	nethttp "net/http"
	"os"
	"time"

	"github.com/meigma/bundle/archive"
	"github.com/meigma/bundle/cache"
	"github.com/meigma/bundle/download"
	bundlehttp "github.com/meigma/bundle/http"
	"github.com/meigma/bundle/oci"
)

// Option configures a Manager.
type Option func(*Manager) error

// DefaultParseBudget is the number of manifest records parsed per Update.
const DefaultParseBudget = 512

// --- Remote Options ---

// WithRemote sets the base URLs bundle files are fetched from. Attempts
// alternate between main and fallback; an empty fallback reuses main.
func WithRemote(main, fallback string) Option {
	return func(m *Manager) error {
		if main == "" {
			return errors.New("bundle: remote main url is empty")
		}
		m.endpoints = download.StaticEndpoints{Main: main, Fallback: fallback}
		return nil
	}
}

// WithEndpoints sets a custom source of remote URLs.
func WithEndpoints(ep download.Endpoints) Option {
	return func(m *Manager) error {
		m.endpoints = ep
		return nil
	}
}

// WithHTTPClient sets the client used for http and https URLs.
func WithHTTPClient(client *nethttp.Client) Option {
	return func(m *Manager) error {
		m.httpOpts = append(m.httpOpts, bundlehttp.WithClient(client))
		return nil
	}
}

// WithHTTPHeader sets a header sent with every http and https request.
func WithHTTPHeader(key, value string) Option {
	return func(m *Manager) error {
		m.httpOpts = append(m.httpOpts, bundlehttp.WithHeader(key, value))
		return nil
	}
}

// WithOCI enables oci:// URLs, fetching bundles as blobs from an OCI registry.
func WithOCI(opts ...oci.Option) Option {
	return func(m *Manager) error {
		m.engineOpts = append(m.engineOpts, download.WithTransport(oci.Scheme, oci.New(opts...)))
		return nil
	}
}

// WithTransport registers a transport for a URL scheme.
func WithTransport(scheme string, t download.Transport) Option {
	return func(m *Manager) error {
		if scheme == "" || t == nil {
			return errors.New("bundle: transport requires a scheme and an implementation")
		}
		m.engineOpts = append(m.engineOpts, download.WithTransport(scheme, t))
		return nil
	}
}

// --- Download Options ---

// WithRetries sets how many times a failed download is retried.
func WithRetries(n int) Option {
	return func(m *Manager) error {
		if n < 0 {
			return errors.New("bundle: retries must be non-negative")
		}
		m.engineOpts = append(m.engineOpts, download.WithRetries(n))
		return nil
	}
}

// WithRetryDelay sets the wait between download attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) error {
		m.engineOpts = append(m.engineOpts, download.WithRetryDelay(d))
		return nil
	}
}

// WithStallTimeout aborts transfers that receive no data for d.
func WithStallTimeout(d time.Duration) Option {
	return func(m *Manager) error {
		m.engineOpts = append(m.engineOpts, download.WithStallTimeout(d))
		return nil
	}
}

// WithResumeThreshold sets the minimum bundle size for resumable transfers.
func WithResumeThreshold(size int64) Option {
	return func(m *Manager) error {
		m.engineOpts = append(m.engineOpts, download.WithResumeThreshold(size))
		return nil
	}
}

// WithPoisonCodes sets the status codes that discard a partial download.
func WithPoisonCodes(codes ...int) Option {
	return func(m *Manager) error {
		m.engineOpts = append(m.engineOpts, download.WithPoisonCodes(codes...))
		return nil
	}
}

// WithMaxConcurrentDownloads limits simultaneous transfers. Zero is unlimited.
func WithMaxConcurrentDownloads(n int) Option {
	return func(m *Manager) error {
		m.engineOpts = append(m.engineOpts, download.WithMaxConcurrent(n))
		return nil
	}
}

// --- Cache Options ---

// WithVerifyLevel sets how thoroughly cached files are checked at startup.
func WithVerifyLevel(level cache.VerifyLevel) Option {
	return func(m *Manager) error {
		m.storeOpts = append(m.storeOpts, cache.WithVerifyLevel(level))
		return nil
	}
}

// WithCRCCheck also compares CRC-32 checksums when verifying files.
func WithCRCCheck(enabled bool) Option {
	return func(m *Manager) error {
		m.storeOpts = append(m.storeOpts, cache.WithCRCCheck(enabled))
		m.engineOpts = append(m.engineOpts, download.WithCRCCheck(enabled))
		return nil
	}
}

// WithBuiltinDir serves bundles that ship with the application from dir.
func WithBuiltinDir(dir string) Option {
	return func(m *Manager) error {
		info, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return errors.New("bundle: builtin path is not a directory")
		}
		m.storeOpts = append(m.storeOpts, cache.WithBuiltin(cache.DirBuiltin(dir)))
		return nil
	}
}

// WithBuiltin sets a custom builtin-file query.
func WithBuiltin(b cache.Builtin) Option {
	return func(m *Manager) error {
		m.storeOpts = append(m.storeOpts, cache.WithBuiltin(b))
		return nil
	}
}

// WithUnpackBuiltin imports builtin bundles into the cache before opening them.
func WithUnpackBuiltin(enabled bool) Option {
	return func(m *Manager) error {
		m.storeOpts = append(m.storeOpts, cache.WithUnpackBuiltin(enabled))
		return nil
	}
}

// WithAppFootprint sets the application identity recorded in the cache.
// When it differs from the recorded one, initialization clears the cache.
func WithAppFootprint(app string) Option {
	return func(m *Manager) error {
		m.appFootprint = app
		return nil
	}
}

// --- Open Options ---

// WithOpener sets how plain bundles are opened. Defaults to zip.
func WithOpener(o archive.Opener) Option {
	return func(m *Manager) error {
		if o == nil {
			return errors.New("bundle: opener is nil")
		}
		m.opener = o
		return nil
	}
}

// WithDecryptor sets how encrypted bundles are opened. Without one, loads
// of encrypted bundles fail with ErrDecryptionFailed.
func WithDecryptor(d archive.Decryptor) Option {
	return func(m *Manager) error {
		m.decryptor = d
		return nil
	}
}

// --- Runtime Options ---

// WithWorkers sets the size of the verification and open worker pool.
// Zero uses runtime.GOMAXPROCS(0).
func WithWorkers(n int) Option {
	return func(m *Manager) error {
		if n < 0 {
			return errors.New("bundle: workers must be non-negative")
		}
		m.workers = n
		return nil
	}
}

// WithParseBudget sets how many manifest records are parsed per Update.
func WithParseBudget(n int) Option {
	return func(m *Manager) error {
		if n <= 0 {
			return errors.New("bundle: parse budget must be positive")
		}
		m.parseBudget = n
		return nil
	}
}

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) error {
		if logger != nil {
			m.logger = logger
		}
		return nil
	}
}
