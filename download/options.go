package download

import (
	"log/slog"
	"time"

	"github.com/meigma/bundle/internal/task"
)

// Defaults for the retry and timeout policy.
const (
	DefaultRetries         = 3
	DefaultRetryDelay      = time.Second
	DefaultStallTimeout    = 60 * time.Second
	DefaultResumeThreshold = 1 << 20
)

// Option configures an Engine.
type Option func(*Engine)

// WithPool sets the worker pool used for post-transfer verification.
// Without a pool verification runs inline during Update.
func WithPool(pool *task.Pool) Option {
	return func(e *Engine) {
		e.pool = pool
	}
}

// WithTransport registers t for URLs with the given scheme, replacing any
// previous registration.
func WithTransport(scheme string, t Transport) Option {
	return func(e *Engine) {
		e.transports[scheme] = t
	}
}

// WithRetries sets how many times a failed transfer is retried.
// A fetch makes at most retries+1 attempts. Defaults to DefaultRetries.
func WithRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.retries = n
		}
	}
}

// WithRetryDelay sets the fixed wait between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.retryDelay = d
		}
	}
}

// WithStallTimeout sets how long a transfer may go without receiving bytes
// before it is aborted. Zero disables stall detection.
func WithStallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.stallTimeout = d
		}
	}
}

// WithResumeThreshold sets the minimum file size for which interrupted
// transfers are resumed with a range request instead of restarted.
func WithResumeThreshold(size int64) Option {
	return func(e *Engine) {
		if size >= 0 {
			e.resumeThreshold = size
		}
	}
}

// WithPoisonCodes sets the status codes that invalidate a partial file.
// When an attempt fails with one of them the temp file is deleted before
// the next attempt.
func WithPoisonCodes(codes ...int) Option {
	return func(e *Engine) {
		e.poison = make(map[int]struct{}, len(codes))
		for _, c := range codes {
			e.poison[c] = struct{}{}
		}
	}
}

// WithMaxConcurrent limits the number of simultaneous transfers. Further
// fetches wait in order. Zero means unlimited.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxConcurrent = n
		}
	}
}

// WithCRCCheck enables the CRC comparison during post-transfer verification.
func WithCRCCheck(enabled bool) Option {
	return func(e *Engine) {
		e.checkCRC = enabled
	}
}

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// FetchOption configures a single Fetch.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	main     string
	fallback string
	retries  int
}

// FetchWithURLs overrides the endpoint URLs for one fetch.
func FetchWithURLs(main, fallback string) FetchOption {
	return func(c *fetchConfig) {
		c.main = main
		c.fallback = fallback
	}
}

// FetchWithRetries overrides the retry count for one fetch.
func FetchWithRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		if n >= 0 {
			c.retries = n
		}
	}
}
