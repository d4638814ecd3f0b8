// Package retry runs operations with a linear backoff policy: the delay
// before retry attempt N is BaseDelay * N. A classifier decides whether
// a given failure is worth retrying at all.
package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Config controls the retry loop.
type Config struct {
	MaxRetries int           // retries after the first attempt (default 3)
	BaseDelay  time.Duration // multiplied by the attempt number (default 1s)
	LogRetries bool
}

// DefaultConfig returns the policy used for model-invocation calls.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		LogRetries: true,
	}
}

// Result reports what the retry loop did.
type Result struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
	Success       bool
}

// Do executes op until it succeeds, the retryable classifier rejects the
// error, the retry budget runs out, or the context is cancelled. A nil
// classifier retries every error.
func Do(ctx context.Context, cfg Config, op func() error, retryable func(error) bool) Result {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}

	start := time.Now()
	result := Result{}

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err := op()
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(start)
			return result
		}
		result.LastError = err

		if retryable != nil && !retryable(err) {
			if cfg.LogRetries {
				log.Debug().Err(err).Int("attempt", attempt+1).Msg("error not retryable, giving up")
			}
			result.TotalDuration = time.Since(start)
			return result
		}
		if attempt >= cfg.MaxRetries {
			result.TotalDuration = time.Since(start)
			return result
		}
		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		}

		delay := cfg.BaseDelay * time.Duration(attempt+1)
		if cfg.LogRetries {
			log.Debug().Err(err).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("operation failed, retrying")
		}
		select {
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		case <-time.After(delay):
		}
	}

	result.TotalDuration = time.Since(start)
	return result
}
