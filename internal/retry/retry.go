// Package retry provides exponential backoff for transient failures.
//
// Blocking callers use Do. Callers that must not block, such as handlers
// running on the daemon event loop, compute the next delay with Backoff and
// schedule the retry themselves.
//
//	cfg := retry.Config{
//	    MaxRetries:     5,
//	    InitialBackoff: 100 * time.Millisecond,
//	    MaxBackoff:     5 * time.Second,
//	    Jitter:         0.1,
//	}
//
//	err := retry.Do(ctx, cfg, func() error {
//	    return doSomething()
//	}, func(err error) bool {
//	    return isTransientError(err)
//	})
//
// The backoff duration follows InitialBackoff * 2^(attempt-1), capped at
// MaxBackoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// maxExponent keeps the exponential term finite for long-running retry loops.
const maxExponent = 32

// Config defines the retry behavior for exponential backoff operations.
type Config struct {
	// MaxRetries is the maximum number of attempts made by Do.
	// Backoff ignores it except for jitter scaling.
	MaxRetries int

	// InitialBackoff is the base backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Zero means no cap.
	MaxBackoff time.Duration

	// Jitter adds randomness to backoff (0.0 to 1.0). The jitter amount
	// increases linearly with the attempt number:
	//   jitter_amount = backoff * Jitter * attempt / MaxRetries
	Jitter float64
}

// ShouldRetryFunc determines if an error should trigger a retry.
// If nil is passed to Do, all errors are retried.
type ShouldRetryFunc func(error) bool

// Do executes fn with exponential backoff retry.
//
// fn is called up to cfg.MaxRetries times. If shouldRetry returns false, Do
// returns the error immediately. If the context is canceled during backoff,
// Do returns the context error.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(Backoff(cfg, attempt)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}

		lastErr = err
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// Backoff computes the delay before retry number attempt (1-based).
//
// For example, with InitialBackoff=100ms, MaxBackoff=1s, Jitter=0.5, MaxRetries=5:
//   - Attempt 1: 100ms base + 10ms jitter = 110ms
//   - Attempt 2: 200ms base + 40ms jitter = 240ms
//   - Attempt 4: 800ms base + 320ms jitter = 1s (capped)
func Backoff(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	exponent := attempt - 1
	if exponent > maxExponent {
		exponent = maxExponent
	}
	backoff := time.Duration(math.Pow(2, float64(exponent)) * float64(cfg.InitialBackoff))

	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}

	if cfg.Jitter > 0 && cfg.MaxRetries > 0 {
		ratio := float64(attempt) / float64(cfg.MaxRetries)
		if ratio > 1 {
			ratio = 1
		}
		backoff += time.Duration(float64(backoff) * cfg.Jitter * ratio)
	}

	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}

	return backoff
}
