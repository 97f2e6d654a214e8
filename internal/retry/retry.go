// Package retry provides exponential backoff retry for transient failures.
//
// The engine uses it around service calls that may hit transient network
// errors: resume requests, cost estimates, and conversation record updates.
// The backoff duration follows an exponential pattern:
// InitialBackoff * 2^(attempt-1), optionally capped and jittered. All retry
// operations respect context cancellation; if the context is canceled during
// a backoff period the loop exits immediately with the context error.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config defines the retry behavior for exponential backoff operations.
//
// The zero value is not usable; MaxRetries and InitialBackoff must be set.
type Config struct {
	// MaxRetries is the maximum number of attempts. Must be greater than 0.
	MaxRetries int

	// InitialBackoff is the base backoff duration. Each retry multiplies
	// this by 2^(attempt-1). Must be greater than 0.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Zero means no cap.
	MaxBackoff time.Duration

	// Jitter adds randomness to backoff to prevent thundering herd
	// (0.0 to 1.0). The jitter amount increases linearly with attempt
	// number. Zero means no jitter.
	Jitter float64
}

// ShouldRetryFunc determines if an error should trigger a retry.
//
// Return true to retry the operation, or false to fail immediately with the
// error. If nil is passed to Do, all errors are retried.
type ShouldRetryFunc func(error) bool

// Do executes fn with exponential backoff retry.
//
// fn is called up to cfg.MaxRetries times. If fn returns nil, Do returns
// immediately. If shouldRetry returns false for an error, Do returns that
// error without further attempts. When all retries are exhausted, Do returns
// an error wrapping the last error from fn.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		// Backoff before retry, but not before the first attempt.
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffFor(cfg, attempt)):
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

// backoffFor computes the backoff duration for a given attempt:
// exponential base, MaxBackoff cap, then jitter scaled by attempt.
func backoffFor(cfg Config, attempt int) time.Duration {
	multiplier := math.Pow(2, float64(attempt-1))
	backoff := time.Duration(multiplier * float64(cfg.InitialBackoff))

	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}

	if cfg.Jitter > 0 {
		jitterAmount := float64(backoff) * cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries)
		backoff += time.Duration(jitterAmount)
	}

	return backoff
}
