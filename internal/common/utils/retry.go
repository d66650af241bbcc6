// Package utils holds small helpers shared by the cache adapters.
package utils

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig holds configuration for retry operations with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts including the first one
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay caps the exponential growth of the delay
	MaxDelay time.Duration

	// BackoffFactor is the multiplier applied to the delay after each attempt
	BackoffFactor float64

	// JitterFactor adds up to this fraction of the delay as random jitter (0.0-1.0)
	JitterFactor float64

	// RetryableErrors decides which errors trigger another attempt.
	// If nil, every error is retried.
	RetryableErrors func(error) bool

	// OnRetry is called before sleeping ahead of attempt number next
	OnRetry func(next int, delay time.Duration, err error)
}

// DefaultRetryConfig returns the retry policy used for remote store connections.
//
// Default settings:
//   - MaxAttempts: 3
//   - InitialDelay: 100ms
//   - MaxDelay: 5s
//   - BackoffFactor: 2.0
//   - JitterFactor: 0.1
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// RetryWithBackoff executes fn until it succeeds, the attempts are exhausted,
// the error is not retryable, or ctx is done.
//
// Returns:
//   - nil if fn succeeds within the attempt limit
//   - the original error if it is not retryable
//   - "retry cancelled" wrapping ctx.Err() if ctx ends while waiting
//   - "max retries exceeded" wrapping the last error otherwise
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if config.RetryableErrors != nil && !config.RetryableErrors(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			break
		}

		wait := withJitter(delay, config.JitterFactor)
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * config.BackoffFactor)
		if config.MaxDelay > 0 && delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func withJitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 || delay <= 0 {
		return delay
	}
	jitter := int64(float64(delay) * factor)
	if jitter <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int64N(jitter))
}
