package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	assert.Equal(t, 3, config.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, config.InitialDelay)
	assert.Equal(t, 5*time.Second, config.MaxDelay)
	assert.Equal(t, 2.0, config.BackoffFactor)
	assert.Nil(t, config.RetryableErrors)
}

func TestRetryWithBackoff(t *testing.T) {
	fast := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}

	t.Run("succeeds on second attempt", func(t *testing.T) {
		attempts := 0
		var retried []int
		cfg := fast
		cfg.OnRetry = func(next int, _ time.Duration, _ error) { retried = append(retried, next) }

		err := RetryWithBackoff(context.Background(), cfg, func() error {
			attempts++
			if attempts < 2 {
				return errors.New("temporary")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 2, attempts)
		assert.Equal(t, []int{2}, retried)
	})

	t.Run("all attempts fail", func(t *testing.T) {
		attempts := 0
		boom := errors.New("persistent")

		err := RetryWithBackoff(context.Background(), fast, func() error {
			attempts++
			return boom
		})

		assert.Equal(t, 3, attempts)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "max retries exceeded")
	})

	t.Run("non retryable error stops immediately", func(t *testing.T) {
		attempts := 0
		fatal := errors.New("fatal")
		cfg := fast
		cfg.RetryableErrors = func(err error) bool { return !errors.Is(err, fatal) }

		err := RetryWithBackoff(context.Background(), cfg, func() error {
			attempts++
			return fatal
		})

		assert.Equal(t, 1, attempts)
		assert.Equal(t, fatal, err)
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, BackoffFactor: 2}

		attempts := 0
		err := RetryWithBackoff(ctx, cfg, func() error {
			attempts++
			cancel()
			return errors.New("fail")
		})

		assert.Equal(t, 1, attempts)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Contains(t, err.Error(), "retry cancelled")
	})

	t.Run("zero attempts still runs once", func(t *testing.T) {
		attempts := 0
		err := RetryWithBackoff(context.Background(), RetryConfig{}, func() error {
			attempts++
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})
}

func TestWithJitter(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 20; i++ {
		d := withJitter(base, 0.5)
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+50*time.Millisecond)
	}
	assert.Equal(t, base, withJitter(base, 0))
}
