package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedDelay(t *testing.T) {
	t.Run("creates with correct values", func(t *testing.T) {
		fd := NewFixedDelay(100*time.Millisecond, 3)

		assert.Equal(t, 100*time.Millisecond, fd.Delay)
		assert.Equal(t, 3, fd.MaxAttempts)
		assert.Equal(t, 3, fd.MaxRetries())
		assert.Nil(t, fd.RetryIf)
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		fd := NewFixedDelay(50*time.Millisecond, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := fd.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Equal(t, 50*time.Millisecond, delay)
		}

		shouldRetry, delay := fd.ShouldRetry(3, errors.New("test"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("Unlimited never gives up", func(t *testing.T) {
		fd := NewFixedDelay(time.Second, Unlimited)

		shouldRetry, delay := fd.ShouldRetry(1_000_000, errors.New("test"))
		assert.True(t, shouldRetry)
		assert.Equal(t, time.Second, delay)
	})

	t.Run("delay is constant", func(t *testing.T) {
		fd := NewFixedDelay(30*time.Second, Unlimited)

		for _, attempt := range []int{0, 1, 5, 100} {
			assert.Equal(t, 30*time.Second, fd.NextDelay(attempt))
		}
	})

	t.Run("RetryIf filters errors", func(t *testing.T) {
		transient := errors.New("transient")
		fd := NewFixedDelay(time.Millisecond, 5)
		fd.RetryIf = func(err error) bool { return errors.Is(err, transient) }

		shouldRetry, _ := fd.ShouldRetry(0, transient)
		assert.True(t, shouldRetry)

		shouldRetry, _ = fd.ShouldRetry(0, errors.New("fatal"))
		assert.False(t, shouldRetry)
	})

	t.Run("nil error is not retried", func(t *testing.T) {
		fd := NewFixedDelay(time.Millisecond, Unlimited)

		shouldRetry, _ := fd.ShouldRetry(0, nil)
		assert.False(t, shouldRetry)
	})
}

func TestRetry(t *testing.T) {
	t.Run("successful on first attempt", func(t *testing.T) {
		var attempts int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			atomic.AddInt32(&attempts, 1)
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	})

	t.Run("successful after retries", func(t *testing.T) {
		var attempts int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return errors.New("temporary error")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	})

	t.Run("returns last error when attempts are exhausted", func(t *testing.T) {
		var attempts int32
		expectedErr := errors.New("persistent error")
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			atomic.AddInt32(&attempts, 1)
			return expectedErr
		})

		assert.Equal(t, expectedErr, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	})

	t.Run("stops on non retryable error", func(t *testing.T) {
		var attempts int32
		fatal := errors.New("fatal")
		policy := NewFixedDelay(time.Millisecond, Unlimited)
		policy.RetryIf = func(err error) bool { return !errors.Is(err, fatal) }

		err := Retry(context.Background(), policy, func() error {
			atomic.AddInt32(&attempts, 1)
			return fatal
		})

		assert.ErrorIs(t, err, fatal)
		assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		var attempts int32
		failure := errors.New("failure")
		start := time.Now()
		err := Retry(ctx, NewFixedDelay(20*time.Millisecond, Unlimited), func() error {
			atomic.AddInt32(&attempts, 1)
			return failure
		})

		assert.ErrorIs(t, err, failure)
		assert.Less(t, time.Since(start), time.Second)
		assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(1))
	})

	t.Run("returns context error when cancelled before first attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 3), func() error {
			called = true
			return nil
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})
}
