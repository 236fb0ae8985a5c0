package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackoff(maxRetries int) BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     4 * time.Millisecond,
		Multiplier:      2,
		MaxRetries:      maxRetries,
	}
}

func TestExponentialBackoffGrowsAndCaps(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	})

	assert.Equal(t, 100*time.Millisecond, backoff(0))
	assert.Equal(t, 100*time.Millisecond, backoff(1))
	assert.Equal(t, 200*time.Millisecond, backoff(2))
	assert.Equal(t, 400*time.Millisecond, backoff(3))
	assert.Equal(t, time.Second, backoff(10))
}

func TestExponentialBackoffJitterStaysInRange(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
		Jitter:          true,
	})

	for i := 0; i < 20; i++ {
		d := backoff(3)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 400*time.Millisecond)
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	var attempts []int
	err := Do(context.Background(), fastBackoff(3), func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, attempts)
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	cause := errors.New("down")
	calls := 0
	err := Do(context.Background(), fastBackoff(2), func(int) error {
		calls++
		return cause
	})

	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestDoStopsOnStopError(t *testing.T) {
	cause := errors.New("rejected")
	calls := 0
	err := Do(context.Background(), fastBackoff(5), func(int) error {
		calls++
		return Stop(cause)
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, cause, err)
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, BackoffConfig{InitialInterval: time.Hour, Multiplier: 2, MaxRetries: 3}, func(int) error {
		calls++
		cancel()
		return errors.New("transient")
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}
