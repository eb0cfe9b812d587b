package classify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRetrier(cfg RetryConfig) *Retrier {
	return NewRetrier(cfg, zap.NewNop())
}

func TestRetrierSucceedsAfterTransientFailures(t *testing.T) {
	r := testRetrier(RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		BackoffMultiplier: 2.0,
	})

	calls := 0
	retries, err := r.Do(context.Background(), "write", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("request timed out")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}

func TestRetrierStopsOnNonRetryable(t *testing.T) {
	r := testRetrier(RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2.0})

	calls := 0
	retries, err := r.Do(context.Background(), "write", func(ctx context.Context) error {
		calls++
		return &statusError{status: 403, msg: "forbidden"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, retries)
}

func TestRetrierExhaustsAttempts(t *testing.T) {
	r := testRetrier(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2.0})

	calls := 0
	_, err := r.Do(context.Background(), "fetch", func(ctx context.Context) error {
		calls++
		return errors.New("connection reset")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
}

func TestRetrierHonorsContextCancellation(t *testing.T) {
	r := testRetrier(RetryConfig{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiplier: 2.0})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := r.Do(ctx, "fetch", func(ctx context.Context) error {
		return errors.New("network unreachable")
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelayRateLimitFloor(t *testing.T) {
	r := testRetrier(RetryConfig{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, BackoffMultiplier: 2.0})

	// The floor must hold for every attempt, including the first
	for attempt := 1; attempt <= 5; attempt++ {
		d := r.Delay(attempt, CategoryRateLimit)
		assert.GreaterOrEqual(t, d, 5*time.Second, "attempt %d", attempt)
	}
}

func TestDelayCappedAtMaxForOtherCategories(t *testing.T) {
	r := testRetrier(RetryConfig{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 4 * time.Second, BackoffMultiplier: 3.0})

	for attempt := 1; attempt <= 10; attempt++ {
		for _, cat := range []Category{CategoryNetwork, CategoryTimeout, CategoryServer, CategoryAuth} {
			d := r.Delay(attempt, cat)
			assert.LessOrEqual(t, d, 4*time.Second, "attempt %d category %s", attempt, cat)
		}
	}
}

func TestDelayGrowsExponentially(t *testing.T) {
	r := testRetrier(RetryConfig{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Hour, BackoffMultiplier: 2.0})

	d1 := r.Delay(1, CategoryNetwork)
	d3 := r.Delay(3, CategoryNetwork)

	// Jitter adds at most 10%, so attempt 3 (4x base) always exceeds attempt 1
	assert.Greater(t, d3, d1)
	assert.GreaterOrEqual(t, d1, 100*time.Millisecond)
	assert.LessOrEqual(t, d1, 110*time.Millisecond)
	assert.GreaterOrEqual(t, d3, 400*time.Millisecond)
	assert.LessOrEqual(t, d3, 440*time.Millisecond)
}
