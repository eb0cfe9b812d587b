package classify

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// rateLimitMinDelay is the floor applied to retry delays after a rate-limit
// response, regardless of the computed backoff
const rateLimitMinDelay = 5 * time.Second

// RetryConfig defines retry behavior
type RetryConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig provides sensible defaults
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:       3,
	BaseDelay:         500 * time.Millisecond,
	MaxDelay:          30 * time.Second,
	BackoffMultiplier: 2.0,
}

// Retrier executes operations with classified retry and exponential backoff
type Retrier struct {
	cfg    RetryConfig
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetrier creates a retrier with the given configuration
func NewRetrier(cfg RetryConfig, logger *zap.Logger) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetryConfig.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryConfig.MaxDelay
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = DefaultRetryConfig.BackoffMultiplier
	}
	return &Retrier{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs fn, retrying retryable failures with backoff. It returns the number
// of retries consumed (0 when the first attempt succeeds) and the last error
// when all attempts fail. Non-retryable errors stop the loop immediately.
func (r *Retrier) Do(ctx context.Context, name string, fn func(ctx context.Context) error) (int, error) {
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return attempt - 1, nil
		}
		lastErr = err

		c := Classify(err)
		if !c.Retryable {
			r.logger.Debug("Not retrying",
				zap.String("operation", name),
				zap.String("category", string(c.Category)),
				zap.Error(err),
			)
			return attempt - 1, err
		}

		if attempt == r.cfg.MaxAttempts {
			break
		}

		delay := r.Delay(attempt, c.Category)
		r.logger.Warn("Attempt failed, backing off",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("category", string(c.Category)),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(delay):
		}
	}

	return r.cfg.MaxAttempts - 1, fmt.Errorf("failed after %d attempts: %w", r.cfg.MaxAttempts, lastErr)
}

// Delay computes the backoff for a given attempt (1-based) and category:
// baseDelay x multiplier^(attempt-1) with up to 10% jitter, floored at
// rateLimitMinDelay for rate-limit errors and capped at MaxDelay otherwise.
func (r *Retrier) Delay(attempt int, category Category) time.Duration {
	d := float64(r.cfg.BaseDelay) * math.Pow(r.cfg.BackoffMultiplier, float64(attempt-1))

	r.mu.Lock()
	d += d * 0.1 * r.rng.Float64()
	r.mu.Unlock()

	delay := time.Duration(d)
	if category == CategoryRateLimit {
		if delay < rateLimitMinDelay {
			delay = rateLimitMinDelay
		}
		return delay
	}
	if delay > r.cfg.MaxDelay {
		delay = r.cfg.MaxDelay
	}
	return delay
}
