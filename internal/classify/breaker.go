package classify

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected without invoking the
// underlying operation
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSnapshot is a point-in-time view of the breaker for diagnostics
type BreakerSnapshot struct {
	State           BreakerState
	FailureCount    int
	LastFailureTime time.Time
	NextAttemptTime time.Time
}

// Breaker is a failure-counting circuit breaker guarding one logical channel.
// It fails fast while open and lets a single probe call through once the
// recovery timeout has elapsed.
type Breaker struct {
	mu               sync.Mutex
	failureThreshold int
	recoveryTimeout  time.Duration

	state           BreakerState
	failureCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time

	now func() time.Time
}

// NewBreaker creates a closed breaker
func NewBreaker(failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            BreakerClosed,
		now:              time.Now,
	}
}

// Execute runs fn through the breaker. While open and before the recovery
// timeout it returns ErrCircuitOpen without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn()
	b.afterCall(err)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.now().Before(b.nextAttemptTime) {
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
	}
	return nil
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state == BreakerHalfOpen {
			b.state = BreakerClosed
		}
		b.failureCount = 0
		return
	}

	b.failureCount++
	b.lastFailureTime = b.now()

	if b.state == BreakerHalfOpen || b.failureCount >= b.failureThreshold {
		b.state = BreakerOpen
		b.nextAttemptTime = b.now().Add(b.recoveryTimeout)
	}
}

// State returns the current breaker state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker internals for metrics and status reporting
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:           b.state,
		FailureCount:    b.failureCount,
		LastFailureTime: b.lastFailureTime,
		NextAttemptTime: b.nextAttemptTime,
	}
}
