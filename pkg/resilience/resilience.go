// Package resilience provides fault-tolerance primitives for remote I/O.
package resilience

import (
	"context"
	stderrors "errors"
	"math/rand"
	"sync"
	"time"

	"github.com/trialflow/trialflow/pkg/errors"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = stderrors.New("circuit breaker is open")

// CircuitBreaker stops calling a failing backend for a cooldown period
// after too many consecutive failures.
type CircuitBreaker struct {
	mu sync.Mutex

	// Configuration
	maxFailures    int
	cooldownPeriod time.Duration

	// State
	state    CircuitState
	failures int
	tripTime time.Time
	now      func() time.Time

	// Callbacks
	OnTrip  func(failures int)
	OnReset func()
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Rejecting requests
	CircuitHalfOpen                     // Testing if the backend recovered
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// NewCircuitBreaker creates a circuit breaker with sensible defaults.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:    5,
		cooldownPeriod: 30 * time.Second,
		state:          CircuitClosed,
		now:            time.Now,
	}
}

// WithMaxFailures sets the consecutive failures that trip the breaker.
func (cb *CircuitBreaker) WithMaxFailures(n int) *CircuitBreaker {
	cb.maxFailures = n
	return cb
}

// WithCooldown sets the cooldown period after tripping.
func (cb *CircuitBreaker) WithCooldown(d time.Duration) *CircuitBreaker {
	cb.cooldownPeriod = d
	return cb
}

// Allow checks if an operation should be allowed. After the cooldown one
// trial call is let through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.tripTime) >= cb.cooldownPeriod {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen:
		// Only the probe is in flight.
		return false
	default:
		return true
	}
}

// Record reports the outcome of an allowed operation.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.state != CircuitClosed && cb.OnReset != nil {
			go cb.OnReset()
		}
		cb.state = CircuitClosed
		cb.failures = 0
		return
	}

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
		cb.state = CircuitOpen
		cb.tripTime = cb.now()
		if cb.OnTrip != nil {
			go cb.OnTrip(cb.failures)
		}
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RetryPolicy controls Retry.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides whether an error is worth another attempt.
	// Nil retries everything except configuration and context errors.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns three attempts with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

func (p RetryPolicy) retryable(err error) bool {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if stderrors.Is(err, ErrCircuitOpen) || errors.IsConfig(err) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// backoff returns the delay before attempt n (1-based), with jitter.
func (p RetryPolicy) backoff(n int) time.Duration {
	d := p.BaseDelay << (n - 1)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// Retry calls fn until it succeeds, fails with a non-retryable error or
// the attempts are used up. A nil breaker is allowed.
func Retry(ctx context.Context, p RetryPolicy, cb *CircuitBreaker, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for n := 1; n <= attempts; n++ {
		if cb != nil && !cb.Allow() {
			return ErrCircuitOpen
		}
		err = fn(ctx)
		if cb != nil {
			cb.Record(err)
		}
		if err == nil || !p.retryable(err) || n == attempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff(n)):
		}
	}
	return err
}
