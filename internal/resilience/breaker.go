package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by callers that refuse work because a breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Calls pass through.
	BreakerOpen                         // Calls rejected until the cooldown elapses.
	BreakerHalfOpen                     // Next call decides between closed and open.
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerSnapshot is a point-in-time copy of a breaker's state.
type BreakerSnapshot struct {
	State               BreakerState `json:"-"`
	StateName           string       `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
}

// CircuitBreaker isolates one failing source.
//
//	closed    -> open       after threshold consecutive failures
//	open      -> half-open  once cooldown has elapsed since openedAt
//	half-open -> closed     on a success
//	half-open -> open       on a failure (cooldown restarts)
type CircuitBreaker struct {
	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	threshold           int
	cooldown            time.Duration
	now                 func() time.Time
	onTransition        func(from, to BreakerState)
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerThreshold sets the consecutive failure count that opens the breaker.
func WithBreakerThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.threshold = n
		}
	}
}

// WithBreakerCooldown sets how long the breaker stays open before half-open.
func WithBreakerCooldown(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.cooldown = d }
}

// WithBreakerClock sets a custom clock function (for testing).
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = fn }
}

// WithBreakerTransitionHook is called, with the lock held, on every state change.
func WithBreakerTransitionHook(fn func(from, to BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onTransition = fn }
}

// NewCircuitBreaker creates a breaker: 5 failures to open, 60s cooldown.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:     BreakerClosed,
		threshold: 5,
		cooldown:  60 * time.Second,
		now:       time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state != BreakerOpen
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	if cb.state == BreakerHalfOpen {
		cb.transition(BreakerClosed)
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures++
	switch cb.state {
	case BreakerClosed:
		if cb.consecutiveFailures >= cb.threshold {
			cb.openedAt = cb.now()
			cb.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.openedAt = cb.now()
		cb.transition(BreakerOpen)
	case BreakerOpen:
		// A call admitted before the breaker opened finished late.
	}
}

// Snapshot returns a copy of the breaker state.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return BreakerSnapshot{
		State:               cb.state,
		StateName:           cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		OpenedAt:            cb.openedAt,
	}
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.openedAt = time.Time{}
	cb.transition(BreakerClosed)
}

// maybeHalfOpen moves an open breaker to half-open once the cooldown has elapsed.
// Must be called with mu held.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.transition(BreakerHalfOpen)
	}
}

// Must be called with mu held.
func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onTransition != nil {
		cb.onTransition(from, to)
	}
}
