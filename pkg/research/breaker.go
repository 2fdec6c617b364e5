package research

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned for calls to a provider whose breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState represents the state of a provider circuit breaker
type BreakerState string

const (
	// BreakerClosed lets calls through
	BreakerClosed BreakerState = "closed"
	// BreakerOpen rejects calls until the reset timeout passes
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen lets a trial call through
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker stops calling a research provider after consecutive
// failures so a dead provider costs nothing but its empty contribution.
type CircuitBreaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       BreakerState
	successes   int

	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	now              func() time.Time
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and tries again after resetTimeout
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: 1,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	default:
		if cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
			cb.state = BreakerHalfOpen
			cb.successes = 0
			return true
		}
		return false
	}
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen {
		cb.successes++
		if cb.successes < cb.successThreshold {
			return
		}
	}
	cb.state = BreakerClosed
	cb.failures = 0
	cb.successes = 0
}

// RecordFailure records a failed call
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()
	if cb.state == BreakerHalfOpen || cb.failures >= cb.failureThreshold {
		cb.state = BreakerOpen
		cb.successes = 0
	}
}

// State returns the current breaker state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = BreakerClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastFailure = time.Time{}
}
