// Package circuitbreaker provides a generic closed/open/half-open breaker
// around any fallible operation. It is used by the Backfill Worker to back
// off a persistently failing page fetch; the upstream adapters do not use it.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State is one of the three circuit states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute when the circuit is open and the call is
// rejected without being attempted.
var ErrOpen = errors.New("circuit breaker open")

// CircuitBreaker trips open after maxFailures consecutive failures and
// probes a single half-open call after resetTimeout elapses.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	maxFailures  int
	resetTimeout time.Duration
	lastFailure  time.Time

	// OnStateChange, if set, is invoked on every transition.
	OnStateChange func(from, to State)
}

// New creates a CircuitBreaker. maxFailures and resetTimeout must be > 0.
func New(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
	}
}

// Execute runs fn if the circuit allows it, and records the outcome.
// Returns ErrOpen without calling fn when the circuit is open and the reset
// timeout has not yet elapsed.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.state == StateOpen {
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrOpen
		}
		cb.transitionLocked(StateHalfOpen)
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.transitionLocked(StateOpen)
		}
		return err
	}

	cb.failures = 0
	if cb.state != StateClosed {
		cb.transitionLocked(StateClosed)
	}
	return nil
}

// CurrentState returns the breaker's current state.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	cb.state = to
	if to == StateOpen {
		cb.lastFailure = time.Now()
	}
	if from != to && cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
