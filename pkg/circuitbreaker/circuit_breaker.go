// Package circuitbreaker stops calling an unhealthy dependency for a while
// after repeated failures.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// timeNow is replaced in tests.
//
//nolint:gochecknoglobals
var timeNow = time.Now

// SetTimeNow replaces the clock of the package and returns a function
// restoring it. Only meant for tests.
func SetTimeNow(f func() time.Time) func() {
	original := timeNow
	timeNow = f

	return func() { timeNow = original }
}

const (
	// DefaultThreshold is the number of consecutive failures opening the circuit.
	DefaultThreshold = 5

	// DefaultTimeout is how long an open circuit rejects calls.
	DefaultTimeout = 1 * time.Minute
)

// ErrOpen is returned by Do while the circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

// State of a CircuitBreaker.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects calls until the timeout elapsed.
	StateOpen
	// StateHalfOpen lets a single probe call through.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker counts consecutive failures and opens once threshold is
// reached. It is safe for concurrent use.
type CircuitBreaker struct {
	mu sync.Mutex

	failureCount int
	threshold    int
	timeout      time.Duration
	openedAt     time.Time
}

// New returns a closed CircuitBreaker. Non-positive values select the defaults.
func New(threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
	}
}

// Do calls fn unless the circuit is open and records its outcome.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if !cb.AllowRequest() {
		return ErrOpen
	}

	if err := fn(); err != nil {
		cb.RecordFailure()

		return err
	}

	cb.RecordSuccess()

	return nil
}

// RecordFailure counts a failure and opens the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++

	if cb.failureCount >= cb.threshold {
		cb.openedAt = timeNow()
	}
}

// RecordSuccess closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.openedAt = time.Time{}
}

// AllowRequest reports whether a call may go through. Once the timeout of an
// open circuit elapsed, exactly one caller is let through per timeout period;
// the failure count is kept so a failing probe reopens the circuit at once.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.openedAt.IsZero() {
		return true
	}

	if timeNow().Sub(cb.openedAt) >= cb.timeout {
		cb.openedAt = timeNow()

		return true
	}

	return false
}

// IsOpen reports whether calls are currently rejected or probing.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() != StateClosed
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.openedAt.IsZero() {
		return StateClosed
	}

	if timeNow().Sub(cb.openedAt) >= cb.timeout {
		return StateHalfOpen
	}

	return StateOpen
}

// ForceOpen opens the circuit regardless of the failure count.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = cb.threshold
	cb.openedAt = timeNow()
}
