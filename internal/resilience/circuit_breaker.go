package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Call while the breaker rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Requests fail immediately
	StateHalfOpen                     // One probe request is allowed through
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker stops hammering a dependency that keeps failing. After
// maxFailures consecutive failures it opens for resetTimeout, then lets a
// single probe through; the probe's result closes or re-opens it.
// A breaker with maxFailures <= 0 never opens.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mu            sync.Mutex
	state         CircuitState
	failures      int
	openedAt      time.Time
	probing       bool
	requests      int64
	totalFailures int64
	onChange      func(name string, state CircuitState)
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		state:        StateClosed,
	}
}

// Name returns the protected service name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// OnStateChange registers a callback invoked (outside the lock) on every
// state transition.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, state CircuitState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Call executes fn unless the circuit is open, and records its result
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) allow() error {
	if cb.maxFailures <= 0 {
		return nil
	}

	cb.mu.Lock()
	var notify func(string, CircuitState)
	defer func() {
		cb.mu.Unlock()
		if notify != nil {
			notify(cb.name, StateHalfOpen)
		}
	}()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probing = true
		notify = cb.onChange
		return nil
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) record(success bool) {
	if cb.maxFailures <= 0 {
		return
	}

	cb.mu.Lock()
	prev := cb.state
	cb.requests++

	if success {
		cb.failures = 0
		cb.state = StateClosed
	} else {
		cb.totalFailures++
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = StateOpen
			cb.openedAt = cb.now()
		}
	}
	cb.probing = false

	next, notify := cb.state, cb.onChange
	cb.mu.Unlock()

	if notify != nil && next != prev {
		notify(cb.name, next)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns request and failure totals
func (cb *CircuitBreaker) Stats() (requests, failures int64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.requests, cb.totalFailures
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probing = false
	cb.mu.Unlock()
}
