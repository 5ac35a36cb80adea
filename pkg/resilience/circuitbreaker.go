package resilience

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed allows all requests through
	StateClosed State = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen lets one probe through to test recovery
	StateHalfOpen
)

// String returns the string representation of the state
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

// ErrCircuitBreakerOpen is returned when the circuit breaker is open
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreakerOption customizes a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithNow overrides the time source used to decide when an open circuit may probe again.
func WithNow(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// WithStateChange registers a callback invoked after every transition, outside the lock.
func WithStateChange(fn func(from, to State)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// CircuitBreaker stops calling a failing dependency after maxFailures consecutive
// failures and probes it again once resetTimeout has elapsed.
type CircuitBreaker struct {
	maxFailures   int
	resetTimeout  time.Duration
	now           func() time.Time
	onStateChange func(from, to State)

	mu           sync.Mutex
	state        State
	failures     int
	lastFailTime time.Time
}

// NewCircuitBreaker creates a closed circuit breaker. maxFailures < 1 is treated as 1.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, opts ...CircuitBreakerOption) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	cb := &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		state:        StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn if the circuit allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitBreakerOpen
	}

	if err := fn(); err != nil {
		cb.record(false)
		return err
	}
	cb.record(true)
	return nil
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	from := cb.state
	allowed := true
	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailTime) > cb.resetTimeout {
			cb.state = StateHalfOpen
		} else {
			allowed = false
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return allowed
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	from := cb.state
	if success {
		cb.failures = 0
		cb.state = StateClosed
	} else {
		cb.lastFailTime = cb.now()
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = StateOpen
			cb.failures = 0
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetFailures returns the consecutive failure count while closed.
func (cb *CircuitBreaker) GetFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
