package polybase

import (
	"context"
	"sync"
	"time"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// CircuitBreaker fails fast when a vendor dependency is unavailable.
//
// States:
//   - Closed: requests pass through
//   - Open: requests fail with ErrBackendUnavailable without calling the dependency
//   - Half-Open: one probe is allowed through; success closes, failure reopens
//
// Only errors for which the classifier returns true count as failures. By default
// that is IsRetryable, so ErrNotFound or validation errors never trip the breaker.
type CircuitBreaker struct {
	mu            sync.RWMutex
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	failures      int
	lastFailTime  time.Time
	state         CircuitState
	probing       bool
	classify      func(error) bool
	onStateChange func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a circuit breaker.
//
//	cb := NewCircuitBreaker("dynamodb", 5, 30*time.Second)
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    _, err := client.GetItem(ctx, input)
//	    return mapError(err)
//	})
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
		classify:     IsRetryable,
	}
}

// WithStateChangeCallback adds a callback for state transitions.
func (cb *CircuitBreaker) WithStateChangeCallback(fn func(name string, from, to CircuitState)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// WithMetrics reports the state as a gauge (0 closed, 1 half-open, 2 open).
func (cb *CircuitBreaker) WithMetrics(m Metrics) *CircuitBreaker {
	m = orNoOpMetrics(m)
	prev := cb.onStateChange
	cb.onStateChange = func(name string, from, to CircuitState) {
		m.Gauge(MetricCircuitState, circuitGauge(to), "breaker", name)
		if prev != nil {
			prev(name, from, to)
		}
	}
	return cb
}

// WithClassifier overrides which errors count as failures.
func (cb *CircuitBreaker) WithClassifier(fn func(error) bool) *CircuitBreaker {
	cb.classify = fn
	return cb
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.allow() {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"breaker": cb.name,
			"reason":  "circuit breaker is open",
		})
	}

	err := fn(ctx)
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailTime) > cb.resetTimeout {
			cb.setState(CircuitHalfOpen)
			cb.probing = true
			return true
		}
		return false
	case CircuitHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	if err != nil && cb.classify(err) {
		cb.failures++
		cb.lastFailTime = time.Now()

		if cb.state == CircuitHalfOpen || (cb.failures >= cb.maxFailures && cb.state != CircuitOpen) {
			cb.setState(CircuitOpen)
		}
		return
	}

	if cb.state == CircuitHalfOpen {
		cb.setState(CircuitClosed)
	}
	cb.failures = 0
}

func (cb *CircuitBreaker) setState(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, oldState, newState)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probing = false
	cb.setState(CircuitClosed)
}

// Failures returns the current failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

func circuitGauge(s CircuitState) float64 {
	switch s {
	case CircuitOpen:
		return 2
	case CircuitHalfOpen:
		return 1
	}
	return 0
}
