package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

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
	}
	return "unknown"
}

type CircuitBreaker struct {
	maxFailures     int
	resetTimeout    time.Duration
	failureCount    int
	lastFailureTime time.Time
	state           State
	probing         bool
	// countable decides whether an error from fn counts as a failure.
	// Client errors such as a rejected refund should not trip the breaker.
	countable func(error) bool
	mu        sync.Mutex
}

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

type Option func(*CircuitBreaker)

// WithFailureFilter limits which errors count toward opening the circuit.
func WithFailureFilter(fn func(error) bool) Option {
	return func(cb *CircuitBreaker) {
		cb.countable = fn
	}
}

func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		countable:    func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the circuit is open. The lock is not held while fn
// runs, so concurrent callers do not serialize on a slow dependency. While
// half-open only one probe call is let through.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := cb.before()
	if err != nil {
		return err
	}

	err = fn()
	cb.after(err, probe)
	return err
}

// before admits a call and reports whether it is the half-open probe.
func (cb *CircuitBreaker) before() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Check if we should transition from Open to HalfOpen
	if cb.state == StateOpen {
		if time.Since(cb.lastFailureTime) <= cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.failureCount = 0
	}
	if cb.state == StateHalfOpen {
		if cb.probing {
			return false, ErrCircuitOpen
		}
		cb.probing = true
		return true, nil
	}
	return false, nil
}

// after records the result of a call. Only the probe decides a half-open
// circuit; calls admitted earlier while closed cannot close or reopen it.
func (cb *CircuitBreaker) after(err error, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probing = false
	}

	if err != nil && cb.countable(err) {
		if probe {
			cb.state = StateOpen
			cb.lastFailureTime = time.Now()
			return
		}
		if cb.state != StateClosed {
			return
		}
		cb.failureCount++
		cb.lastFailureTime = time.Now()
		if cb.failureCount >= cb.maxFailures {
			cb.state = StateOpen
		}
		return
	}

	if probe || cb.state == StateClosed {
		cb.state = StateClosed
		cb.failureCount = 0
	}
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
