// Package circuitbreaker guards outbound collaborators (relay, notifier)
// against hammering an endpoint that is failing.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

type Settings struct {
	Name string
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// MaxRequests bounds concurrent probes while half-open.
	MaxRequests int
	// IsFailure decides whether an error counts against the endpoint.
	// Defaults to err != nil.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

type CircuitBreaker struct {
	settings Settings

	mu        sync.Mutex
	state     State
	failures  int
	inFlight  int
	openUntil time.Time
}

func NewCircuitBreaker(st Settings) *CircuitBreaker {
	if st.Name == "" {
		st.Name = "circuit-breaker"
	}
	if st.Threshold <= 0 {
		st.Threshold = 5
	}
	if st.Timeout <= 0 {
		st.Timeout = 30 * time.Second
	}
	if st.MaxRequests <= 0 {
		st.MaxRequests = 1
	}
	if st.IsFailure == nil {
		st.IsFailure = func(err error) bool { return err != nil }
	}
	if st.Now == nil {
		st.Now = time.Now
	}
	return &CircuitBreaker{settings: st}
}

func (cb *CircuitBreaker) Name() string {
	return cb.settings.Name
}

// State returns the current state, moving OPEN to HALF_OPEN once the timeout passed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh()
	return cb.state
}

// Execute runs fn unless the breaker rejects the call.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(cb.settings.IsFailure(err))
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh()

	switch cb.state {
	case StateOpen:
		return ErrCircuitBreakerOpen
	case StateHalfOpen:
		if cb.inFlight >= cb.settings.MaxRequests {
			return ErrTooManyRequests
		}
	}
	cb.inFlight++
	return nil
}

func (cb *CircuitBreaker) after(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.inFlight--

	if !failed {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
		}
		return
	}

	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.settings.Threshold {
		cb.openUntil = cb.settings.Now().Add(cb.settings.Timeout)
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) refresh() {
	if cb.state == StateOpen && !cb.settings.Now().Before(cb.openUntil) {
		cb.transition(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	if to != StateOpen {
		cb.failures = 0
	}
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, from, to)
	}
}
