package governance

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit is testing if the sink has recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures int
	// Timeout is how long the circuit stays open before a trial call.
	Timeout time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
	}
}

// CircuitBreaker stops calling a failing dependency for a while after a run
// of consecutive failures. One trial call is let through once the open
// period ends; its outcome closes or re-opens the circuit.
type CircuitBreaker struct {
	mu                  sync.Mutex
	clock               clockwork.Clock
	config              CircuitBreakerConfig
	state               CircuitBreakerState
	consecutiveFailures int
	openUntil           time.Time
	trialInFlight       bool
	lastStateChange     time.Time
}

// CircuitBreakerStats exposes the breaker state.
type CircuitBreakerStats struct {
	State               CircuitBreakerState `json:"state"`
	ConsecutiveFailures int                 `json:"consecutiveFailures"`
	LastStateChange     time.Time           `json:"lastStateChange"`
}

// NewCircuitBreaker creates a circuit breaker. A nil clock uses the real
// clock.
func NewCircuitBreaker(config CircuitBreakerConfig, clock clockwork.Clock) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CircuitBreaker{
		clock:           clock,
		config:          config,
		state:           StateClosed,
		lastStateChange: clock.Now(),
	}
}

// Execute wraps a function call with circuit breaker protection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}
	err := fn()
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	switch cb.state {
	case StateOpen:
		if now.Before(cb.openUntil) {
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen, now)
		cb.trialInFlight = true
		return nil
	case StateHalfOpen:
		if cb.trialInFlight {
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	cb.trialInFlight = false
	if err == nil {
		cb.consecutiveFailures = 0
		if cb.state != StateClosed {
			cb.transitionLocked(StateClosed, now)
		}
		return
	}

	cb.consecutiveFailures++
	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.config.MaxFailures {
		cb.openUntil = now.Add(cb.config.Timeout)
		cb.transitionLocked(StateOpen, now)
	}
}

func (cb *CircuitBreaker) transitionLocked(state CircuitBreakerState, now time.Time) {
	cb.state = state
	cb.lastStateChange = now
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		LastStateChange:     cb.lastStateChange,
	}
}
