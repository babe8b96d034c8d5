// Package resilience contains the fault-tracking primitives the gateway uses
// to contain misbehaving connections and flaky collaborators.
package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State represents the circuit breaker state.
type State int32

const (
	StateClosed   State = iota // Normal operation, tracking failures
	StateOpen                  // Failing fast, rejecting work
	StateHalfOpen              // Testing if the source recovered
)

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

// ErrCircuitOpen is returned or reported when the breaker rejects work.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Settings configures a CircuitBreaker.
type Settings struct {
	// Name identifies this circuit breaker for logging.
	Name string

	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures int64

	// ResetTimeout is how long the circuit stays open before transitioning to half-open.
	ResetTimeout time.Duration

	// HalfOpenMaxSuccesses is the number of successful outcomes in half-open
	// state before the circuit closes again.
	HalfOpenMaxSuccesses int64

	// OnStateChange is called when the circuit breaker changes state. The
	// message router uses this hook to tear down connections whose frame
	// processing keeps failing.
	OnStateChange func(name string, from, to State)
}

// DefaultSettings returns sensible defaults for a circuit breaker.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:                 name,
		MaxFailures:          5,
		ResetTimeout:         30 * time.Second,
		HalfOpenMaxSuccesses: 3,
	}
}

// CircuitBreaker tracks consecutive failures and trips open when a source
// keeps producing them. Unlike an RPC-wrapping breaker, outcomes are
// reported after the fact with RecordSuccess/RecordFailure because frame
// handling has already happened by the time the result is known.
type CircuitBreaker struct {
	settings Settings

	mu              sync.Mutex
	state           State
	failures        int64
	successes       int64
	lastStateChange time.Time

	// Metrics (atomic for lock-free reads)
	totalRejected  atomic.Int64
	totalSuccesses atomic.Int64
	totalFailures  atomic.Int64
}

// NewCircuitBreaker creates a new circuit breaker with the given settings.
func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	if settings.MaxFailures <= 0 {
		settings.MaxFailures = 5
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = 30 * time.Second
	}
	if settings.HalfOpenMaxSuccesses <= 0 {
		settings.HalfOpenMaxSuccesses = 3
	}

	return &CircuitBreaker{
		settings:        settings,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether new work from this source should be accepted.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		return true
	case StateOpen:
		cb.totalRejected.Add(1)
		return false
	case StateHalfOpen:
		// Allow limited probes in half-open state
		return cb.successes < cb.settings.HalfOpenMaxSuccesses
	default:
		return true
	}
}

// RecordSuccess records a successful outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.totalSuccesses.Add(1)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.settings.HalfOpenMaxSuccesses {
			cb.setState(StateClosed)
		}
	case StateOpen:
	}
}

// RecordFailure records a failed outcome.
func (cb *CircuitBreaker) RecordFailure() {
	cb.totalFailures.Add(1)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.settings.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// Any failure in half-open state reopens the circuit
		cb.setState(StateOpen)
	case StateOpen:
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.settings.Name
}

// Metrics returns a snapshot of circuit breaker statistics.
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.Lock()
	state := cb.currentState()
	failures := cb.failures
	cb.mu.Unlock()

	return Metrics{
		Name:                cb.settings.Name,
		State:               state,
		TotalRejected:       cb.totalRejected.Load(),
		TotalSuccesses:      cb.totalSuccesses.Load(),
		TotalFailures:       cb.totalFailures.Load(),
		ConsecutiveFailures: failures,
	}
}

// Metrics contains circuit breaker statistics.
type Metrics struct {
	Name                string
	State               State
	TotalRejected       int64
	TotalSuccesses      int64
	TotalFailures       int64
	ConsecutiveFailures int64
}

// currentState returns the effective state, accounting for timeout transitions.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && time.Since(cb.lastStateChange) >= cb.settings.ResetTimeout {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

// setState transitions to a new state.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.failures = 0
	cb.successes = 0
	cb.lastStateChange = time.Now()

	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, oldState, newState)
	}
}
