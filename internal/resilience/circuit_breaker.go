package resilience

import (
	"errors"
	"sync"
	"time"
)

// State is one of the three circuit-breaker states.
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
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// CircuitBreakerConfig tunes the trip/recovery thresholds.
type CircuitBreakerConfig struct {
	MaxFailures int
	Timeout     time.Duration
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig trips after 5 consecutive failures and
// probes again after 30s, matching a printer that has gone offline
// mid-farm-run rather than a single flaky request.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMax: 3}
}

// CircuitBreaker wraps an unreliable dependency (a printer's HTTP API,
// a payment provider) so repeated failures stop generating load and a
// printer that has gone dark is not kept at the top of scheduling
// candidates purely because its last score was good.
type CircuitBreaker struct {
	mu           sync.Mutex
	cfg          CircuitBreakerConfig
	state        State
	failures     int
	halfOpenReqs int
	lastFailure  time.Time
}

// New creates a CircuitBreaker, defaulting any zero-valued field.
func New(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err == nil)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.cfg.Timeout {
			cb.state = StateHalfOpen
			cb.halfOpenReqs = 0
		} else {
			return ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		if cb.halfOpenReqs >= cb.cfg.HalfOpenMax {
			return ErrTooManyRequests
		}
		cb.halfOpenReqs++
	}
	return nil
}

func (cb *CircuitBreaker) after(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
		}
		cb.failures = 0
		return
	}

	cb.failures++
	cb.lastFailure = time.Now()
	if cb.state == StateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
		cb.state = StateOpen
	}
}
