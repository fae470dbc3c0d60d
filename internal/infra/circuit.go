package infra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Circuit breaker states
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// ErrCircuitOpen is the sentinel matched by errors.Is for any rejection
// issued by an open or saturated breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError is returned when a call is rejected without being
// attempted. RetryAfter is how long until the breaker will admit a probe;
// zero when the breaker is already probing at capacity.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker %s is open, retry in %s", e.Name, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker %s is open", e.Name)
}

// Is lets errors.Is(err, ErrCircuitOpen) match rejections.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies this circuit breaker.
	Name string

	// FailureThreshold is the number of failures before opening.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before admitting
	// probe calls.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls caps concurrent probe calls while half-open.
	HalfOpenMaxCalls int

	// MinimumCalls is the call volume required before failures can open a
	// closed circuit.
	MinimumCalls int

	// OnStateChange is called when the circuit state changes.
	OnStateChange func(name, from, to string)
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 2
	}
	if c.MinimumCalls <= 0 {
		c.MinimumCalls = 3
	}
}

// CircuitBreaker guards calls to one dependency. Closed circuits count
// failures and open once both the volume and failure thresholds are met;
// open circuits reject until the recovery timeout elapses, then admit a
// bounded number of probes; one probe success closes the circuit, one probe
// failure re-opens it.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu               sync.Mutex
	state            string
	failureCount     int
	callCount        int
	halfOpenInflight int
	openedAt         time.Time
	lastStateChange  time.Time
}

// NewCircuitBreaker creates a circuit breaker, filling zero config fields
// with the defaults.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	config.applyDefaults()
	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn under the breaker. Rejections return a *CircuitOpenError
// without invoking fn; otherwise fn's error is recorded and returned.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

// ExecuteWithResult runs a value-returning fn under the breaker.
func ExecuteWithResult[T any](cb *CircuitBreaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.admit(); err != nil {
		return zero, err
	}
	result, err := fn(ctx)
	cb.record(err)
	return result, err
}

// admit decides whether a call may proceed and performs any state
// transition due before it. The guard is released before fn runs.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		elapsed := time.Since(cb.openedAt)
		if elapsed < cb.config.RecoveryTimeout {
			return &CircuitOpenError{
				Name:       cb.config.Name,
				RetryAfter: cb.config.RecoveryTimeout - elapsed,
			}
		}
		cb.transitionTo(CircuitHalfOpen)
	}

	if cb.state == CircuitHalfOpen {
		if cb.halfOpenInflight >= cb.config.HalfOpenMaxCalls {
			return &CircuitOpenError{Name: cb.config.Name}
		}
		cb.halfOpenInflight++
	}

	cb.callCount++
	return nil
}

// record applies a call outcome to the state machine.
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.state == CircuitHalfOpen {
			cb.transitionTo(CircuitClosed)
			return
		}
		cb.failureCount = 0
		return
	}

	cb.failureCount++
	switch cb.state {
	case CircuitHalfOpen:
		cb.openedAt = time.Now()
		cb.transitionTo(CircuitOpen)
	case CircuitClosed:
		if cb.callCount >= cb.config.MinimumCalls && cb.failureCount >= cb.config.FailureThreshold {
			cb.openedAt = time.Now()
			cb.transitionTo(CircuitOpen)
		}
	}
}

// transitionTo changes state and resets per-state counters. Callers hold
// the guard.
func (cb *CircuitBreaker) transitionTo(newState string) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()
	cb.halfOpenInflight = 0
	if newState == CircuitClosed {
		cb.failureCount = 0
		cb.callCount = 0
	}

	if cb.config.OnStateChange != nil && oldState != newState {
		// Called asynchronously to keep the guard short.
		go cb.config.OnStateChange(cb.config.Name, oldState, newState)
	}
}

// State returns the current state without triggering transitions.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitSnapshot is a point-in-time view of one breaker.
type CircuitSnapshot struct {
	Name             string  `json:"name"`
	State            string  `json:"state"`
	FailureCount     int     `json:"failure_count"`
	CallCount        int     `json:"call_count"`
	ElapsedOpenSecs  float64 `json:"elapsed_open_s"`
	FailureThreshold int     `json:"failure_threshold"`
	RecoveryTimeout  string  `json:"recovery_timeout"`
	HalfOpenMaxCalls int     `json:"half_open_max_calls"`
	MinimumCalls     int     `json:"minimum_calls"`
}

// Snapshot returns the breaker's current counters and config.
func (cb *CircuitBreaker) Snapshot() CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := CircuitSnapshot{
		Name:             cb.config.Name,
		State:            cb.state,
		FailureCount:     cb.failureCount,
		CallCount:        cb.callCount,
		FailureThreshold: cb.config.FailureThreshold,
		RecoveryTimeout:  cb.config.RecoveryTimeout.String(),
		HalfOpenMaxCalls: cb.config.HalfOpenMaxCalls,
		MinimumCalls:     cb.config.MinimumCalls,
	}
	if cb.state == CircuitOpen {
		snap.ElapsedOpenSecs = time.Since(cb.openedAt).Seconds()
	}
	return snap
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.callCount = 0
	cb.halfOpenInflight = 0
	cb.lastStateChange = time.Now()
}

// CircuitBreakerRegistry hands out named breaker singletons. Per-name
// config overrides take precedence over the registry defaults.
type CircuitBreakerRegistry struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	defaults  CircuitBreakerConfig
	overrides map[string]CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a registry. overrides may be nil.
func NewCircuitBreakerRegistry(defaults CircuitBreakerConfig, overrides map[string]CircuitBreakerConfig) *CircuitBreakerRegistry {
	defaults.applyDefaults()
	return &CircuitBreakerRegistry{
		breakers:  make(map[string]*CircuitBreaker),
		defaults:  defaults,
		overrides: overrides,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()

	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config := r.defaults
	if override, ok := r.overrides[name]; ok {
		override.applyDefaults()
		override.OnStateChange = r.defaults.OnStateChange
		config = override
	}
	config.Name = name
	cb = NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// Snapshots returns the state of every instantiated breaker.
func (r *CircuitBreakerRegistry) Snapshots() []CircuitSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]CircuitSnapshot, 0, len(r.breakers))
	for _, cb := range r.breakers {
		snaps = append(snaps, cb.Snapshot())
	}
	return snaps
}

// OpenCircuits returns the names of all currently open breakers.
func (r *CircuitBreakerRegistry) OpenCircuits() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open []string
	for name, cb := range r.breakers {
		if cb.State() == CircuitOpen {
			open = append(open, name)
		}
	}
	return open
}

// ResetAll forces every breaker closed.
func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
