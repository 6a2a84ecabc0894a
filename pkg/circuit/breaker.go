// Package circuit provides the per-instance circuit breaker gating dispatch.
package circuit

import (
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states for managing worker failure patterns.
const (
	Closed   State = iota // Normal operation
	Open                  // Failing, instance excluded from selection
	HalfOpen              // Trial traffic allowed to test recovery
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines configuration for circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	Timeout          time.Duration `json:"timeout"`           // Time to wait before trying half-open
}

// DefaultConfig provides reasonable defaults for circuit breaker behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	Timeout:          60 * time.Second,
}

// Breaker defines the interface for circuit breaker implementations.
type Breaker interface {
	// Allow reports whether a request may proceed, claiming the trial slot
	// when it does. In the open state it flips to half-open once the timeout
	// since the last failure has elapsed and admits exactly one trial per
	// timeout window; further requests are rejected until the trial's
	// outcome is recorded or its window expires.
	Allow() bool

	// CanAttempt reports whether Allow would currently admit a request,
	// without claiming anything. Selection filters use this so that listing
	// an instance as eligible does not consume its trial slot.
	CanAttempt() bool

	// Record records the result (success/failure) of a request.
	Record(success bool)

	// GetState returns the current circuit breaker state.
	GetState() State

	// Stats returns a snapshot of breaker internals for status reporting.
	Stats() Stats

	// Reset manually resets the circuit breaker to closed state.
	Reset()
}

// Stats is a read-only snapshot of a breaker's internals.
type Stats struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
}

// breaker implements the Breaker interface with state management.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type breaker struct {
	config          Config
	mu              sync.RWMutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	trialStart      time.Time
	now             func() time.Time
}

// New creates a new circuit breaker with the given configuration.
func New(config Config) Breaker {
	return NewWithNow(config, time.Now)
}

// NewWithNow creates a breaker with an injected clock so tests can step time
// instead of sleeping.
func NewWithNow(config Config, now func() time.Time) Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig.Timeout
	}
	return &breaker{
		config: config,
		state:  Closed,
		now:    now,
	}
}

// Allow checks if a request should be allowed based on current state.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true

	case Open:
		// Check if timeout has passed
		if b.now().Sub(b.lastFailureTime) >= b.config.Timeout {
			b.state = HalfOpen
			b.trialStart = b.now()
			return true
		}
		return false

	case HalfOpen:
		// One trial per window. A trial whose outcome never arrives stops
		// blocking once its window expires.
		if b.now().Sub(b.trialStart) >= b.config.Timeout {
			b.trialStart = b.now()
			return true
		}
		return false

	default:
		return false
	}
}

// CanAttempt reports whether Allow would currently admit a request.
func (b *breaker) CanAttempt() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		return b.now().Sub(b.lastFailureTime) >= b.config.Timeout
	case HalfOpen:
		return b.now().Sub(b.trialStart) >= b.config.Timeout
	default:
		return false
	}
}

// Record records the success or failure of a request.
func (b *breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

// GetState returns the current circuit breaker state.
func (b *breaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats returns a snapshot of breaker internals for status reporting.
func (b *breaker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		State:       b.state,
		Failures:    b.failureCount,
		LastFailure: b.lastFailureTime,
	}
}

// Reset manually resets the circuit breaker to closed state.
func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failureCount = 0
}

// onSuccess handles a successful request. A success from any state closes
// the circuit and clears the failure count.
func (b *breaker) onSuccess() {
	b.state = Closed
	b.failureCount = 0
}

// onFailure handles a failed request.
func (b *breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.state {
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = Open
		}

	case HalfOpen:
		// Any failure in half-open immediately reopens the circuit
		b.state = Open
	}
}
