package engine

import (
	"sync"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // queue is polled normally
	CircuitOpen                         // queue is skipped
	CircuitHalfOpen                     // one probe batch allowed
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// EventType is the execution event recorded when a breaker enters s.
func (s CircuitState) EventType() string {
	switch s {
	case CircuitOpen:
		return schema.EventCircuitBreakerOpen
	case CircuitHalfOpen:
		return schema.EventCircuitBreakerHalfOpen
	default:
		return schema.EventCircuitBreakerClosed
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive Start/Execute errors that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is let through.
	Cooldown time.Duration
	// HalfOpenMax is the number of probes allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns a sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// StateChangeFunc observes breaker transitions. It is called without locks held.
type StateChangeFunc func(taskType string, from, to CircuitState)

// circuitBreaker tracks failure state for a single system task type.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry keeps one breaker per system task type.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
	onChange StateChangeFunc
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// OnStateChange registers fn to observe transitions. Call before use.
func (r *CircuitBreakerRegistry) OnStateChange(fn StateChangeFunc) {
	r.onChange = fn
}

// AllowRequest returns nil if taskType's queue may be polled, or a CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(taskType string) error {
	cb := r.getOrCreate(taskType)
	cb.mu.Lock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			cb.mu.Unlock()
			r.notify(taskType, CircuitOpen, CircuitHalfOpen)
			return nil
		}
		failures := cb.consecutiveFailures
		cb.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for task type %q: %d consecutive failures", taskType, failures).
			WithDetails(map[string]any{
				"task_type":            taskType,
				"consecutive_failures": failures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			cb.mu.Unlock()
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for task type %q: probe in flight", taskType)
		}
		cb.halfOpenAttempts++
	}
	cb.mu.Unlock()
	return nil
}

// RecordSuccess closes the circuit for taskType.
func (r *CircuitBreakerRegistry) RecordSuccess(taskType string) {
	cb := r.getOrCreate(taskType)
	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
	cb.mu.Unlock()

	if from != CircuitClosed {
		r.notify(taskType, from, CircuitClosed)
	}
}

// RecordFailure counts an error for taskType and returns the resulting state.
// Any failure while half-open reopens the circuit.
func (r *CircuitBreakerRegistry) RecordFailure(taskType string) CircuitState {
	cb := r.getOrCreate(taskType)
	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		r.notify(taskType, from, to)
	}
	return to
}

// GetState returns the current state of the circuit for taskType.
func (r *CircuitBreakerRegistry) GetState(taskType string) CircuitState {
	cb := r.getOrCreate(taskType)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

// GetStats returns diagnostic information about a circuit breaker.
func (r *CircuitBreakerRegistry) GetStats(taskType string) map[string]any {
	state := r.GetState(taskType)
	cb := r.getOrCreate(taskType)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"task_type":            taskType,
		"state":                state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) notify(taskType string, from, to CircuitState) {
	if r.onChange != nil {
		r.onChange(taskType, from, to)
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(taskType string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[taskType]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[taskType] = cb
	}
	return cb
}
