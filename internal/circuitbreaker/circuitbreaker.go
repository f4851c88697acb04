// Package circuitbreaker isolates failing dependencies (channel sends,
// store calls) so they fail fast instead of starving the dispatch loop.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/metrics"
)

// State represents the current state of the circuit breaker.
//
// State transitions:
//
//	Closed -> Open:      consecutive failures >= ErrorThreshold, or the
//	                     rolling error rate trips past ErrorRate once
//	                     VolumeThreshold requests have been seen
//	Open -> HalfOpen:    after ResetTimeout expires
//	HalfOpen -> Closed:  SuccessThreshold consecutive probe successes
//	HalfOpen -> Open:    a single probe failure
type State int

const (
	StateClosed   State = iota // Normal operation - requests pass through
	StateOpen                  // Circuit tripped - requests fail fast
	StateHalfOpen              // Recovery probes - limited requests allowed
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

// ErrCircuitOpen is returned when the circuit breaker is open and
// requests are being rejected to protect the downstream dependency.
// Rejections never count as failures against the breaker itself.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrCallTimeout marks a wrapped call that exceeded the per-call
// timeout; it counts as a failure for breaker accounting.
var ErrCallTimeout = errors.New("call exceeded circuit breaker timeout")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name identifies the protected dependency (e.g. "email", "store").
	Name string

	// ErrorThreshold is the number of consecutive failures that opens
	// the circuit regardless of traffic volume.
	ErrorThreshold int

	// VolumeThreshold is the minimum request count before the rolling
	// error rate is considered at all.
	VolumeThreshold int

	// ErrorRate opens the circuit when failures/requests*100 reaches
	// this percentage and VolumeThreshold is met.
	ErrorRate float64

	// ResetTimeout is how long to wait in Open state before probing.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open
	// successes required to close the circuit.
	SuccessThreshold int

	// HalfOpenMaxRequests caps in-flight probes while half-open.
	HalfOpenMaxRequests int

	// Timeout bounds each wrapped call. A call exceeding it is a
	// failure for breaker accounting.
	Timeout time.Duration
}

// DefaultConfig returns defaults suitable for channel dispatchers.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		ErrorThreshold:      5,
		VolumeThreshold:     10,
		ErrorRate:           50,
		ResetTimeout:        30 * time.Second,
		SuccessThreshold:    2,
		HalfOpenMaxRequests: 1,
		Timeout:             10 * time.Second,
	}
}

// Observer is notified of state transitions. Observers run inline
// under the breaker lock and must return quickly.
type Observer func(name string, from, to State)

// CircuitBreaker guards one named dependency. Counters are mutated
// only by the owning breaker under its lock.
type CircuitBreaker struct {
	mu     sync.RWMutex
	config Config
	logger *zap.Logger

	state                State
	requests             int64
	failures             int64
	successes            int64
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureTime      time.Time
	lastSuccessTime      time.Time
	lastStateChange      time.Time
	halfOpenRequests     int
	totalRejected        int64

	observers []Observer
}

// New creates a CircuitBreaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 5
	}
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = 10
	}
	if cfg.ErrorRate <= 0 {
		cfg.ErrorRate = 50
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	cb := &CircuitBreaker{
		config:          cfg,
		logger:          logger,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("error_threshold", cfg.ErrorThreshold),
		zap.Duration("reset_timeout", cfg.ResetTimeout),
		zap.Duration("call_timeout", cfg.Timeout),
	)

	return cb
}

// Name returns the protected dependency name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// OnStateChange registers an observer for state transitions.
func (cb *CircuitBreaker) OnStateChange(obs Observer) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.observers = append(cb.observers, obs)
}

// Execute runs fn through the breaker with the per-call timeout.
// Returns ErrCircuitOpen without invoking fn while the circuit is
// open, ErrCallTimeout when fn outlives the timeout, or fn's error.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		cb.logger.Debug("circuit breaker rejected call",
			zap.String("name", cb.config.Name),
			zap.String("state", cb.GetState().String()),
		)
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.config.Name)
	}

	callCtx, cancel := context.WithTimeout(ctx, cb.config.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		err = fmt.Errorf("%w: %s after %s", ErrCallTimeout, cb.config.Name, cb.config.Timeout)
	}

	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

// allow decides whether a call may proceed, advancing Open->HalfOpen
// when the reset timeout has elapsed.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.requests++
		return true

	case StateOpen:
		if time.Since(cb.lastStateChange) >= cb.config.ResetTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenRequests = 1
			cb.requests++
			return true
		}
		cb.totalRejected++
		return false

	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.HalfOpenMaxRequests {
			cb.halfOpenRequests++
			cb.requests++
			return true
		}
		cb.totalRejected++
		return false

	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	cb.consecutiveSuccesses++
	cb.consecutiveFailures = 0
	cb.lastSuccessTime = time.Now()

	if cb.state == StateHalfOpen {
		cb.halfOpenRequests = 0
		if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
			cb.resetCounters()
			cb.logger.Info("circuit breaker closed - dependency recovered",
				zap.String("name", cb.config.Name),
			)
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.consecutiveFailures++
	cb.consecutiveSuccesses = 0
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.shouldTrip() {
			cb.transitionTo(StateOpen)
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.config.Name),
				zap.Int("consecutive_failures", cb.consecutiveFailures),
				zap.Int64("requests", cb.requests),
				zap.Int64("failures", cb.failures),
			)
		}

	case StateHalfOpen:
		// Probe failed, dependency still down.
		cb.transitionTo(StateOpen)
		cb.logger.Warn("circuit breaker re-opened - probe failed",
			zap.String("name", cb.config.Name),
		)
	}
}

// shouldTrip applies both trip conditions (must hold lock).
func (cb *CircuitBreaker) shouldTrip() bool {
	if cb.consecutiveFailures >= cb.config.ErrorThreshold {
		return true
	}
	if cb.requests >= int64(cb.config.VolumeThreshold) {
		rate := float64(cb.failures) / float64(cb.requests) * 100
		if rate >= cb.config.ErrorRate {
			return true
		}
	}
	return false
}

// resetCounters clears rolling counters (must hold lock).
func (cb *CircuitBreaker) resetCounters() {
	cb.requests = 0
	cb.failures = 0
	cb.successes = 0
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenRequests = 0
}

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats is a point-in-time snapshot for monitoring/dashboards.
type Stats struct {
	Name                 string `json:"name"`
	State                string `json:"state"`
	Requests             int64  `json:"requests"`
	Failures             int64  `json:"failures"`
	Successes            int64  `json:"successes"`
	ConsecutiveFailures  int    `json:"consecutive_failures"`
	ConsecutiveSuccesses int    `json:"consecutive_successes"`
	TotalRejected        int64  `json:"total_rejected"`
	LastFailure          string `json:"last_failure,omitempty"`
	LastSuccess          string `json:"last_success,omitempty"`
	LastStateChange      string `json:"last_state_change"`
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	s := Stats{
		Name:                 cb.config.Name,
		State:                cb.state.String(),
		Requests:             cb.requests,
		Failures:             cb.failures,
		Successes:            cb.successes,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		TotalRejected:        cb.totalRejected,
		LastStateChange:      cb.lastStateChange.Format(time.RFC3339),
	}
	if !cb.lastFailureTime.IsZero() {
		s.LastFailure = cb.lastFailureTime.Format(time.RFC3339)
	}
	if !cb.lastSuccessTime.IsZero() {
		s.LastSuccess = cb.lastSuccessTime.Format(time.RFC3339)
	}
	return s
}

// Reset manually resets the circuit breaker to Closed state.
// Useful for admin/operator override.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.resetCounters()

	cb.logger.Info("circuit breaker manually reset",
		zap.String("name", cb.config.Name),
	)
}

// transitionTo changes state (must be called with lock held).
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()
	cb.halfOpenRequests = 0

	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.config.Name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)
	metrics.SetBreakerState(cb.config.Name, int(newState))

	for _, obs := range cb.observers {
		obs(cb.config.Name, oldState, newState)
	}
}

// String returns a human-readable representation.
func (cb *CircuitBreaker) String() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.consecutiveFailures, cb.config.ErrorThreshold)
}
