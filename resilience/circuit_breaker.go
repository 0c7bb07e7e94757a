// Package resilience provides circuit breaker and retry helpers,
// adapted from the teacher framework's much larger resilience package
// down to a three-state breaker over a bucketed window of recent
// outcomes, plus backoff retry. The llm Gateway uses the CircuitBreaker;
// the executor does not import this package.
package resilience

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is one of the three circuit breaker states.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// bucket counts successes/failures inside one window slot.
type bucket struct {
	successes int
	failures  int
}

// CircuitBreakerConfig tunes the trip/recovery thresholds.
type CircuitBreakerConfig struct {
	// FailureThreshold is the failure ratio (0..1) within Window that
	// trips the breaker from Closed to Open, once MinRequests is met.
	FailureThreshold float64
	// MinRequests is the minimum number of requests observed in the
	// window before FailureThreshold is evaluated, avoiding a trip on a
	// single cold-start failure.
	MinRequests int
	// Window is the duration over which outcomes are counted. Once Window
	// has elapsed since counting began, every bucket is cleared at once
	// and counting restarts (a fixed window; buckets are not rotated out
	// one by one).
	Window time.Duration
	// Buckets is the number of slots Window is divided into.
	Buckets int
	// OpenTimeout is how long the breaker stays Open before probing
	// with a Half-Open trial request.
	OpenTimeout time.Duration
	// HalfOpenTrialRequests is how many consecutive successes in
	// Half-Open are required to close the breaker again.
	HalfOpenTrialRequests int
}

// DefaultCircuitBreakerConfig matches the teacher's own defaults
// (threshold 5 failures, 30s open timeout), expressed as a ratio over a
// rolling window instead of a raw consecutive-failure counter.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:      0.5,
		MinRequests:           5,
		Window:                30 * time.Second,
		Buckets:               10,
		OpenTimeout:           30 * time.Second,
		HalfOpenTrialRequests: 3,
	}
}

// CircuitBreaker protects a single upstream (a tool, a model provider)
// from repeated calls once it starts failing consistently.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu           sync.Mutex
	buckets      []bucket
	bucketStart  time.Time
	state        atomic.Int32
	openedAt     time.Time
	halfOpenOK   int
}

// New builds a CircuitBreaker identified by name (used only for logging
// and metric labels by callers).
func New(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.Buckets <= 0 {
		config.Buckets = 10
	}
	cb := &CircuitBreaker{
		name:        name,
		config:      config,
		buckets:     make([]bucket, config.Buckets),
		bucketStart: time.Now(),
	}
	cb.state.Store(int32(StateClosed))
	return cb
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	return State(cb.state.Load())
}

// Allow reports whether a call should be attempted. Callers must follow
// an allowed call with RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch State(cb.state.Load()) {
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.OpenTimeout {
			cb.state.Store(int32(StateHalfOpen))
			cb.halfOpenOK = 0
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess registers a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if State(cb.state.Load()) == StateHalfOpen {
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.config.HalfOpenTrialRequests {
			cb.state.Store(int32(StateClosed))
			cb.resetLocked()
		}
		return
	}

	cb.currentBucketLocked().successes++
}

// RecordFailure registers a failed call and evaluates whether the
// breaker should trip open.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if State(cb.state.Load()) == StateHalfOpen {
		cb.state.Store(int32(StateOpen))
		cb.openedAt = time.Now()
		return
	}

	cb.currentBucketLocked().failures++

	total, failures := cb.windowTotalsLocked()
	if total >= cb.config.MinRequests {
		ratio := float64(failures) / float64(total)
		if ratio >= cb.config.FailureThreshold {
			cb.state.Store(int32(StateOpen))
			cb.openedAt = time.Now()
		}
	}
}

// currentBucketLocked returns the bucket for "now". When Window has
// elapsed since bucketStart it clears all buckets and restarts at the
// first one.
func (cb *CircuitBreaker) currentBucketLocked() *bucket {
	slot := time.Duration(cb.config.Window) / time.Duration(cb.config.Buckets)
	elapsed := time.Since(cb.bucketStart)
	idx := int(elapsed/slot) % cb.config.Buckets
	if elapsed >= cb.config.Window {
		cb.buckets = make([]bucket, cb.config.Buckets)
		cb.bucketStart = time.Now()
		idx = 0
	}
	return &cb.buckets[idx]
}

func (cb *CircuitBreaker) windowTotalsLocked() (total, failures int) {
	for _, b := range cb.buckets {
		total += b.successes + b.failures
		failures += b.failures
	}
	return total, failures
}

func (cb *CircuitBreaker) resetLocked() {
	cb.buckets = make([]bucket, cb.config.Buckets)
	cb.bucketStart = time.Now()
}

// Reset forces the breaker back to Closed, discarding window history.
// Used by tests and by administrative recovery actions.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state.Store(int32(StateClosed))
	cb.resetLocked()
}
