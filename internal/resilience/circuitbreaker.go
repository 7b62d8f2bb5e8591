// Package resilience provides the gateway's availability primitives:
// circuit breaking, retry with backoff, token-bucket rate scheduling, and
// concurrency control.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a breaker refuses a request.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker states as observability labels.
const (
	StateClosed   = "closed"
	StateHalfOpen = "half-open"
	StateOpen     = "open"
)

// CircuitBreaker tracks consecutive upstream failures. Once the failure
// count reaches the threshold the breaker opens; it closes again by itself
// after OpenTTL elapses with no successful reset.
type CircuitBreaker struct {
	mu        sync.Mutex
	name      string
	threshold int
	openTTL   time.Duration

	failures int
	openedAt time.Time
}

// NewCircuitBreaker creates a breaker for one upstream.
func NewCircuitBreaker(name string, threshold int, openTTL time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openTTL <= 0 {
		openTTL = 30 * time.Second
	}
	return &CircuitBreaker{name: name, threshold: threshold, openTTL: openTTL}
}

// Name returns the upstream this breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// RecordFailure increments the failure count and opens the breaker at the
// threshold, stamping the open time.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.failures >= cb.threshold && cb.openedAt.IsZero() {
		cb.openedAt = time.Now()
	}
}

// RecordSuccess resets the failure count and clears any open mark.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.openedAt = time.Time{}
}

// IsOpen reports whether requests should be refused. An open breaker closes
// automatically once OpenTTL has elapsed since it opened.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.openedAt.IsZero() {
		return false
	}
	if time.Since(cb.openedAt) >= cb.openTTL {
		cb.failures = 0
		cb.openedAt = time.Time{}
		return false
	}
	return true
}

// State returns the observability label for the current state.
func (cb *CircuitBreaker) State() string {
	if cb.IsOpen() {
		return StateOpen
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.failures > 0 {
		return StateHalfOpen
	}
	return StateClosed
}

// BreakerSet holds one breaker per upstream, created on first use.
type BreakerSet struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	threshold int
	openTTL   time.Duration
}

// NewBreakerSet creates a set with default parameters for new breakers.
func NewBreakerSet(threshold int, openTTL time.Duration) *BreakerSet {
	return &BreakerSet{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		openTTL:   openTTL,
	}
}

// Get returns or creates the breaker for key with the set defaults.
func (s *BreakerSet) Get(key string) *CircuitBreaker {
	return s.GetWith(key, s.threshold, s.openTTL)
}

// GetWith returns or creates the breaker for key with explicit parameters;
// parameters only apply on creation.
func (s *BreakerSet) GetWith(key string, threshold int, openTTL time.Duration) *CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[key]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok = s.breakers[key]; ok {
		return cb
	}
	cb = NewCircuitBreaker(key, threshold, openTTL)
	s.breakers[key] = cb
	return cb
}
