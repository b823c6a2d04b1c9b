package dispatch

import (
	"sync"
	"time"
)

// DefaultBreakerThreshold is the number of consecutive aborted cycles before
// the serve loop stops dispatching.
const DefaultBreakerThreshold = 3

// CircuitBreaker counts consecutive aborted cycles. Once open it stays open
// until Reset; a later success does not close it.
type CircuitBreaker struct {
	mu                  sync.RWMutex
	threshold           int
	consecutiveFailures int
	open                bool
	lastFailureAt       time.Time
}

// NewCircuitBreaker returns a closed breaker. A threshold <= 0 uses
// DefaultBreakerThreshold.
func NewCircuitBreaker(threshold int) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	return &CircuitBreaker{threshold: threshold}
}

// RecordSuccess clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
}

// RecordFailure counts a failure and reports whether it tripped the breaker.
func (cb *CircuitBreaker) RecordFailure(at time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures++
	cb.lastFailureAt = at
	if cb.consecutiveFailures >= cb.threshold && !cb.open {
		cb.open = true
		return true
	}
	return false
}

// IsOpen reports whether dispatching is halted.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.open
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.open = false
	cb.lastFailureAt = time.Time{}
}

// State returns the failure count, whether the breaker is open and the time
// of the last failure.
func (cb *CircuitBreaker) State() (failures int, open bool, lastFailure time.Time) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.consecutiveFailures, cb.open, cb.lastFailureAt
}
