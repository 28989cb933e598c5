package resilience

import (
	"fmt"
	"sync"
)

// HealthState is the remote-vs-fallback state of a transcription client
type HealthState int

const (
	StateHealthy   HealthState = iota // No consecutive failures
	StateDegrading                    // Some consecutive failures, still below threshold
	StateFallback                     // Threshold reached, remote path is bypassed
)

func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegrading:
		return "degrading"
	case StateFallback:
		return "fallback"
	default:
		return fmt.Sprintf("HealthState(%d)", int(s))
	}
}

// FailureCounter tracks consecutive failures against a threshold.
// Unlike a circuit breaker it has no timed half-open state: a single
// success anywhere returns it to Healthy.
type FailureCounter struct {
	name      string
	threshold int

	mu            sync.RWMutex
	failures      int
	successTotal  int64
	failureTotal  int64
	onStateChange func(from, to HealthState, failures int)
}

// NewFailureCounter creates a counter that enters Fallback after threshold failures
func NewFailureCounter(name string, threshold int) *FailureCounter {
	if threshold < 1 {
		threshold = 1
	}
	return &FailureCounter{
		name:      name,
		threshold: threshold,
	}
}

// OnStateChange registers a callback invoked after each transition
func (fc *FailureCounter) OnStateChange(fn func(from, to HealthState, failures int)) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.onStateChange = fn
}

// RecordFailure increments the counter and returns the resulting state
func (fc *FailureCounter) RecordFailure() HealthState {
	fc.mu.Lock()
	from := fc.stateLocked()
	fc.failures++
	fc.failureTotal++
	to := fc.stateLocked()
	failures := fc.failures
	cb := fc.onStateChange
	fc.mu.Unlock()

	if cb != nil {
		cb(from, to, failures)
	}
	return to
}

// RecordSuccess resets the counter to zero
func (fc *FailureCounter) RecordSuccess() {
	fc.mu.Lock()
	from := fc.stateLocked()
	fc.failures = 0
	fc.successTotal++
	cb := fc.onStateChange
	fc.mu.Unlock()

	if cb != nil && from != StateHealthy {
		cb(from, StateHealthy, 0)
	}
}

// State returns the current state
func (fc *FailureCounter) State() HealthState {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.stateLocked()
}

func (fc *FailureCounter) stateLocked() HealthState {
	switch {
	case fc.failures == 0:
		return StateHealthy
	case fc.failures < fc.threshold:
		return StateDegrading
	default:
		return StateFallback
	}
}

// Failures returns the current consecutive failure count
func (fc *FailureCounter) Failures() int {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.failures
}

// Threshold returns the configured threshold
func (fc *FailureCounter) Threshold() int {
	return fc.threshold
}

// GetStats returns statistics about the counter
func (fc *FailureCounter) GetStats() (state HealthState, failures int, successTotal, failureTotal int64) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.stateLocked(), fc.failures, fc.successTotal, fc.failureTotal
}
