// Package circuitbreaker provides the per-service circuit breaker that stops
// the gateway from forwarding to a service that keeps failing, plus an
// optional concurrency limit.
package circuitbreaker

import (
	"errors"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; requests pass through.
	StateOpen                  // Failing; requests are rejected immediately.
	StateHalfOpen              // Probing; requests allowed to test recovery.
)

// String returns a human-readable state name.
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

// Rejection reasons returned by Guard.Acquire.
var (
	ErrOpen      = errors.New("circuit breaker open")
	ErrSaturated = errors.New("concurrency limit reached")
)

// Breaker is the common interface for the breaker layers.
type Breaker interface {
	// Allow reports whether a request may proceed. Returns false when the
	// circuit is open and the request should be rejected with 503.
	Allow() bool

	// RecordSuccess records a successful upstream response with its latency.
	RecordSuccess(latency time.Duration)

	// RecordFailure records a failed upstream call with its latency.
	RecordFailure(latency time.Duration)

	// State returns the current circuit breaker state.
	State() State

	// Reset forces the breaker back to closed state.
	Reset()
}
