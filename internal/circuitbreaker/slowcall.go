package circuitbreaker

import "time"

// SlowCallBreaker wraps another Breaker and counts successes slower than
// threshold as failures.
type SlowCallBreaker struct {
	inner     Breaker
	threshold time.Duration
}

// NewSlowCallBreaker wraps inner.
func NewSlowCallBreaker(inner Breaker, threshold time.Duration) *SlowCallBreaker {
	return &SlowCallBreaker{inner: inner, threshold: threshold}
}

func (s *SlowCallBreaker) Allow() bool { return s.inner.Allow() }

func (s *SlowCallBreaker) RecordSuccess(latency time.Duration) {
	if latency > s.threshold {
		s.inner.RecordFailure(latency)
		return
	}
	s.inner.RecordSuccess(latency)
}

func (s *SlowCallBreaker) RecordFailure(latency time.Duration) { s.inner.RecordFailure(latency) }

func (s *SlowCallBreaker) State() State { return s.inner.State() }

func (s *SlowCallBreaker) Reset() { s.inner.Reset() }
