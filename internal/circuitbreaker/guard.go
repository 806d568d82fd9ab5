package circuitbreaker

import (
	"log/slog"
	"time"
)

// Config holds the per-service breaker settings.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	Timeout          time.Duration // successes slower than this count as failures; 0 disables
	ResetTimeout     time.Duration // open → half-open delay
	HalfOpenMax      int           // half-open successes needed to close
	MaxConcurrent    int           // bulkhead size; 0 disables
}

// Guard is what the request pipeline talks to: the consecutive-failure
// breaker, wrapped by the slow-call layer when Timeout is set, and an
// optional bulkhead in front.
type Guard struct {
	core      *ConsecutiveBreaker
	effective Breaker
	bulkhead  *Bulkhead // nil if disabled
}

// New builds the guard for service.
func New(service string, cfg Config, logger *slog.Logger) *Guard {
	core := NewConsecutiveBreaker(service, cfg.FailureThreshold, cfg.ResetTimeout, cfg.HalfOpenMax, logger)

	g := &Guard{core: core, effective: core}
	if cfg.Timeout > 0 {
		g.effective = NewSlowCallBreaker(core, cfg.Timeout)
	}
	if cfg.MaxConcurrent > 0 {
		g.bulkhead = NewBulkhead(service, cfg.MaxConcurrent)
	}
	return g
}

// Acquire admits one request. It returns ErrSaturated when the bulkhead
// is full and ErrOpen when the circuit is open. On nil the caller must
// call Release once the forward completes.
func (g *Guard) Acquire() error {
	if g.bulkhead != nil && !g.bulkhead.TryAcquire() {
		return ErrSaturated
	}
	if !g.effective.Allow() {
		if g.bulkhead != nil {
			g.bulkhead.Release()
		}
		return ErrOpen
	}
	return nil
}

// Release frees the bulkhead slot taken by Acquire. No-op without a bulkhead.
func (g *Guard) Release() {
	if g.bulkhead != nil {
		g.bulkhead.Release()
	}
}

func (g *Guard) RecordSuccess(latency time.Duration) { g.effective.RecordSuccess(latency) }

func (g *Guard) RecordFailure(latency time.Duration) { g.effective.RecordFailure(latency) }

// State returns the core breaker state.
func (g *Guard) State() State { return g.core.State() }

func (g *Guard) Reset() { g.core.Reset() }

// Snapshot returns the core breaker's counters.
func (g *Guard) Snapshot() Snapshot { return g.core.Snapshot() }
