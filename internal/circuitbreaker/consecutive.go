package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/service-gateway/internal/metrics"
)

// ConsecutiveBreaker opens after failureThreshold failures in a row. Once
// resetTimeout has passed it goes half-open and admits at most halfOpenMax
// trial requests; halfOpenMax successes close it and any failure reopens
// it. A trial that never reports an outcome stops holding its slot after
// another resetTimeout.
type ConsecutiveBreaker struct {
	mu sync.Mutex

	state   State
	service string
	logger  *slog.Logger
	now     func() time.Time

	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int

	consecutiveFailures int
	halfOpenSuccess     int
	halfOpenTrials      int // admitted and not yet resolved
	trialAt             time.Time
	lastFailureAt       time.Time
	openedAt            time.Time
}

// NewConsecutiveBreaker creates a breaker for the given service.
func NewConsecutiveBreaker(service string, failureThreshold int, resetTimeout time.Duration, halfOpenMax int, logger *slog.Logger) *ConsecutiveBreaker {
	if halfOpenMax < 1 {
		halfOpenMax = 1
	}
	metrics.BreakerState.WithLabelValues(service).Set(float64(StateClosed))
	return &ConsecutiveBreaker{
		state:            StateClosed,
		service:          service,
		logger:           logger,
		now:              time.Now,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      halfOpenMax,
	}
}

func (b *ConsecutiveBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false
		}
		b.transitionTo(StateHalfOpen)
		return b.admitTrial()
	case StateHalfOpen:
		return b.admitTrial()
	default:
		return true
	}
}

// admitTrial must be called with b.mu held.
func (b *ConsecutiveBreaker) admitTrial() bool {
	now := b.now()
	if b.halfOpenTrials+b.halfOpenSuccess >= b.halfOpenMax {
		if b.halfOpenTrials == 0 || now.Sub(b.trialAt) < b.resetTimeout {
			return false
		}
		b.halfOpenTrials = 0
	}
	b.halfOpenTrials++
	b.trialAt = now
	return true
}

func (b *ConsecutiveBreaker) RecordSuccess(_ time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		if b.halfOpenTrials > 0 {
			b.halfOpenTrials--
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.halfOpenMax {
			b.transitionTo(StateClosed)
		}
	}
}

func (b *ConsecutiveBreaker) RecordFailure(_ time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = b.now()
	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

func (b *ConsecutiveBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *ConsecutiveBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
}

// Snapshot is a point-in-time view of the breaker for the admin API.
type Snapshot struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitzero"`
}

// Snapshot returns the breaker's current counters.
func (b *ConsecutiveBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureAt:       b.lastFailureAt,
	}
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *ConsecutiveBreaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.BreakerTransitions.WithLabelValues(b.service, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.service).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"service", b.service,
		"from", from.String(),
		"to", newState.String(),
		"consecutive_failures", b.consecutiveFailures,
	)

	b.halfOpenSuccess = 0
	b.halfOpenTrials = 0
	switch newState {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateOpen:
		b.openedAt = b.now()
	}
}
