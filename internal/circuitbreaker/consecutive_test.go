package circuitbreaker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dskow/service-gateway/internal/metrics"
)

func init() {
	// Register metrics once for all tests in this package.
	metrics.Init()
}

// fakeClock is advanced manually so state transitions need no sleeps.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, resetTimeout time.Duration, halfOpenMax int) (*ConsecutiveBreaker, *fakeClock) {
	clock := newFakeClock()
	b := NewConsecutiveBreaker("test-v1", threshold, resetTimeout, halfOpenMax, slog.Default())
	b.now = clock.Now
	return b, clock
}

func TestConsecutive_StartsClosedAndAllows(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second, 1)

	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("expected Allow() to return true for closed breaker")
	}
}

func TestConsecutive_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second, 1)

	b.RecordFailure(0)
	b.RecordFailure(0)
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed below threshold, got %v", b.State())
	}

	b.RecordFailure(0)
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen at threshold, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("expected Allow() to return false for open breaker")
	}
}

func TestConsecutive_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second, 1)

	b.RecordFailure(0)
	b.RecordFailure(0)
	b.RecordSuccess(0)
	b.RecordFailure(0)
	b.RecordFailure(0)

	if b.State() != StateClosed {
		t.Fatalf("failures were not consecutive, expected StateClosed, got %v", b.State())
	}
	if got := b.Snapshot().ConsecutiveFailures; got != 2 {
		t.Errorf("expected 2 consecutive failures, got %d", got)
	}
}

func TestConsecutive_OpenToHalfOpen(t *testing.T) {
	b, clock := newTestBreaker(1, 10*time.Second, 1)

	b.RecordFailure(0)
	clock.Advance(9 * time.Second)
	if b.Allow() {
		t.Fatal("expected rejection before reset timeout")
	}

	clock.Advance(time.Second)
	if !b.Allow() {
		t.Fatal("expected Allow() after reset timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State())
	}
}

func TestConsecutive_HalfOpenToClosed(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second, 2)

	b.RecordFailure(0)
	clock.Advance(time.Second)
	b.Allow()

	b.RecordSuccess(0)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen after 1 of 2 successes, got %v", b.State())
	}
	b.RecordSuccess(0)
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State())
	}
}

func TestConsecutive_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(2, time.Second, 1)

	b.RecordFailure(0)
	b.RecordFailure(0)
	clock.Advance(time.Second)
	b.Allow()

	b.RecordFailure(0)
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("reopened breaker must wait a full reset timeout")
	}
}

func TestConsecutive_HalfOpenAdmitsBoundedTrials(t *testing.T) {
	for _, max := range []int{1, 3} {
		b, clock := newTestBreaker(1, time.Second, max)
		b.RecordFailure(0)
		clock.Advance(time.Second)

		var admitted atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if b.Allow() {
					admitted.Add(1)
				}
			}()
		}
		wg.Wait()

		if got := int(admitted.Load()); got != max {
			t.Errorf("halfOpenMax=%d: admitted %d trials", max, got)
		}
		if b.State() != StateHalfOpen {
			t.Errorf("halfOpenMax=%d: expected StateHalfOpen, got %v", max, b.State())
		}
	}
}

func TestConsecutive_HalfOpenSuccessDoesNotReopenSlots(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second, 2)
	b.RecordFailure(0)
	clock.Advance(time.Second)

	if !b.Allow() || !b.Allow() {
		t.Fatal("expected two trials admitted")
	}
	b.RecordSuccess(0)
	if b.Allow() {
		t.Fatal("a resolved trial still counts toward halfOpenMax")
	}
	b.RecordSuccess(0)
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State())
	}
}

func TestConsecutive_LostTrialExpires(t *testing.T) {
	b, clock := newTestBreaker(1, 10*time.Second, 1)
	b.RecordFailure(0)
	clock.Advance(10 * time.Second)

	if !b.Allow() {
		t.Fatal("expected first trial admitted")
	}
	// The trial never reports back.
	clock.Advance(9 * time.Second)
	if b.Allow() {
		t.Fatal("expected rejection while the trial is outstanding")
	}
	clock.Advance(time.Second)
	if !b.Allow() {
		t.Fatal("expected a new trial once the lost one expired")
	}
}

func TestConsecutive_Reset(t *testing.T) {
	b, _ := newTestBreaker(1, time.Hour, 1)

	b.RecordFailure(0)
	b.Reset()
	if b.State() != StateClosed || !b.Allow() {
		t.Fatal("expected closed breaker after Reset")
	}
	if b.Snapshot().ConsecutiveFailures != 0 {
		t.Error("expected failure count cleared")
	}
}

func TestConsecutive_SnapshotRecordsLastFailure(t *testing.T) {
	b, clock := newTestBreaker(5, time.Second, 1)

	b.RecordFailure(0)
	snap := b.Snapshot()
	if !snap.LastFailureAt.Equal(clock.Now()) {
		t.Errorf("expected last failure at %v, got %v", clock.Now(), snap.LastFailureAt)
	}
	if snap.State != "closed" {
		t.Errorf("expected closed, got %q", snap.State)
	}
}

func TestConsecutive_ConcurrentRecords(t *testing.T) {
	b, _ := newTestBreaker(1000, time.Hour, 1)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Allow()
			b.RecordFailure(0)
		}()
	}
	wg.Wait()

	if got := b.Snapshot().ConsecutiveFailures; got != 100 {
		t.Errorf("expected 100 failures, got %d", got)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
