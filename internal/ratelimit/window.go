package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// WindowStore counts requests in fixed windows. Incr atomically adds one
// to key, starting a new window of the given length if none is active, and
// returns the count so far and how much of the window remains.
type WindowStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, remaining time.Duration, err error)
}

// WindowLimiter applies per-service fixed-window limits over a store.
type WindowLimiter struct {
	store  WindowStore
	logger *slog.Logger
}

// NewWindowLimiter creates a WindowLimiter.
func NewWindowLimiter(store WindowStore, logger *slog.Logger) *WindowLimiter {
	return &WindowLimiter{store: store, logger: logger}
}

// Allow counts one request against key. The request that exceeds max, and
// every later one in the same window, is refused. Store errors fail open.
func (w *WindowLimiter) Allow(ctx context.Context, key string, window time.Duration, max int) (bool, time.Duration) {
	count, remaining, err := w.store.Incr(ctx, key, window)
	if err != nil {
		w.logger.Warn("rate limit store unavailable, allowing request", "key", key, "error", err)
		return true, 0
	}
	if count > int64(max) {
		return false, remaining
	}
	return true, 0
}

type windowEntry struct {
	count   int64
	resetAt time.Time
}

// MemoryStore is a process-local WindowStore.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*windowEntry
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a MemoryStore that sweeps expired windows every
// sweepInterval. A zero interval disables the sweeper.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		windows: make(map[string]*windowEntry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

// Incr implements WindowStore.
func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.windows[key]
	if !ok || !now.Before(e.resetAt) {
		e = &windowEntry{resetAt: now.Add(window)}
		s.windows[key] = e
	}
	e.count++
	return e.count, e.resetAt.Sub(now), nil
}

// Len returns the number of tracked windows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Stop terminates the sweeper.
func (s *MemoryStore) Stop() {
	s.once.Do(func() { close(s.stopCh) })
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.windows {
		if !now.Before(e.resetAt) {
			delete(s.windows, k)
		}
	}
}
