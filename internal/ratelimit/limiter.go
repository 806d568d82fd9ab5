// Package ratelimit enforces the gateway's request limits: a global
// per-client token bucket and optional per-service fixed windows.
package ratelimit

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/service-gateway/internal/config"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is the global per-client-IP token bucket, with periodic cleanup
// of stale entries.
type Limiter struct {
	mu      sync.RWMutex
	clients map[string]*client
	rate    rate.Limit
	burst   int
	logger  *slog.Logger
	stopCh  chan struct{}
	once    sync.Once
}

// New creates a Limiter and starts a background goroutine that removes
// clients idle for three minutes.
func New(cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	l := &Limiter{
		clients: make(map[string]*client),
		rate:    rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.BurstSize,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

// UpdateConfig hot-reloads the rate and burst. Existing buckets are
// cleared so the new limits apply on the next request.
func (l *Limiter) UpdateConfig(cfg config.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = rate.Limit(cfg.RequestsPerSecond)
	l.burst = cfg.BurstSize
	l.clients = make(map[string]*client)
}

// Allow consumes one token for ip. When the bucket is empty it returns
// false and the delay until the next token.
func (l *Limiter) Allow(ip string) (bool, time.Duration) {
	lim, r := l.getLimiter(ip)
	if lim.Allow() {
		return true, 0
	}
	retry := time.Second
	if r > 0 {
		retry = time.Duration(float64(time.Second) / float64(r))
	}
	return false, retry
}

// getLimiter returns or creates the bucket for ip. rate.Limiter is safe
// for concurrent use, so Allow is called outside our lock.
func (l *Limiter) getLimiter(ip string) (*rate.Limiter, rate.Limit) {
	l.mu.RLock()
	if c, exists := l.clients[ip]; exists {
		r := l.rate
		// The cleanup threshold is 3 minutes; refreshing once per minute
		// is enough to prevent eviction.
		if time.Since(c.lastSeen) > time.Minute {
			l.mu.RUnlock()
			l.mu.Lock()
			c.lastSeen = time.Now()
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return c.limiter, r
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if c, exists := l.clients[ip]; exists {
		c.lastSeen = time.Now()
		return c.limiter, l.rate
	}

	limiter := rate.NewLimiter(l.rate, l.burst)
	l.clients[ip] = &client{limiter: limiter, lastSeen: time.Now()}
	return limiter, l.rate
}

// Entry is one client bucket as reported to the admin API.
type Entry struct {
	ClientIP string    `json:"client_ip"`
	Tokens   float64   `json:"tokens"`
	LastSeen time.Time `json:"last_seen"`
}

// Snapshot returns all tracked buckets ordered by client IP.
func (l *Limiter) Snapshot() []Entry {
	l.mu.RLock()
	entries := make([]Entry, 0, len(l.clients))
	for ip, c := range l.clients {
		entries = append(entries, Entry{ClientIP: ip, Tokens: c.limiter.Tokens(), LastSeen: c.lastSeen})
	}
	l.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ClientIP < entries[j].ClientIP })
	return entries
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle(3 * time.Minute)
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) evictIdle(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, c := range l.clients {
		if time.Since(c.lastSeen) > maxIdle {
			delete(l.clients, ip)
		}
	}
}
