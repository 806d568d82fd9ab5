package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newRedisStore connects to REDIS_ADDR or skips the test.
func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })

	s := NewRedisStore(rdb, "gateway-test:"+uuid.NewString()+":")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return s
}

func TestRedisStore_Incr(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, remaining, err := s.Incr(ctx, "orders-v1:10.0.0.1", time.Minute)
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if n != want {
			t.Errorf("count = %d, want %d", n, want)
		}
		if remaining <= time.Minute-2*time.Second || remaining > time.Minute {
			t.Errorf("remaining = %v, want close to 1m", remaining)
		}
	}
}

func TestRedisStore_WindowExpires(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()

	s.Incr(ctx, "k", 100*time.Millisecond)
	s.Incr(ctx, "k", 100*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	n, _, err := s.Incr(ctx, "k", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1 after expiry", n)
	}
}

func TestRedisStore_UnreachableFailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()

	wl := NewWindowLimiter(NewRedisStore(rdb, "x:"), discardLogger())
	if ok, _ := wl.Allow(context.Background(), "k", time.Second, 1); !ok {
		t.Error("unreachable redis should fail open")
	}
}
