package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dskow/service-gateway/internal/registry"
)

// scriptedProbe returns a per-URL status code, defaulting to 200.
type scriptedProbe struct {
	mu    sync.Mutex
	codes map[string]int
	errs  map[string]error
	block map[string]bool
	calls atomic.Int32
}

func newScriptedProbe() *scriptedProbe {
	return &scriptedProbe{codes: map[string]int{}, errs: map[string]error{}, block: map[string]bool{}}
}

func (s *scriptedProbe) set(url string, code int) {
	s.mu.Lock()
	s.codes[url] = code
	s.mu.Unlock()
}

func (s *scriptedProbe) Probe(ctx context.Context, url string) (int, error) {
	s.calls.Add(1)
	s.mu.Lock()
	code, hasCode := s.codes[url]
	err := s.errs[url]
	block := s.block[url]
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if err != nil {
		return 0, err
	}
	if !hasCode {
		code = http.StatusOK
	}
	return code, nil
}

func TestSweep_FlipsStatus(t *testing.T) {
	reg := newTestRegistry(t, "orders")
	sp := newScriptedProbe()
	p := NewProber(reg, sp.Probe, time.Hour, time.Second, slog.Default())

	sp.set("http://orders:3000/health", http.StatusInternalServerError)
	p.Sweep(context.Background())

	svc, _ := reg.Get("orders-v1")
	if svc.Status() != registry.StatusUnhealthy {
		t.Fatalf("expected unhealthy after 500, got %q", svc.Status())
	}

	sp.set("http://orders:3000/health", http.StatusOK)
	p.Sweep(context.Background())
	if svc.Status() != registry.StatusHealthy {
		t.Fatalf("expected healthy after 200, got %q", svc.Status())
	}
}

func TestSweep_OnlyExact200IsHealthy(t *testing.T) {
	reg := newTestRegistry(t, "orders")
	sp := newScriptedProbe()
	p := NewProber(reg, sp.Probe, time.Hour, time.Second, slog.Default())

	sp.set("http://orders:3000/health", http.StatusNoContent)
	p.Sweep(context.Background())

	svc, _ := reg.Get("orders-v1")
	if svc.Status() != registry.StatusUnhealthy {
		t.Errorf("expected 204 to be unhealthy, got %q", svc.Status())
	}
}

func TestSweep_TransportErrorAndLogging(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	reg := newTestRegistry(t, "orders")
	sp := newScriptedProbe()
	sp.errs["http://orders:3000/health"] = errors.New("connection refused")
	p := NewProber(reg, sp.Probe, time.Hour, time.Second, logger)

	before := time.Now()
	p.Sweep(context.Background())

	svc, _ := reg.Get("orders-v1")
	if svc.Status() != registry.StatusUnhealthy {
		t.Errorf("expected unhealthy, got %q", svc.Status())
	}
	if svc.LastHealthCheckAt().Before(before) {
		t.Error("expected last health check time to advance")
	}
	if !strings.Contains(buf.String(), "health probe failed") {
		t.Error("expected warning to be logged")
	}
	if !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Error("expected WARN level")
	}
}

func TestSweep_SlowServiceDoesNotStallOthers(t *testing.T) {
	reg := newTestRegistry(t, "slow", "fast")
	sp := newScriptedProbe()
	sp.block["http://slow:3000/health"] = true
	sp.set("http://fast:3000/health", http.StatusServiceUnavailable)

	p := NewProber(reg, sp.Probe, time.Hour, 50*time.Millisecond, slog.Default())

	start := time.Now()
	p.Sweep(context.Background())
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Errorf("sweep took %v, expected per-service timeout to bound it", elapsed)
	}
	for _, id := range []string{"slow-v1", "fast-v1"} {
		svc, _ := reg.Get(id)
		if svc.Status() != registry.StatusUnhealthy {
			t.Errorf("%s: expected unhealthy, got %q", id, svc.Status())
		}
	}
}

func TestSweep_ShutdownLeavesStatusUntouched(t *testing.T) {
	reg := newTestRegistry(t, "orders", "users")
	sp := newScriptedProbe()
	sp.block["http://orders:3000/health"] = true
	sp.block["http://users:3000/health"] = true

	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	p := NewProber(reg, sp.Probe, time.Hour, time.Second, logger)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	p.Sweep(ctx)

	for _, id := range []string{"orders-v1", "users-v1"} {
		svc, _ := reg.Get(id)
		if svc.Status() != registry.StatusHealthy {
			t.Errorf("%s: status after shutdown = %q, want healthy", id, svc.Status())
		}
	}
	if strings.Contains(buf.String(), "health probe failed") {
		t.Errorf("shutdown logged probe failures: %s", buf.String())
	}

	// A sweep started after shutdown probes nothing.
	before := sp.calls.Load()
	p.Sweep(ctx)
	if sp.calls.Load() != before {
		t.Error("expected no probes once the context is done")
	}
}

func TestSweep_BoundsConcurrentProbes(t *testing.T) {
	names := make([]string, 3*maxConcurrentProbes)
	for i := range names {
		names[i] = "svc" + strconv.Itoa(i)
	}
	reg := newTestRegistry(t, names...)

	var inFlight, peak atomic.Int32
	probe := func(context.Context, string) (int, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return http.StatusOK, nil
	}

	NewProber(reg, probe, time.Hour, time.Second, slog.Default()).Sweep(context.Background())

	if got := peak.Load(); got > maxConcurrentProbes {
		t.Errorf("peak concurrent probes = %d, limit %d", got, maxConcurrentProbes)
	}
}

func TestProber_StartStop(t *testing.T) {
	reg := newTestRegistry(t, "orders")
	sp := newScriptedProbe()
	p := NewProber(reg, sp.Probe, 10*time.Millisecond, time.Second, slog.Default())

	p.Start(context.Background())
	p.Start(context.Background()) // second Start is a no-op

	deadline := time.Now().Add(2 * time.Second)
	for sp.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()
	p.Stop()

	if sp.calls.Load() < 2 {
		t.Fatalf("expected at least 2 probes, got %d", sp.calls.Load())
	}

	n := sp.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if sp.calls.Load() != n {
		t.Error("probes continued after Stop")
	}
}

func TestSweep_HTTPProbe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	probe := registry.HTTPProbe(upstream.Client())
	reg := registry.New(slog.Default(), registry.WithProbe(probe))
	if _, err := reg.Register(context.Background(), configFor("orders", upstream.URL)); err != nil {
		t.Fatal(err)
	}

	p := NewProber(reg, probe, time.Hour, time.Second, slog.Default())
	healthy.Store(false)
	p.Sweep(context.Background())

	svc, _ := reg.Get("orders-v1")
	if svc.Status() != registry.StatusUnhealthy {
		t.Errorf("expected unhealthy, got %q", svc.Status())
	}
}
