package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const reloadBase = `
auth:
  jwt_secret: "reload-test-secret-reload-test-secret"
rate_limit:
  requests_per_second: 100
  burst_size: 50
services:
  - name: orders
    version: v1
    base_url: "http://localhost:3000"
    routes:
      - method: GET
        path: /api/orders/*
`

// Only the global limit and log level differ from reloadBase.
const reloadTuned = `
auth:
  jwt_secret: "reload-test-secret-reload-test-secret"
logging:
  level: debug
rate_limit:
  requests_per_second: 200
  burst_size: 100
services:
  - name: orders
    version: v1
    base_url: "http://localhost:3000"
    routes:
      - method: GET
        path: /api/orders/*
`

// Adds a service and changes the port alongside a new limit.
const reloadRestart = `
server:
  port: 9090
auth:
  jwt_secret: "reload-test-secret-reload-test-secret"
rate_limit:
  requests_per_second: 300
  burst_size: 50
services:
  - name: orders
    version: v1
    base_url: "http://localhost:3000"
  - name: users
    version: v1
    base_url: "http://localhost:3001"
`

func newReloadFixture(t *testing.T) (*Reloader, string, *bytes.Buffer) {
	t.Helper()
	t.Setenv(EnvJWTSecret, "")
	t.Setenv(EnvPort, "")
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvRedisAddr, "")

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(reloadBase), 0o644); err != nil {
		t.Fatal(err)
	}
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewReloader(path, initial, logger), path, &buf
}

func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReload_AppliesLimitAndLevel(t *testing.T) {
	r, path, logs := newReloadFixture(t)
	rewrite(t, path, reloadTuned)

	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	cfg := r.Current()
	if cfg.RateLimit.RequestsPerSecond != 200 {
		t.Errorf("rps = %v, want 200", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.BurstSize != 100 {
		t.Errorf("burst = %d, want 100", cfg.RateLimit.BurstSize)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
	out := logs.String()
	for _, want := range []string{"global rate limit changed", "log level changed"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q", want)
		}
	}
	if strings.Contains(out, "require a restart") {
		t.Error("restart warning logged for hot-reloadable change")
	}
}

func TestReload_KeepsStartupOnlySettings(t *testing.T) {
	r, path, logs := newReloadFixture(t)
	rewrite(t, path, reloadRestart)

	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	cfg := r.Current()
	if cfg.RateLimit.RequestsPerSecond != 300 {
		t.Errorf("rps = %v, want 300", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080 (fixed at startup)", cfg.Server.Port)
	}
	if len(cfg.Services) != 1 {
		t.Errorf("services = %d, want 1 (fixed at startup)", len(cfg.Services))
	}
	out := logs.String()
	if !strings.Contains(out, "require a restart") || !strings.Contains(out, "services") {
		t.Errorf("restart warning not logged: %s", out)
	}
}

func TestReload_InvalidFileKeepsCurrent(t *testing.T) {
	r, path, logs := newReloadFixture(t)
	before := r.Current()

	called := false
	r.OnReload(func(*Config) { called = true })

	rewrite(t, path, "server:\n  port: -1\n")
	if err := r.Reload(); err == nil {
		t.Fatal("expected error for invalid config")
	}

	if r.Current() != before {
		t.Error("current config replaced by invalid file")
	}
	if called {
		t.Error("callback ran for rejected config")
	}
	if !strings.Contains(logs.String(), "config reload failed") {
		t.Error("reload failure not logged")
	}
}

func TestReload_CallbackReceivesEffectiveConfig(t *testing.T) {
	r, path, _ := newReloadFixture(t)

	var got *Config
	r.OnReload(func(cfg *Config) { got = cfg })

	rewrite(t, path, reloadTuned)
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if got == nil {
		t.Fatal("callback not called")
	}
	if got != r.Current() {
		t.Error("callback config differs from Current()")
	}
	if got.RateLimit.RequestsPerSecond != 200 {
		t.Errorf("rps = %v, want 200", got.RateLimit.RequestsPerSecond)
	}
}

func TestRestartRequired(t *testing.T) {
	t.Setenv(EnvPort, "")
	t.Setenv(EnvRedisAddr, "")
	load := func(src string) *Config {
		t.Helper()
		cfg, err := LoadFromBytes([]byte(src))
		if err != nil {
			t.Fatalf("LoadFromBytes: %v", err)
		}
		return cfg
	}
	base := load(reloadBase)

	if got := restartRequired(base, load(reloadTuned)); len(got) != 0 {
		t.Errorf("restartRequired = %v, want none", got)
	}

	got := restartRequired(base, load(reloadRestart))
	slices.Sort(got)
	if want := []string{"server", "services"}; !slices.Equal(got, want) {
		t.Errorf("restartRequired = %v, want %v", got, want)
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	r, path, _ := newReloadFixture(t)

	reloaded := make(chan *Config, 1)
	r.OnReload(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()

	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)
	rewrite(t, path, reloadTuned)

	select {
	case cfg := <-reloaded:
		if cfg.RateLimit.RequestsPerSecond != 200 {
			t.Errorf("rps = %v, want 200", cfg.RateLimit.RequestsPerSecond)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("file watch reload timed out")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
