// Package main is the entry point for the API gateway. It loads
// configuration, registers the configured services, assembles the
// middleware stack, starts the HTTP server and the health prober, and
// handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dskow/service-gateway/internal/admin"
	"github.com/dskow/service-gateway/internal/auth"
	"github.com/dskow/service-gateway/internal/clientip"
	"github.com/dskow/service-gateway/internal/config"
	"github.com/dskow/service-gateway/internal/gateway"
	"github.com/dskow/service-gateway/internal/health"
	"github.com/dskow/service-gateway/internal/metrics"
	"github.com/dskow/service-gateway/internal/middleware"
	"github.com/dskow/service-gateway/internal/proxy"
	"github.com/dskow/service-gateway/internal/ratelimit"
	"github.com/dskow/service-gateway/internal/registry"
	"github.com/dskow/service-gateway/internal/tlsutil"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to configuration file")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	level.Set(middleware.ParseLogLevel(cfg.Logging.Level))

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"services", len(cfg.Services),
		"rate_limit_store", cfg.RateLimit.Store,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"admin_enabled", cfg.Admin.Enabled,
		"trusted_proxies", len(cfg.Server.TrustedProxies),
	)

	if err := run(cfg, *configPath, level, logger); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped gracefully")
}

func run(cfg *config.Config, configPath string, level *slog.LevelVar, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Collectors are always registered; only the endpoint is optional.
	metrics.Init()

	reg := registry.New(logger, registry.WithProbeTimeout(cfg.Health.Timeout))
	if err := registerServices(ctx, reg, cfg.Services, logger); err != nil {
		return err
	}

	store, closeStore := newWindowStore(ctx, cfg.RateLimit, logger)
	defer closeStore()

	limiter := ratelimit.New(cfg.RateLimit, logger)
	defer limiter.Stop()

	ips := clientip.New(cfg.Server.TrustedProxies, logger)

	reloader := config.NewReloader(configPath, cfg, logger)
	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit)
		level.Set(middleware.ParseLogLevel(newCfg.Logging.Level))
	})
	go func() {
		if err := reloader.Watch(ctx); err != nil {
			logger.Error("config hot reload disabled", "error", err)
		}
	}()

	handler := gateway.New(gateway.Deps{
		Config:        cfg,
		Registry:      reg,
		Forwarder:     proxy.NewHTTPForwarder(ips, logger, proxy.WithTransport(upstreamTransport())),
		Authenticator: auth.NewAuthenticator(cfg.Auth),
		Limiter:       limiter,
		Windows:       ratelimit.NewWindowLimiter(store, logger),
		Admin:         admin.New(reg, reloader, limiter, cfg.Admin.IPAllowlist, ips, logger),
		IPs:           ips,
		Logger:        logger,
	})

	prober := health.NewProber(reg, registry.HTTPProbe(&http.Client{}), cfg.Health.Interval, cfg.Health.Timeout, logger)
	prober.Start(ctx)
	defer prober.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	tlsEnabled := cfg.Server.TLS.Enabled
	if tlsEnabled {
		certs, err := tlsutil.NewReloader(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		srv.TLSConfig = certs.ServerConfig(cfg.Server.TLS.MinVersion)
		go func() {
			if err := certs.Run(ctx); err != nil {
				logger.Error("tls key pair watcher stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting gateway", "addr", srv.Addr, "tls", tlsEnabled, "services", reg.Len())
		var err error
		if tlsEnabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	return nil
}

// registerServices registers every configured service in order. A failure
// aborts startup unless the service is marked optional.
func registerServices(ctx context.Context, reg *registry.Registry, services []config.ServiceConfig, logger *slog.Logger) error {
	for _, sc := range services {
		_, err := reg.Register(ctx, sc)
		if err == nil {
			continue
		}

		var unreachable *registry.ServiceUnreachableError
		kind := "validation"
		if errors.As(err, &unreachable) {
			kind = "unreachable"
		}
		if sc.Optional {
			logger.Warn("optional service not registered", "service", sc.Name, "version", sc.Version, "kind", kind, "error", err)
			continue
		}
		return fmt.Errorf("registering service %s %s: %w", sc.Name, sc.Version, err)
	}
	if reg.Len() == 0 {
		logger.Warn("no services registered; every /api request will return 404")
	}
	return nil
}

// newWindowStore builds the per-service window counter store. An
// unreachable Redis is logged, not fatal: the limiter fails open per
// request until Redis answers.
func newWindowStore(ctx context.Context, cfg config.RateLimitConfig, logger *slog.Logger) (ratelimit.WindowStore, func()) {
	if cfg.Store != "redis" {
		s := ratelimit.NewMemoryStore(time.Minute)
		return s, s.Stop
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	s := ratelimit.NewRedisStore(rdb, cfg.Redis.KeyPrefix)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		logger.Warn("redis rate limit store unreachable, per-service limits fail open", "addr", cfg.Redis.Addr, "error", err)
	} else {
		logger.Info("redis rate limit store connected", "addr", cfg.Redis.Addr)
	}
	return s, func() { rdb.Close() }
}

// upstreamTransport keeps more idle connections per upstream than the
// default of two, since every request to a service lands on a few hosts.
func upstreamTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 64
	return t
}
