// Package registry owns the set of downstream services the gateway routes
// to, their route table, and their per-service breakers.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dskow/service-gateway/internal/balancer"
	"github.com/dskow/service-gateway/internal/circuitbreaker"
	"github.com/dskow/service-gateway/internal/config"
	"github.com/dskow/service-gateway/internal/metrics"
	"github.com/dskow/service-gateway/internal/routing"
)

// DefaultProbeTimeout bounds the registration-time connectivity probe.
const DefaultProbeTimeout = 5 * time.Second

var versionRe = regexp.MustCompile(`^v?\d+(\.\d+){0,2}(-[0-9A-Za-z.-]+)?$`)

var knownMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
	http.MethodOptions: true, http.MethodConnect: true, http.MethodTrace: true,
	routing.AnyMethod: true,
}

// Registry is the gateway's in-memory service registry. Lookups take a
// read lock; registration takes the write lock. Health updates lock only
// the affected Service.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
	order    []string
	table    *routing.Table

	probe        Probe
	probeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithProbe replaces the HTTP connectivity probe.
func WithProbe(p Probe) Option {
	return func(r *Registry) { r.probe = p }
}

// WithProbeTimeout overrides DefaultProbeTimeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(r *Registry) { r.probeTimeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		services:     make(map[string]*Service),
		table:        routing.NewTable(),
		probe:        HTTPProbe(&http.Client{}),
		probeTimeout: DefaultProbeTimeout,
		now:          time.Now,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ServiceID derives the registry key of a service.
func ServiceID(name, version string) string {
	return name + "-" + version
}

// Register validates cfg, probes the service, and on success stores it and
// inserts its routes. A route already owned by an earlier registration is
// skipped with a warning.
func (r *Registry) Register(ctx context.Context, cfg config.ServiceConfig) (*Service, error) {
	svc, err := r.build(cfg)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	_, dup := r.services[svc.ID]
	r.mu.RUnlock()
	if dup {
		return nil, &ValidationError{Service: svc.ID, Field: "id", Reason: "already registered"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	status, err := r.probe(probeCtx, svc.HealthURL())
	cancel()
	if err != nil {
		return nil, &ServiceUnreachableError{Service: svc.ID, URL: svc.HealthURL(), Cause: err}
	}
	if status < 200 || status > 299 {
		return nil, &ServiceUnreachableError{Service: svc.ID, URL: svc.HealthURL(), Status: status}
	}

	if cbc := cfg.CircuitBreaker; cbc != nil {
		svc.breaker = circuitbreaker.New(svc.ID, circuitbreaker.Config{
			FailureThreshold: cbc.FailureThreshold,
			Timeout:          cbc.Timeout,
			ResetTimeout:     cbc.ResetTimeout,
			HalfOpenMax:      cbc.HalfOpenMax,
			MaxConcurrent:    cbc.MaxConcurrent,
		}, r.logger)
	}
	svc.status = StatusHealthy
	svc.lastHealthCheckAt = r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.services[svc.ID]; dup {
		return nil, &ValidationError{Service: svc.ID, Field: "id", Reason: "already registered"}
	}

	accepted := make([]routing.Route, 0, len(svc.Routes))
	for _, rt := range svc.Routes {
		if !r.table.Insert(rt) {
			owner, _ := r.table.Match(rt.Method, rt.Pattern)
			r.logger.Warn("route already registered, skipping",
				"service", svc.ID,
				"method", rt.Method,
				"path", rt.Pattern,
				"owner", owner.ServiceID,
			)
			continue
		}
		accepted = append(accepted, rt)
	}
	svc.Routes = accepted

	r.services[svc.ID] = svc
	r.order = append(r.order, svc.ID)
	metrics.ServiceUp.WithLabelValues(svc.ID).Set(1)

	r.logger.Info("service registered",
		"service", svc.ID,
		"base_url", svc.BaseURL,
		"instances", len(svc.Instances),
		"routes", len(svc.Routes),
		"load_balancer", string(svc.Policy),
	)
	return svc, nil
}

// build validates cfg and assembles an unregistered Service.
func (r *Registry) build(cfg config.ServiceConfig) (*Service, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "required"}
	}
	if cfg.Version == "" {
		return nil, &ValidationError{Service: name, Field: "version", Reason: "required"}
	}
	if !versionRe.MatchString(cfg.Version) {
		return nil, &ValidationError{Service: name, Field: "version", Reason: fmt.Sprintf("%q is not semver-like", cfg.Version)}
	}
	id := ServiceID(name, cfg.Version)

	if err := validateURL(cfg.BaseURL); err != nil {
		return nil, &ValidationError{Service: id, Field: "base_url", Reason: err.Error()}
	}

	healthPath := cfg.HealthCheckPath
	if healthPath == "" {
		healthPath = "/health"
	}
	if !strings.HasPrefix(healthPath, "/") {
		return nil, &ValidationError{Service: id, Field: "health_check_path", Reason: "must start with /"}
	}

	policy, err := balancer.ParsePolicy(cfg.LoadBalancer)
	if err != nil {
		return nil, &ValidationError{Service: id, Field: "load_balancer", Reason: err.Error()}
	}

	instances := cfg.Instances
	if len(instances) == 0 {
		instances = []string{cfg.BaseURL}
	}
	for i, inst := range instances {
		if err := validateURL(inst); err != nil {
			return nil, &ValidationError{Service: id, Field: fmt.Sprintf("instances[%d]", i), Reason: err.Error()}
		}
	}

	authDefault := cfg.RequiresAuth()
	routes := make([]routing.Route, 0, len(cfg.Routes))
	for i, rc := range cfg.Routes {
		method := routing.NormalizeMethod(rc.Method)
		if !knownMethods[method] {
			return nil, &ValidationError{Service: id, Field: fmt.Sprintf("routes[%d].method", i), Reason: fmt.Sprintf("unknown method %q", rc.Method)}
		}
		if !strings.HasPrefix(rc.Path, "/") {
			return nil, &ValidationError{Service: id, Field: fmt.Sprintf("routes[%d].path", i), Reason: "must start with /"}
		}
		authRequired := authDefault
		if rc.AuthRequired != nil {
			authRequired = *rc.AuthRequired
		}
		routes = append(routes, routing.Route{
			Method:       method,
			Pattern:      rc.Path,
			AuthRequired: authRequired,
			ServiceID:    id,
		})
	}

	svc := &Service{
		ID:              id,
		Name:            name,
		Version:         cfg.Version,
		BaseURL:         cfg.BaseURL,
		HealthCheckPath: healthPath,
		Routes:          routes,
		Policy:          policy,
		Instances:       append([]string(nil), instances...),
		AuthRequired:    authDefault,
		picker:          balancer.New(policy),
	}
	if rl := cfg.RateLimit; rl != nil {
		if rl.Window <= 0 || rl.MaxRequests <= 0 {
			return nil, &ValidationError{Service: id, Field: "rate_limit", Reason: "window and max_requests must be positive"}
		}
		svc.RateLimit = &WindowLimit{Window: rl.Window, MaxRequests: rl.MaxRequests}
	}
	return svc, nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// Lookup resolves a request to its owning service and the matched route.
func (r *Registry) Lookup(method, path string) (*Service, routing.Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.table.Match(method, path)
	if !ok {
		return nil, routing.Route{}, false
	}
	svc, ok := r.services[rt.ServiceID]
	if !ok {
		return nil, routing.Route{}, false
	}
	return svc, rt, true
}

// Get returns the service registered under id.
func (r *Registry) Get(id string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[id]
	return svc, ok
}

// List returns all services in registration order.
func (r *Registry) List() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Service, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.services[id])
	}
	return out
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// SetStatus records a probe result for id. It reports whether the status
// changed; ok is false when id is unknown.
func (r *Registry) SetStatus(id string, st Status, at time.Time) (changed, ok bool) {
	svc, ok := r.Get(id)
	if !ok {
		return false, false
	}
	changed = svc.setStatus(st, at)
	if st == StatusHealthy {
		metrics.ServiceUp.WithLabelValues(id).Set(1)
	} else {
		metrics.ServiceUp.WithLabelValues(id).Set(0)
	}
	return changed, true
}
