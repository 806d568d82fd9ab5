package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/dskow/service-gateway/internal/balancer"
	"github.com/dskow/service-gateway/internal/circuitbreaker"
	"github.com/dskow/service-gateway/internal/routing"
)

// Status is the last-known health of a service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// WindowLimit is a per-service fixed-window request limit.
type WindowLimit struct {
	Window      time.Duration `json:"window"`
	MaxRequests int           `json:"max_requests"`
}

// Service is one registered downstream backend. Identity, routes and
// instances never change after registration; status and the last probe
// time are updated by the health prober.
type Service struct {
	ID              string
	Name            string
	Version         string
	BaseURL         string
	HealthCheckPath string
	Routes          []routing.Route
	Policy          balancer.Policy
	Instances       []string
	AuthRequired    bool
	RateLimit       *WindowLimit

	picker  balancer.Picker
	breaker *circuitbreaker.Guard // nil when not configured

	mu                sync.RWMutex
	status            Status
	lastHealthCheckAt time.Time
}

// HealthURL is the endpoint probed at registration and by the prober.
func (s *Service) HealthURL() string {
	return strings.TrimRight(s.BaseURL, "/") + s.HealthCheckPath
}

// Status returns the last-known health.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Healthy reports whether the last probe succeeded.
func (s *Service) Healthy() bool {
	return s.Status() == StatusHealthy
}

// LastHealthCheckAt returns when the service was last probed.
func (s *Service) LastHealthCheckAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHealthCheckAt
}

// setStatus records a probe result and reports whether the status changed.
func (s *Service) setStatus(st Status, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.status != st
	s.status = st
	s.lastHealthCheckAt = at
	return changed
}

// SelectInstance picks the instance for the next forward.
func (s *Service) SelectInstance() string {
	return s.picker.Pick(s.Instances)
}

// Breaker returns the service's circuit breaker, or nil.
func (s *Service) Breaker() *circuitbreaker.Guard {
	return s.breaker
}

// ServiceView is the JSON form served by the discovery listing.
type ServiceView struct {
	ID                string                   `json:"id"`
	Name              string                   `json:"name"`
	Version           string                   `json:"version"`
	BaseURL           string                   `json:"base_url"`
	HealthCheckPath   string                   `json:"health_check_path"`
	Routes            []routing.Route          `json:"routes"`
	LoadBalancer      balancer.Policy          `json:"load_balancer"`
	Instances         []string                 `json:"instances"`
	AuthRequired      bool                     `json:"auth_required"`
	RateLimit         *WindowLimit             `json:"rate_limit,omitempty"`
	Status            Status                   `json:"status"`
	LastHealthCheckAt time.Time                `json:"last_health_check_at"`
	CircuitBreaker    *circuitbreaker.Snapshot `json:"circuit_breaker,omitempty"`
}

// Snapshot returns a consistent copy of the service for serialization.
func (s *Service) Snapshot() ServiceView {
	s.mu.RLock()
	status, at := s.status, s.lastHealthCheckAt
	s.mu.RUnlock()

	v := ServiceView{
		ID:                s.ID,
		Name:              s.Name,
		Version:           s.Version,
		BaseURL:           s.BaseURL,
		HealthCheckPath:   s.HealthCheckPath,
		Routes:            s.Routes,
		LoadBalancer:      s.Policy,
		Instances:         s.Instances,
		AuthRequired:      s.AuthRequired,
		RateLimit:         s.RateLimit,
		Status:            status,
		LastHealthCheckAt: at,
	}
	if s.breaker != nil {
		snap := s.breaker.Snapshot()
		v.CircuitBreaker = &snap
	}
	return v
}
