// Package health serves the gateway's /health and /ready endpoints and runs
// the background prober that keeps each service's status current.
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/dskow/service-gateway/internal/registry"
)

// Lister is the subset of the service registry the handler reads.
type Lister interface {
	List() []*registry.Service
}

// Handler provides /health and /ready endpoints.
type Handler struct {
	reg Lister
	now func() time.Time
}

// New creates a health Handler over reg.
func New(reg Lister) *Handler {
	return &Handler{reg: reg, now: time.Now}
}

// RegisterRoutes adds the health routes to r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.health).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/ready", h.readiness).Methods(http.MethodGet, http.MethodHead)
}

type serviceStatus struct {
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Status  registry.Status `json:"status"`
}

type healthResponse struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Services  []serviceStatus `json:"services"`
}

// health reports gateway liveness plus the last-known status of every
// service. It always answers 200; "degraded" means some service is down.
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	services := h.reg.List()
	resp := healthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC(),
		Services:  make([]serviceStatus, 0, len(services)),
	}
	for _, svc := range services {
		st := svc.Status()
		if st != registry.StatusHealthy {
			resp.Status = "degraded"
		}
		resp.Services = append(resp.Services, serviceStatus{Name: svc.Name, Version: svc.Version, Status: st})
	}
	writeJSON(w, http.StatusOK, resp)
}

// readiness answers 503 while any registered service is unhealthy.
func (h *Handler) readiness(w http.ResponseWriter, _ *http.Request) {
	services := h.reg.List()
	results := make(map[string]registry.Status, len(services))
	ready := true
	for _, svc := range services {
		st := svc.Status()
		results[svc.ID] = st
		if st != registry.StatusHealthy {
			ready = false
		}
	}

	status, statusStr := http.StatusOK, "ready"
	if !ready {
		status, statusStr = http.StatusServiceUnavailable, "not ready"
	}
	writeJSON(w, status, map[string]any{
		"status":   statusStr,
		"services": results,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
