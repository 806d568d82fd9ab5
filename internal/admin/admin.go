// Package admin serves the service discovery listing and the operator
// endpoints. /services is public; everything under /admin is
// restricted to an IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/dskow/service-gateway/internal/apierror"
	"github.com/dskow/service-gateway/internal/clientip"
	"github.com/dskow/service-gateway/internal/config"
	"github.com/dskow/service-gateway/internal/ratelimit"
	"github.com/dskow/service-gateway/internal/registry"
)

// Services is the subset of the registry the listing reads.
type Services interface {
	List() []*registry.Service
	Get(id string) (*registry.Service, bool)
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// LimiterSnapshotter reports the global limiter's buckets.
type LimiterSnapshotter interface {
	Snapshot() []ratelimit.Entry
}

// Handler provides the discovery and admin endpoints.
type Handler struct {
	services    Services
	config      ConfigProvider
	limiter     LimiterSnapshotter
	ips         *clientip.Resolver
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates a Handler. allowlist CIDRs are validated by config loading;
// invalid entries are skipped. ips resolves the caller address checked
// against the allowlist.
func New(services Services, cfg ConfigProvider, limiter LimiterSnapshotter, allowlist []string, ips *clientip.Resolver, logger *slog.Logger) *Handler {
	return &Handler{
		services:    services,
		config:      cfg,
		limiter:     limiter,
		ips:         ips,
		allowedNets: clientip.ParseCIDRs(allowlist, logger),
		logger:      logger,
	}
}

// RegisterServiceRoutes adds the public discovery listing to r.
func (h *Handler) RegisterServiceRoutes(r *mux.Router) {
	handle(r, "/services", h.listServices, http.MethodGet, http.MethodHead)
	handle(r, "/services/{id}", h.getService, http.MethodGet, http.MethodHead)
}

// RegisterAdminRoutes adds the allowlisted /admin endpoints to r.
func (h *Handler) RegisterAdminRoutes(r *mux.Router) {
	sub := r.PathPrefix("/admin").Subrouter()
	sub.Use(h.guard)
	handle(sub, "/config", h.configHandler, http.MethodGet)
	handle(sub, "/limiters", h.limitersHandler, http.MethodGet)
	handle(sub, "/services/{id}/breaker/reset", h.resetBreaker, http.MethodPost)
}

// handle registers fn for methods and answers any other method on path
// with 405. The fallback route keeps a method mismatch from falling
// through to a catch-all registered later on the parent router.
func handle(r *mux.Router, path string, fn http.HandlerFunc, methods ...string) {
	r.HandleFunc(path, fn).Methods(methods...)
	allow := strings.Join(methods, ", ")
	r.HandleFunc(path, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Allow", allow)
		apierror.WriteJSON(w, req, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
	})
}

// guard rejects callers outside the allowlist with 403.
func (h *Handler) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := h.ips.ClientIP(r)
		if !clientip.Contains(h.allowedNets, ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden, "access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) listServices(w http.ResponseWriter, r *http.Request) {
	svcs := h.services.List()
	views := make([]registry.ServiceView, 0, len(svcs))
	for _, svc := range svcs {
		views = append(views, svc.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": views})
}

func (h *Handler) getService(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.services.Get(mux.Vars(r)["id"])
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "service not found")
		return
	}
	writeJSON(w, http.StatusOK, svc.Snapshot())
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	redacted := *h.config.Current()
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}
	if redacted.RateLimit.Redis.Password != "" {
		redacted.RateLimit.Redis.Password = "***"
	}
	writeJSON(w, http.StatusOK, redacted)
}

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

func (h *Handler) limitersHandler(w http.ResponseWriter, r *http.Request) {
	entries := h.limiter.Snapshot()

	pageSize := defaultPageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && v > 0 && v <= maxPageSize {
		pageSize = v
	}
	page := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v >= 0 {
		page = v
	}

	total := len(entries)
	start := min(page*pageSize, total)
	end := min(start+pageSize, total)

	writeJSON(w, http.StatusOK, map[string]any{
		"entries":   entries[start:end],
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (h *Handler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	svc, ok := h.services.Get(id)
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "service not found")
		return
	}
	cb := svc.Breaker()
	if cb == nil {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "service has no circuit breaker")
		return
	}
	cb.Reset()
	h.logger.Info("circuit breaker reset by operator", "service", id, "client_ip", h.ips.ClientIP(r))
	writeJSON(w, http.StatusOK, cb.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
