// Package gateway implements the request pipeline that sits behind the
// middleware chain and assembles the full HTTP handler.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dskow/service-gateway/internal/apierror"
	"github.com/dskow/service-gateway/internal/auth"
	"github.com/dskow/service-gateway/internal/circuitbreaker"
	"github.com/dskow/service-gateway/internal/metrics"
	"github.com/dskow/service-gateway/internal/proxy"
	"github.com/dskow/service-gateway/internal/registry"
	"github.com/dskow/service-gateway/internal/routing"
)

// Resolver maps a request to the service that owns its route.
type Resolver interface {
	Lookup(method, path string) (*registry.Service, routing.Route, bool)
}

// Handler routes an authenticated, rate-limited request to a service
// instance. Requests are refused without forwarding when no route
// matches, when the service is unhealthy, or when its breaker is open.
type Handler struct {
	services  Resolver
	forwarder proxy.Forwarder
	logger    *slog.Logger
}

// NewHandler creates the pipeline handler.
func NewHandler(services Resolver, forwarder proxy.Forwarder, logger *slog.Logger) *Handler {
	return &Handler{services: services, forwarder: forwarder, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	svc, _, ok := h.services.Lookup(r.Method, r.URL.Path)
	if !ok {
		metrics.Rejections.WithLabelValues("route_not_found").Inc()
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, apierror.MsgRouteNotFound)
		return
	}

	if !svc.Healthy() {
		metrics.Rejections.WithLabelValues("service_unhealthy").Inc()
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.ServiceUnhealthy, apierror.MsgServiceUnavailable)
		return
	}

	cb := svc.Breaker()
	if cb != nil {
		if err := cb.Acquire(); err != nil {
			h.refuse(w, r, svc.ID, err)
			return
		}
		defer cb.Release()
	}

	instance := svc.SelectInstance()
	principal, _ := auth.FromContext(r.Context())

	res := h.forwarder.Forward(w, r, instance, principal)
	h.record(svc, r, instance, res)
}

func (h *Handler) refuse(w http.ResponseWriter, r *http.Request, serviceID string, err error) {
	if errors.Is(err, circuitbreaker.ErrSaturated) {
		metrics.Rejections.WithLabelValues("saturated").Inc()
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.ServiceSaturated, apierror.MsgSaturated)
		return
	}
	metrics.Rejections.WithLabelValues("circuit_open").Inc()
	h.logger.Debug("circuit open, request refused", "service", serviceID, "path", r.URL.Path)
	apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.CircuitOpen, apierror.MsgCircuitOpen)
}

// record updates metrics and the breaker with the forward outcome.
// Client cancellations are not held against the service.
func (h *Handler) record(svc *registry.Service, r *http.Request, instance string, res proxy.Result) {
	metrics.RequestsTotal.WithLabelValues(svc.ID, r.Method, strconv.Itoa(res.Status)).Inc()
	metrics.RequestDuration.WithLabelValues(svc.ID, r.Method).Observe(res.Latency.Seconds())

	if res.Canceled {
		h.logger.Debug("client canceled forward", "service", svc.ID, "instance", instance)
		return
	}

	switch {
	case res.Err != nil:
		metrics.UpstreamErrors.WithLabelValues(svc.ID, "transport").Inc()
	case res.Status >= http.StatusInternalServerError:
		metrics.UpstreamErrors.WithLabelValues(svc.ID, "5xx").Inc()
	}

	cb := svc.Breaker()
	if cb == nil {
		return
	}
	if res.Failed() {
		cb.RecordFailure(res.Latency)
	} else {
		cb.RecordSuccess(res.Latency)
	}
}
