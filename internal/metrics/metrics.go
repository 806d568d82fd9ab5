// Package metrics provides Prometheus instrumentation for the gateway.
// Collectors are package-level so every component can record without
// plumbing; Init registers them once with the default registry.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts forwarded requests by service, method, and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests routed to a service",
		},
		[]string{"service", "method", "status"},
	)

	// RequestDuration observes forward latency in seconds by service and method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Forwarded request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method"},
	)

	// ActiveForwards tracks in-flight upstream calls.
	ActiveForwards = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_forwards",
			Help: "Number of upstream calls currently in flight",
		},
	)

	// Rejections counts requests the pipeline short-circuited, by reason
	// (route_not_found, service_unhealthy, circuit_open, saturated).
	Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rejections_total",
			Help: "Requests rejected before forwarding",
		},
		[]string{"reason"},
	)

	// RateLimitHits counts 429s by limiter scope ("global" or a service ID).
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"scope"},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	// UpstreamErrors counts failed forwards by service and kind
	// ("transport" or "5xx").
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Total failed upstream calls",
		},
		[]string{"service", "kind"},
	)

	// ServiceUp is 1 when the last probe of a service succeeded, else 0.
	ServiceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_service_up",
			Help: "Last known health of a registered service",
		},
		[]string{"service"},
	)

	// ProbeDuration observes health probe latency in seconds.
	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_health_probe_duration_seconds",
			Help:    "Health probe latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"service"},
	)

	// BreakerState exposes the circuit state per service (0 closed, 1 open, 2 half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per service",
		},
		[]string{"service"},
	)

	// BreakerTransitions counts circuit state changes.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"service", "from", "to"},
	)

	// BulkheadRejections counts requests refused because a service's
	// concurrency limit was reached.
	BulkheadRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_bulkhead_rejections_total",
			Help: "Requests rejected by the per-service concurrency limit",
		},
		[]string{"service"},
	)
)

var initOnce sync.Once

// Init registers all collectors with the default Prometheus registry.
// Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(collectors()...)
	})
}

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		ActiveForwards,
		Rejections,
		RateLimitHits,
		AuthFailures,
		UpstreamErrors,
		ServiceUp,
		ProbeDuration,
		BreakerState,
		BreakerTransitions,
		BulkheadRejections,
	}
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
