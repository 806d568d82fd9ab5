package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/dskow/service-gateway/internal/apierror"
	"github.com/dskow/service-gateway/internal/clientip"
	"github.com/dskow/service-gateway/internal/metrics"
	"github.com/dskow/service-gateway/internal/registry"
)

// ServiceResolver returns the service a request is routed to and its
// window limit, if any.
type ServiceResolver func(r *http.Request) (serviceID string, limit *registry.WindowLimit, ok bool)

// Enforcer applies the global limiter and then the matched service's
// window limiter. Skip, when set, exempts requests (public paths).
type Enforcer struct {
	Global  *Limiter
	Windows *WindowLimiter
	Resolve ServiceResolver
	IPs     *clientip.Resolver
	Skip    func(*http.Request) bool
	Logger  *slog.Logger
}

// Middleware returns the rate-limiting middleware.
func (e *Enforcer) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if e.Skip != nil && e.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			ip := e.IPs.ClientIP(r)

			if e.Global != nil {
				if ok, retry := e.Global.Allow(ip); !ok {
					e.reject(w, r, "global", ip, retry)
					return
				}
			}

			if e.Windows != nil && e.Resolve != nil {
				if id, limit, ok := e.Resolve(r); ok && limit != nil {
					allowed, retry := e.Windows.Allow(r.Context(), id+":"+ip, limit.Window, limit.MaxRequests)
					if !allowed {
						e.reject(w, r, id, ip, retry)
						return
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (e *Enforcer) reject(w http.ResponseWriter, r *http.Request, scope, ip string, retry time.Duration) {
	e.Logger.Warn("rate limit exceeded", "scope", scope, "client_ip", ip, "path", r.URL.Path)
	metrics.RateLimitHits.WithLabelValues(scope).Inc()
	w.Header().Set("Retry-After", retryAfterSeconds(retry))
	apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimitExceeded, apierror.MsgRateLimited)
}

// retryAfterSeconds rounds d up to whole seconds, at least 1.
func retryAfterSeconds(d time.Duration) string {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return strconv.FormatInt(s, 10)
}
