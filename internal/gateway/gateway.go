package gateway

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dskow/service-gateway/internal/admin"
	"github.com/dskow/service-gateway/internal/apierror"
	"github.com/dskow/service-gateway/internal/auth"
	"github.com/dskow/service-gateway/internal/clientip"
	"github.com/dskow/service-gateway/internal/config"
	"github.com/dskow/service-gateway/internal/health"
	"github.com/dskow/service-gateway/internal/metrics"
	"github.com/dskow/service-gateway/internal/middleware"
	"github.com/dskow/service-gateway/internal/proxy"
	"github.com/dskow/service-gateway/internal/ratelimit"
	"github.com/dskow/service-gateway/internal/registry"
	"github.com/dskow/service-gateway/internal/routing"
)

// Deps are the components the gateway is assembled from. Admin and
// Windows are optional.
type Deps struct {
	Config        *config.Config
	Registry      *registry.Registry
	Forwarder     proxy.Forwarder
	Authenticator *auth.Authenticator
	Limiter       *ratelimit.Limiter
	Windows       *ratelimit.WindowLimiter
	Admin         *admin.Handler
	IPs           *clientip.Resolver
	Logger        *slog.Logger
}

// New assembles the gateway handler:
//
//	Recovery → RequestID → SecurityHeaders → Logging → CORS → BodyLimit
//	→ Auth → RateLimit(global, per-service) → router
//
// The router serves /health, /ready, /services, the metrics path and the
// admin API; everything else goes to the pipeline Handler.
func New(d Deps) http.Handler {
	cfg := d.Config

	metricsPath := ""
	if cfg.Metrics.IsEnabled() {
		metricsPath = cfg.Metrics.Path
	}
	public := routing.NewPublicPaths(metricsPath)

	// Path cleaning stays on: auth and rate limiting match the raw path, so
	// dot segments and doubled slashes are answered with a 301 to the clean
	// path instead of being forwarded.
	root := mux.NewRouter()
	root.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
	})

	health.New(d.Registry).RegisterRoutes(root)
	if d.Admin != nil {
		d.Admin.RegisterServiceRoutes(root)
		if cfg.Admin.Enabled {
			d.Admin.RegisterAdminRoutes(root)
		}
	}
	if metricsPath != "" {
		root.Handle(metricsPath, metrics.Handler()).Methods(http.MethodGet)
	}
	root.PathPrefix("/").Handler(NewHandler(d.Registry, d.Forwarder, d.Logger))

	isPublic := func(r *http.Request) bool { return public.Contains(r.URL.Path) }

	enforcer := &ratelimit.Enforcer{
		Global:  d.Limiter,
		Windows: d.Windows,
		Resolve: func(r *http.Request) (string, *registry.WindowLimit, bool) {
			svc, _, ok := d.Registry.Lookup(r.Method, r.URL.Path)
			if !ok {
				return "", nil, false
			}
			return svc.ID, svc.RateLimit, true
		},
		IPs:    d.IPs,
		Skip:   isPublic,
		Logger: d.Logger,
	}

	var h http.Handler = root
	h = enforcer.Middleware()(h)
	h = d.Authenticator.Middleware(requiresAuth(d.Registry, public), d.Logger)(h)
	h = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(h)
	h = middleware.CORS(middleware.DefaultCORSConfig(cfg.CORS.AllowedOrigins))(h)
	h = middleware.Logging(d.Logger, d.IPs, middleware.LoggingConfig{
		BodyLogging:     cfg.Logging.BodyLogging,
		MaxBodyLogBytes: cfg.Logging.MaxBodyLogBytes,
	})(h)
	h = middleware.SecurityHeaders()(h)
	h = middleware.RequestID(h)
	h = middleware.Recovery(d.Logger)(h)
	return h
}

// requiresAuth decides whether a request must carry a valid token. Public
// paths never do; a matched route follows its own setting; anything
// unmatched does, so unknown paths cannot be probed anonymously.
func requiresAuth(services Resolver, public *routing.PublicPaths) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if public.Contains(r.URL.Path) {
			return false
		}
		if _, route, ok := services.Lookup(r.Method, r.URL.Path); ok {
			return route.AuthRequired
		}
		return true
	}
}
