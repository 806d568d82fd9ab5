// Package proxy forwards requests to a chosen service instance and relays
// the upstream response verbatim.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/dskow/service-gateway/internal/apierror"
	"github.com/dskow/service-gateway/internal/auth"
	"github.com/dskow/service-gateway/internal/clientip"
	"github.com/dskow/service-gateway/internal/metrics"
)

// DefaultTimeout bounds a single forward, including the response body.
const DefaultTimeout = 30 * time.Second

// Result describes one forward for breaker and metrics accounting.
type Result struct {
	Status  int
	Latency time.Duration
	// Err is the transport error, if the upstream could not be reached or
	// did not answer in time. The client has already received a 500.
	Err error
	// Canceled is set when the client went away mid-forward. Such
	// forwards say nothing about upstream health.
	Canceled bool
}

// Failed reports whether the upstream misbehaved: a transport error or a
// 5xx answer.
func (r Result) Failed() bool {
	return !r.Canceled && (r.Err != nil || r.Status >= http.StatusInternalServerError)
}

// Forwarder sends r to instance and writes the upstream response to w.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, instance string, principal *auth.Principal) Result
}

// Option configures an HTTPForwarder.
type Option func(*HTTPForwarder)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(f *HTTPForwarder) { f.timeout = d }
}

// WithTransport sets the RoundTripper used for upstream calls.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *HTTPForwarder) { f.transport = rt }
}

// HTTPForwarder is a Forwarder backed by one httputil.ReverseProxy per
// instance.
type HTTPForwarder struct {
	ips       *clientip.Resolver
	logger    *slog.Logger
	timeout   time.Duration
	transport http.RoundTripper

	mu      sync.RWMutex
	proxies map[string]*httputil.ReverseProxy
}

// NewHTTPForwarder creates an HTTPForwarder. ips resolves the client
// address sent upstream in X-Forwarded-For.
func NewHTTPForwarder(ips *clientip.Resolver, logger *slog.Logger, opts ...Option) *HTTPForwarder {
	f := &HTTPForwarder{
		ips:     ips,
		logger:  logger,
		timeout: DefaultTimeout,
		proxies: make(map[string]*httputil.ReverseProxy),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type forwardKey struct{}

// forwardState carries per-request data into the shared ReverseProxy
// callbacks.
type forwardState struct {
	instance  string
	clientIP  string
	principal *auth.Principal
	err       error
}

// Forward implements Forwarder. The path and query of r are appended to
// instance unchanged.
func (f *HTTPForwarder) Forward(w http.ResponseWriter, r *http.Request, instance string, principal *auth.Principal) Result {
	start := time.Now()

	rp, err := f.proxyFor(instance)
	if err != nil {
		f.logger.Error("invalid instance URL", "instance", instance, "error", err)
		apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.UpstreamUnavailable, apierror.MsgServiceUnavailable)
		return Result{Status: http.StatusInternalServerError, Latency: time.Since(start), Err: err}
	}

	metrics.ActiveForwards.Inc()
	defer metrics.ActiveForwards.Dec()

	state := &forwardState{
		instance:  instance,
		clientIP:  f.ips.ClientIP(r),
		principal: principal,
	}
	ctx, cancel := context.WithTimeout(context.WithValue(r.Context(), forwardKey{}, state), f.timeout)
	defer cancel()

	rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	rp.ServeHTTP(rec, r.WithContext(ctx))

	res := Result{Status: rec.statusCode, Latency: time.Since(start), Err: state.err}
	if state.err != nil && errors.Is(r.Context().Err(), context.Canceled) {
		res.Canceled = true
	}
	return res
}

// proxyFor returns the cached ReverseProxy for instance, creating it on
// first use.
func (f *HTTPForwarder) proxyFor(instance string) (*httputil.ReverseProxy, error) {
	f.mu.RLock()
	rp, ok := f.proxies[instance]
	f.mu.RUnlock()
	if ok {
		return rp, nil
	}

	target, err := url.Parse(instance)
	if err != nil {
		return nil, fmt.Errorf("parsing instance %q: %w", instance, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("instance %q: missing scheme or host", instance)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if rp, ok := f.proxies[instance]; ok {
		return rp, nil
	}

	rp = &httputil.ReverseProxy{
		Rewrite:      rewrite(target),
		Transport:    f.transport,
		ErrorHandler: f.handleError,
	}
	f.proxies[instance] = rp
	return rp, nil
}

func rewrite(target *url.URL) func(*httputil.ProxyRequest) {
	return func(pr *httputil.ProxyRequest) {
		pr.SetURL(target)
		pr.SetXForwarded()

		state, _ := pr.In.Context().Value(forwardKey{}).(*forwardState)
		if state == nil {
			return
		}
		pr.Out.Header.Set("X-Forwarded-For", state.clientIP)
		if state.principal != nil && state.principal.UserID != "" {
			pr.Out.Header.Set("X-User-Id", state.principal.UserID)
		} else {
			pr.Out.Header.Del("X-User-Id")
		}
	}
}

// handleError runs when the upstream could not be reached or timed out.
// The cause is logged; the client sees a generic 500.
func (f *HTTPForwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	instance := ""
	if state, ok := r.Context().Value(forwardKey{}).(*forwardState); ok {
		state.err = err
		instance = state.instance
	}
	f.logger.Error("upstream request failed",
		"error", err,
		"instance", instance,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", r.Header.Get("X-Request-ID"),
	)
	apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.UpstreamUnavailable, apierror.MsgServiceUnavailable)
}

// responseRecorder captures the status code while still writing to the
// real client.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.written {
		rr.statusCode = code
		rr.written = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.written {
		rr.statusCode = http.StatusOK
		rr.written = true
	}
	return rr.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer for
// flushing streamed responses.
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}
