// Package middleware provides the HTTP middleware wrapped around the
// gateway: access logging, request IDs, CORS, security headers, body
// limits and panic recovery.
package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/dskow/service-gateway/internal/clientip"
)

// statusRecorder wraps http.ResponseWriter to capture the status code and,
// when enabled, the head of the response body.
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	body        *limitedBuffer
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.statusCode = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.wroteHeader = true
	if sr.body != nil {
		sr.body.Write(b)
	}
	return sr.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// LoggingConfig holds the runtime options for the Logging middleware.
type LoggingConfig struct {
	BodyLogging     bool
	MaxBodyLogBytes int
}

// Logging writes one structured access log entry per request after the
// response has been produced: method, path, status, latency, client IP and
// request ID. 5xx responses log at Error, 4xx at Warn, the rest at Info.
// With BodyLogging set, text bodies are included with sensitive JSON
// fields redacted.
func Logging(logger *slog.Logger, ips *clientip.Resolver, cfg LoggingConfig) func(http.Handler) http.Handler {
	maxBody := cfg.MaxBodyLogBytes
	if maxBody <= 0 {
		maxBody = 4096
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			var reqBody string
			if cfg.BodyLogging && r.Body != nil && isTextual(r.Header.Get("Content-Type")) {
				reqBody = captureRequestBody(r, maxBody)
			}

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			if cfg.BodyLogging {
				rec.body = &limitedBuffer{max: maxBody}
			}

			next.ServeHTTP(rec, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", ips.ClientIP(r),
				"request_id", GetRequestID(r.Context()),
			}
			if reqBody != "" {
				attrs = append(attrs, "request_body", reqBody)
			}
			if rec.body != nil && rec.body.Len() > 0 && isTextual(w.Header().Get("Content-Type")) {
				attrs = append(attrs, "response_body", redactSensitive(rec.body.String()))
			}

			logger.Log(context.WithoutCancel(r.Context()), levelFor(rec.statusCode), "request", attrs...)
		})
	}
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// ParseLogLevel converts a configured level name to a slog.Level,
// defaulting to Info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "json") ||
		strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "xml") ||
		strings.Contains(ct, "form-urlencoded")
}

// captureRequestBody reads up to maxBytes of r.Body and restores it for
// the next handler.
func captureRequestBody(r *http.Request, maxBytes int) string {
	var buf bytes.Buffer
	captured, _ := io.ReadAll(io.LimitReader(io.TeeReader(r.Body, &buf), int64(maxBytes)+1))
	r.Body = readCloser{Reader: io.MultiReader(&buf, r.Body), Closer: r.Body}

	s := string(captured)
	if len(captured) > maxBytes {
		s = s[:maxBytes] + "...[truncated]"
	}
	return redactSensitive(s)
}

type readCloser struct {
	io.Reader
	io.Closer
}

var sensitiveFieldRe = regexp.MustCompile(
	`(?i)"(password|secret|token|key|authorization|access_token|refresh_token)"\s*:\s*"[^"]*"`,
)

// redactSensitive masks the values of common credential fields in JSON.
func redactSensitive(s string) string {
	return sensitiveFieldRe.ReplaceAllString(s, `"$1":"***"`)
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (lb *limitedBuffer) Write(p []byte) {
	remaining := lb.max - lb.buf.Len()
	if remaining <= 0 {
		return
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	lb.buf.Write(p)
}

func (lb *limitedBuffer) Len() int       { return lb.buf.Len() }
func (lb *limitedBuffer) String() string { return lb.buf.String() }
