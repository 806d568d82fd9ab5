package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dskow/service-gateway/internal/apierror"
)

// Recovery recovers from handler panics, logs the stack and answers 500.
// http.ErrAbortHandler is re-raised so the server aborts the connection,
// which is how the forwarder signals a broken upstream body mid-stream.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler {
					panic(err)
				}
				logger.Error("panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", GetRequestID(r.Context()),
				)
				apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "an unexpected error occurred")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
