package middleware

import (
	"net/http"

	"github.com/dskow/service-gateway/internal/apierror"
)

// BodyLimit caps request bodies at maxBytes. A declared Content-Length
// over the limit is refused with 413 up front; chunked bodies are wrapped
// in http.MaxBytesReader so the upstream read fails once the cap is hit.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.BodyTooLarge, "request body exceeds maximum allowed size")
				return
			}
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
