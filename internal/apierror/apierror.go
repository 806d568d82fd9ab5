// Package apierror provides the single JSON error envelope used by every
// rejection the gateway produces. Per-request failures are converted to one
// of the stable codes below at the middleware or routing boundary; internal
// causes are logged by the caller and never written to the client.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Gateway error codes. Clients program against these strings, so existing
// codes must not be renamed.
const (
	RouteNotFound       ErrorCode = "GATEWAY_ROUTE_NOT_FOUND"
	ServiceUnhealthy    ErrorCode = "GATEWAY_SERVICE_UNHEALTHY"
	CircuitOpen         ErrorCode = "GATEWAY_CIRCUIT_OPEN"
	ServiceSaturated    ErrorCode = "GATEWAY_SERVICE_SATURATED"
	UpstreamUnavailable ErrorCode = "GATEWAY_UPSTREAM_UNAVAILABLE"
	AuthMissingToken    ErrorCode = "GATEWAY_AUTH_MISSING_TOKEN"
	AuthInvalidToken    ErrorCode = "GATEWAY_AUTH_INVALID_TOKEN"
	RateLimitExceeded   ErrorCode = "GATEWAY_RATE_LIMIT_EXCEEDED"
	MethodNotAllowed    ErrorCode = "GATEWAY_METHOD_NOT_ALLOWED"
	NotFound            ErrorCode = "GATEWAY_NOT_FOUND"
	Forbidden           ErrorCode = "GATEWAY_FORBIDDEN"
	BodyTooLarge        ErrorCode = "GATEWAY_BODY_TOO_LARGE"
	InternalError       ErrorCode = "GATEWAY_INTERNAL_ERROR"
)

// Client-facing messages. These stay generic;
// the cause of a failure stays in the server log.
const (
	MsgRouteNotFound      = "no matching route"
	MsgServiceUnavailable = "service unavailable"
	MsgCircuitOpen        = "circuit breaker open"
	MsgSaturated          = "too many concurrent requests to service"
	MsgMissingToken       = "missing or malformed Authorization header"
	MsgInvalidToken       = "invalid or expired token"
	MsgRateLimited        = "rate limit exceeded, retry later"
)

// ErrorResponse is the standardized gateway error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized bodies for the rejections on the hot path. They carry no
// request_id, so they are only used when the request has none.
var (
	preRouteNotFound       = mustMarshal(http.StatusNotFound, RouteNotFound, MsgRouteNotFound)
	preServiceUnhealthy    = mustMarshal(http.StatusServiceUnavailable, ServiceUnhealthy, MsgServiceUnavailable)
	preUpstreamUnavailable = mustMarshal(http.StatusInternalServerError, UpstreamUnavailable, MsgServiceUnavailable)
	preAuthMissingToken    = mustMarshal(http.StatusUnauthorized, AuthMissingToken, MsgMissingToken)
	preRateLimitExceeded   = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, MsgRateLimited)
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. The X-Request-ID header
// of r, when present, is echoed as request_id. r may be nil.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{ //nolint:errcheck
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == RouteNotFound && status == http.StatusNotFound && message == MsgRouteNotFound:
		return preRouteNotFound
	case code == ServiceUnhealthy && status == http.StatusServiceUnavailable && message == MsgServiceUnavailable:
		return preServiceUnhealthy
	case code == UpstreamUnavailable && status == http.StatusInternalServerError && message == MsgServiceUnavailable:
		return preUpstreamUnavailable
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == MsgMissingToken:
		return preAuthMissingToken
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == MsgRateLimited:
		return preRateLimitExceeded
	}
	return nil
}
