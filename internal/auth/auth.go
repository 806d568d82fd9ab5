// Package auth verifies HS256 JWT bearer tokens and attaches the caller's
// principal to the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/service-gateway/internal/apierror"
	"github.com/dskow/service-gateway/internal/config"
	"github.com/dskow/service-gateway/internal/metrics"
)

type contextKey struct{}

// ErrMissingToken is returned when no bearer token is present.
var ErrMissingToken = errors.New("missing bearer token")

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	UserID  string
	Issuer  string
	Scopes  []string
	Claims  jwt.MapClaims
}

// NewContext returns a copy of ctx carrying p.
func NewContext(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored by the middleware, if any.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok && p != nil
}

// Authenticator verifies tokens signed with the gateway's shared secret.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator builds an Authenticator. Issuer and audience are only
// checked when configured.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Authenticator{
		secret: []byte(cfg.JWTSecret),
		parser: jwt.NewParser(opts...),
	}
}

// Verify checks tokenStr's signature and expiry and returns its principal.
// An empty tokenStr yields ErrMissingToken.
func (a *Authenticator) Verify(tokenStr string) (*Principal, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}
	token, err := a.parser.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	p := &Principal{Claims: claims}
	p.Subject, _ = claims["sub"].(string)
	p.Issuer, _ = claims["iss"].(string)
	p.UserID = userID(claims)
	if p.UserID == "" {
		p.UserID = p.Subject
	}

	// OAuth2 space-separated "scope", or a "scopes" array.
	if s, ok := claims["scope"].(string); ok {
		p.Scopes = strings.Fields(s)
	} else if arr, ok := claims["scopes"].([]interface{}); ok {
		for _, v := range arr {
			if s, ok := v.(string); ok {
				p.Scopes = append(p.Scopes, s)
			}
		}
	}
	return p, nil
}

func userID(claims jwt.MapClaims) string {
	for _, k := range []string{"userId", "user_id", "id"} {
		switch v := claims[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// Middleware rejects requests for which requiresAuth is true and no valid
// bearer token is presented. The handler never runs for a rejected request.
func (a *Authenticator) Middleware(requiresAuth func(*http.Request) bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !requiresAuth(r) {
				next.ServeHTTP(w, r)
				return
			}

			p, err := a.Verify(extractBearerToken(r))
			if errors.Is(err, ErrMissingToken) {
				metrics.AuthFailures.WithLabelValues("missing_token").Inc()
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthMissingToken, apierror.MsgMissingToken)
				return
			}
			if err != nil {
				reason := "invalid_token"
				if errors.Is(err, jwt.ErrTokenExpired) {
					reason = "expired_token"
				}
				metrics.AuthFailures.WithLabelValues(reason).Inc()
				logger.Warn("auth failure", "error", err, "path", r.URL.Path, "request_id", r.Header.Get("X-Request-ID"))
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthInvalidToken, apierror.MsgInvalidToken)
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), p)))
		})
	}
}

// extractBearerToken returns "" when the header is absent or not a
// bearer credential.
func extractBearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
