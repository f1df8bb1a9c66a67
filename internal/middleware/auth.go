package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/carevault/internal/auth"
)

// Error codes written by the auth middleware.
const (
	ErrCodeUnauthorized = "auth_failed"
	ErrCodeForbidden    = "forbidden"
)

// TokenValidator validates a bearer token. *auth.JWTService implements it.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// DeniedFunc is called when an authenticated actor lacks a permission.
type DeniedFunc func(r *http.Request, actor string, role auth.Role, perm auth.Permission)

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeAuthError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	UpdateResponseContext(r.Context(), code)
	var body errorEnvelope
	body.Error.Code = code
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// bearerToken extracts the token from an Authorization header. Websocket
// clients that cannot set headers may pass ?access_token= instead.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("access_token")
}

// AuthOption configures Authenticate.
type AuthOption func(*authOptions)

type authOptions struct {
	failureGate func(http.Handler) http.Handler
}

// WithFailureGate wraps the 401 response in gate, typically an IP-keyed
// RateLimit, so that repeated authentication failures are throttled. Requests
// with a valid token never pass through the gate.
func WithFailureGate(gate func(http.Handler) http.Handler) AuthOption {
	return func(o *authOptions) { o.failureGate = gate }
}

type authFailureKey struct{}

// Authenticate rejects requests without a valid bearer token with 401 and
// stores the token's actor and role in the request context.
func Authenticate(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	var o authOptions
	for _, opt := range opts {
		opt(&o)
	}
	var reject http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg, _ := r.Context().Value(authFailureKey{}).(string)
		writeAuthError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, msg)
	})
	if o.failureGate != nil {
		reject = o.failureGate(reject)
	}
	fail := func(w http.ResponseWriter, r *http.Request, msg string) {
		reject.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authFailureKey{}, msg)))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				fail(w, r, "Missing bearer token")
				return
			}
			claims, err := validator.ValidateToken(token)
			if err != nil {
				msg := "Invalid token"
				if errors.Is(err, auth.ErrExpiredToken) {
					msg = "Token has expired"
				}
				fail(w, r, msg)
				return
			}
			role, _ := auth.ParseRole(claims.Role)
			ctx := SetActor(r.Context(), claims.Actor(), string(role))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission allows the request only when the actor's role grants
// perm. Denials get 403 and are reported to onDenied, which may be nil.
func RequirePermission(perm auth.Permission, onDenied DeniedFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := GetActor(r.Context())
			if actor == "" {
				writeAuthError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "Authentication required")
				return
			}
			role := auth.Role(GetRole(r.Context()))
			if !auth.HasPermission(role, perm) {
				if onDenied != nil {
					onDenied(r, actor, role, perm)
				}
				writeAuthError(w, r, http.StatusForbidden, ErrCodeForbidden, "Missing permission "+string(perm))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
