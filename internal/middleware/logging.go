// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
)

type actorKey struct{}
type roleKey struct{}
type errorCodeKey struct{}
type requestStateKey struct{}

// requestState is shared between Logging and inner handlers so values set
// deeper in the chain (actor, error code) reach the access log.
type requestState struct {
	mu        sync.Mutex
	actor     string
	errorCode string
}

func stateFrom(ctx context.Context) *requestState {
	st, _ := ctx.Value(requestStateKey{}).(*requestState)
	return st
}

// SetActor stores the authenticated actor and role in the context.
// Authentication middleware calls this after validating the token.
func SetActor(ctx context.Context, actor, role string) context.Context {
	if st := stateFrom(ctx); st != nil {
		st.mu.Lock()
		st.actor = actor
		st.mu.Unlock()
	}
	ctx = context.WithValue(ctx, actorKey{}, actor)
	return context.WithValue(ctx, roleKey{}, role)
}

// GetActor returns the authenticated actor, or "" when unauthenticated.
func GetActor(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok {
		return actor
	}
	return ""
}

// GetRole returns the authenticated actor's role, or "".
func GetRole(ctx context.Context) string {
	if role, ok := ctx.Value(roleKey{}).(string); ok {
		return role
	}
	return ""
}

// SetErrorCode stores an error code in the context for the access log.
func SetErrorCode(ctx context.Context, code string) context.Context {
	UpdateResponseContext(ctx, code)
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// UpdateResponseContext records an error code on the in-flight request so
// Logging can report it even though handlers cannot replace its context.
func UpdateResponseContext(ctx context.Context, code string) {
	if st := stateFrom(ctx); st != nil {
		st.mu.Lock()
		st.errorCode = code
		st.mu.Unlock()
	}
}

// GetErrorCode retrieves the error code from context. Returns "" if not present.
func GetErrorCode(ctx context.Context) string {
	if code, ok := ctx.Value(errorCodeKey{}).(string); ok {
		return code
	}
	if st := stateFrom(ctx); st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.errorCode
	}
	return ""
}

// responseWriter captures status code and response size.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
}

// WriteHeader records the first status code written.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size.
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack lets the audit stream upgrade to a websocket through this wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying response writer does not support hijacking")
	}
	return h.Hijack()
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// NewLogger returns a JSON logger in production and a debug-level text logger otherwise.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}
	return slog.New(handler)
}

// Logging writes one structured access-log line per request: method, path,
// status, latency, size, request ID, actor and error code when present.
// Place a recovery middleware outside it if panics must be logged.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			st := &requestState{}
			r = r.WithContext(context.WithValue(r.Context(), requestStateKey{}, st))
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int("size", rw.size),
			}
			if requestID := GetRequestID(r.Context()); requestID != "" {
				attrs = append(attrs, slog.String("request_id", requestID))
			}

			st.mu.Lock()
			actor, errorCode := st.actor, st.errorCode
			st.mu.Unlock()
			if actor != "" {
				attrs = append(attrs, slog.String("actor", actor))
			}
			if rw.statusCode >= 400 && errorCode != "" {
				attrs = append(attrs, slog.String("error_code", errorCode))
			}

			switch {
			case rw.statusCode >= 500:
				logger.LogAttrs(r.Context(), slog.LevelError, "request completed", attrs...)
			case rw.statusCode >= 400:
				logger.LogAttrs(r.Context(), slog.LevelWarn, "request completed", attrs...)
			default:
				logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
			}
		})
	}
}
