package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/carevault/internal/auth"
	"github.com/onnwee/carevault/internal/health"
	"github.com/onnwee/carevault/internal/ledger"
	"github.com/onnwee/carevault/internal/middleware"
	"github.com/onnwee/carevault/internal/ratelimit"
)

// Limiter is the rate limiter as used by the router: request accounting
// plus administration.
type Limiter interface {
	middleware.RateLimitChecker
	RateLimitAdmin
}

// Services are the components exposed over HTTP. Metrics, Gatherer and
// ServiceName are optional.
type Services struct {
	Ledger   AuditLedger
	Keys     KeyManager
	Broker   StreamBroker
	Limiter  Limiter
	Reporter ComplianceReporter
	Tokens   middleware.TokenValidator
	Checks   []health.Named

	Logger         *slog.Logger
	Metrics        *middleware.Metrics
	Gatherer       prometheus.Gatherer
	ServiceName    string
	AllowedOrigins []string
}

type router struct {
	s       Services
	mux     *http.ServeMux
	authn   func(http.Handler) http.Handler
	limit   func(http.Handler) http.Handler
	tracing func(http.Handler) http.Handler
}

// NewRouter builds the HTTP handler. Protected routes run, in order:
// authentication, per-actor rate limiting, the permission check, then the
// handler. Failed authentications are charged to the client IP, so repeated
// 401s become 429s. Denials and rate-limit rejections are recorded in the
// ledger.
func NewRouter(s Services) http.Handler {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	rt := &router{s: s, mux: http.NewServeMux()}
	rt.limit = middleware.RateLimit(s.Limiter, middleware.ActorKeyFunc(), middleware.OnRateLimited(rt.rateLimited))
	rt.authn = middleware.Authenticate(s.Tokens, middleware.WithFailureGate(rt.limit))
	if s.ServiceName != "" {
		rt.tracing = middleware.Tracing(s.ServiceName)
	}

	healthH := NewHealthHandlers(s.Checks...)
	auditH := NewAuditHandlers(s.Ledger)
	streamH := NewStreamHandlers(s.Broker, s.AllowedOrigins)
	keyH := NewKeyHandlers(s.Keys)
	rlH := NewRateLimitHandlers(s.Limiter, s.Ledger)
	compH := NewComplianceHandlers(s.Reporter)

	rt.public("GET /health", healthH.Health)
	rt.public("GET /ready", healthH.Ready)
	if s.Gatherer != nil {
		rt.mux.Handle("GET /metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}

	rt.protect("GET /audit/entries", auth.PermAuditRead, auditH.ListEntries)
	rt.protect("GET /audit/entries/{seq}/verify", auth.PermAuditVerify, auditH.VerifyEntry)
	rt.protect("POST /audit/verify", auth.PermAuditIntegrity, auditH.VerifyIntegrity)
	rt.protect("GET /audit/stream", auth.PermStreamSubscribe, streamH.Subscribe)

	rt.protect("GET /keys/info", auth.PermKeysRead, keyH.Info)
	rt.protect("POST /keys/rotate", auth.PermKeysRotate, keyH.Rotate)

	rt.protect("GET /ratelimit/config", auth.PermRateLimitAdmin, rlH.GetConfig)
	rt.protect("PUT /ratelimit/config", auth.PermRateLimitAdmin, rlH.UpdateConfig)
	rt.protect("POST /ratelimit/whitelist", auth.PermRateLimitAdmin, rlH.AddToWhitelist)
	rt.protect("DELETE /ratelimit/whitelist/{identity}", auth.PermRateLimitAdmin, rlH.RemoveFromWhitelist)
	rt.protect("GET /ratelimit/info/{identity}", auth.PermRateLimitAdmin, rlH.Info)

	rt.protect("GET /compliance/report", auth.PermReportsRead, compH.Report)
	rt.protect("GET /compliance/violations", auth.PermReportsRead, compH.Violations)
	rt.protect("GET /compliance/suspicious", auth.PermReportsRead, compH.Suspicious)
	rt.protect("GET /compliance/statistics", auth.PermReportsRead, compH.Statistics)

	rt.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})

	var h http.Handler = rt.mux
	if s.Metrics != nil {
		h = middleware.HTTPMetrics(s.Metrics)(h)
	}
	h = middleware.CORS(middleware.CORSConfig{AllowedOrigins: s.AllowedOrigins, MaxAge: 600})(h)
	h = middleware.Logging(s.Logger)(h)
	return middleware.RequestID(h)
}

func (rt *router) public(pattern string, h http.HandlerFunc) {
	rt.mux.Handle(pattern, rt.traced(h))
}

func (rt *router) protect(pattern string, perm auth.Permission, h http.HandlerFunc) {
	chain := rt.authn(rt.limit(middleware.RequirePermission(perm, rt.accessDenied)(h)))
	rt.mux.Handle(pattern, rt.traced(chain))
}

func (rt *router) traced(h http.Handler) http.Handler {
	if rt.tracing == nil {
		return h
	}
	return rt.tracing(h)
}

// accessDenied records an ACCESS_DENIED event. The request has already been
// refused, so a failed append is logged and not surfaced.
func (rt *router) accessDenied(r *http.Request, actor string, role auth.Role, perm auth.Permission) {
	ev := ledger.EventFromRequest(r, ledger.Event{
		Actor:       actor,
		Type:        ledger.EventAccessDenied,
		Severity:    ledger.SeverityWarning,
		Sensitivity: ledger.SensitivityInternal,
		Details: map[string]string{
			"permission": string(perm),
			"role":       string(role),
			"route":      r.Pattern,
		},
	})
	if _, err := rt.s.Ledger.Record(r.Context(), ev); err != nil {
		rt.s.Logger.ErrorContext(r.Context(), "failed to record access denial",
			"error", err, "actor", actor, "permission", perm)
	}
}

// rateLimited records a RATE_LIMIT_EXCEEDED event for a rejected request.
func (rt *router) rateLimited(r *http.Request, id string, d ratelimit.Decision) {
	ev := ledger.EventFromRequest(r, ledger.Event{
		Type:        ledger.EventRateLimitExceeded,
		Severity:    ledger.SeverityWarning,
		Sensitivity: ledger.SensitivityInternal,
		Details: map[string]string{
			"identity": id,
			"limit":    strconv.Itoa(d.Limit),
			"reset_at": strconv.FormatInt(d.ResetAt.Unix(), 10),
			"route":    r.Pattern,
		},
	})
	if _, err := rt.s.Ledger.Record(r.Context(), ev); err != nil {
		rt.s.Logger.ErrorContext(r.Context(), "failed to record rate limit rejection",
			"error", err, "identity", id)
	}
}
