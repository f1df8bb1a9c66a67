package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/carevault/internal/ratelimit"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// RateLimitChecker is the part of ratelimit.Limiter the middleware needs.
type RateLimitChecker interface {
	Check(ctx context.Context, id string) ratelimit.Decision
}

// KeyFunc extracts a rate limit identity from an HTTP request.
type KeyFunc func(r *http.Request) string

// ClientIP returns the client address, preferring the first X-Forwarded-For
// hop, then X-Real-IP, then RemoteAddr. Ports are stripped. Header values
// that do not parse as an IP address are ignored.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip, ok := parseHeaderIP(first); ok {
			return ip
		}
	}
	if ip, ok := parseHeaderIP(r.Header.Get("X-Real-IP")); ok {
		return ip
	}
	return stripPort(r.RemoteAddr)
}

func parseHeaderIP(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	host := stripPort(v)
	if net.ParseIP(host) == nil {
		return "", false
	}
	return host, true
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// IPKeyFunc keys requests by client IP.
func IPKeyFunc() KeyFunc {
	return ClientIP
}

// ActorKeyFunc keys authenticated requests by actor, falling back to IP.
func ActorKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if actor := GetActor(r.Context()); actor != "" {
			return "actor:" + actor
		}
		return "ip:" + ClientIP(r)
	}
}

// rateLimitBody is the fixed JSON body of a 429 response.
type rateLimitBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RateLimitOption configures the RateLimit middleware.
type RateLimitOption func(*rateLimitOptions)

type rateLimitOptions struct {
	now       func() time.Time
	onLimited func(r *http.Request, id string, d ratelimit.Decision)
}

// WithRateLimitClock overrides the clock used for Retry-After.
func WithRateLimitClock(now func() time.Time) RateLimitOption {
	return func(o *rateLimitOptions) { o.now = now }
}

// OnRateLimited registers a callback run for every denied request, e.g. to
// record a RATE_LIMIT_EXCEEDED audit event.
func OnRateLimited(fn func(r *http.Request, id string, d ratelimit.Decision)) RateLimitOption {
	return func(o *rateLimitOptions) { o.onLimited = fn }
}

// RateLimit enforces limiter decisions. Every response carries the
// X-RateLimit-* headers; denied requests get 429 with Retry-After.
func RateLimit(limiter RateLimitChecker, keyFunc KeyFunc, opts ...RateLimitOption) func(http.Handler) http.Handler {
	o := rateLimitOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := keyFunc(r)
			d := limiter.Check(r.Context(), id)

			h := w.Header()
			h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
			h.Set(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
			h.Set(HeaderRateLimitReset, strconv.FormatInt(d.ResetAt.Unix(), 10))

			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			UpdateResponseContext(r.Context(), "rate_limit_exceeded")
			if o.onLimited != nil {
				o.onLimited(r, id, d)
			}

			retryAfter := int(math.Ceil(d.RetryAfter(o.now()).Seconds()))
			h.Set("Retry-After", strconv.Itoa(retryAfter))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(rateLimitBody{
				Error:   "Too Many Requests",
				Message: fmt.Sprintf("Rate limit of %d requests exceeded. Try again in %d seconds.", d.Limit, retryAfter),
			})
		})
	}
}
