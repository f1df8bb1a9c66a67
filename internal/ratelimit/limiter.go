package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Info describes an identity's standing in the current window.
type Info struct {
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	ResetAt     time.Time `json:"reset_at"`
	Whitelisted bool      `json:"whitelisted"`
}

// Decision is the outcome of one accounted request.
type Decision struct {
	Info
	Allowed bool `json:"allowed"`
}

// RetryAfter returns how long a denied caller should wait.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait
}

// Limiter decides whether requests from an identity are allowed. Config reads
// are lock-free; writers swap a new immutable snapshot.
type Limiter struct {
	current atomic.Pointer[settings]
	writeMu sync.Mutex // serializes config writers

	counter Counter
	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets the counter backend. Defaults to a MemoryCounter.
func WithCounter(c Counter) Option {
	return func(l *Limiter) { l.counter = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a Limiter with cfg.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.counter == nil {
		l.counter = NewMemoryCounter()
	}
	l.current.Store(newSettings(cfg))
	return l, nil
}

// Check accounts one request for id and returns the decision together with
// the post-request info. Whitelisted identities are never counted. Counter
// backend errors fail open.
func (l *Limiter) Check(ctx context.Context, id string) Decision {
	s := l.current.Load()
	now := l.now()
	windowStart := WindowStart(now, s.window)
	resetAt := windowStart.Add(s.window)

	if s.whitelisted(id) {
		l.metrics.incRequest("whitelisted")
		return Decision{
			Allowed: true,
			Info:    Info{Limit: s.limit, Remaining: s.limit, ResetAt: resetAt, Whitelisted: true},
		}
	}

	count, allowed, err := l.counter.Take(ctx, id, s.limit, windowStart, now, s.window)
	if err != nil {
		l.metrics.incBackendError()
		l.logger.WarnContext(ctx, "rate limit backend error, allowing request",
			slog.String("identity", id),
			slog.String("error", err.Error()),
		)
		return Decision{
			Allowed: true,
			Info:    Info{Limit: s.limit, Remaining: s.limit, ResetAt: resetAt},
		}
	}

	if allowed {
		l.metrics.incRequest("allowed")
	} else {
		l.metrics.incRequest("denied")
	}
	return Decision{
		Allowed: allowed,
		Info:    Info{Limit: s.limit, Remaining: max(s.limit-count, 0), ResetAt: resetAt},
	}
}

// AllowRequest reports whether a request from id may proceed.
func (l *Limiter) AllowRequest(ctx context.Context, id string) bool {
	return l.Check(ctx, id).Allowed
}

// Info reports id's standing without counting a request.
func (l *Limiter) Info(ctx context.Context, id string) (Info, error) {
	s := l.current.Load()
	windowStart := WindowStart(l.now(), s.window)
	info := Info{Limit: s.limit, Remaining: s.limit, ResetAt: windowStart.Add(s.window)}
	if s.whitelisted(id) {
		info.Whitelisted = true
		return info, nil
	}

	count, err := l.counter.Peek(ctx, id, windowStart)
	if err != nil {
		return Info{}, err
	}
	info.Remaining = max(s.limit-count, 0)
	return info, nil
}

// Config returns the active configuration.
func (l *Limiter) Config() Config {
	return l.current.Load().config()
}

// UpdateConfig atomically replaces the configuration. Counts already taken in
// the current window are kept and judged against the new limit.
func (l *Limiter) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.current.Store(newSettings(cfg))
	l.metrics.incConfigUpdate()
	l.logger.Info("rate limit config updated",
		slog.Int("limit", cfg.Limit),
		slog.Duration("window", cfg.Window),
		slog.Int("whitelist_size", len(cfg.Whitelist)),
	)
	return nil
}

// AddToWhitelist exempts ids from accounting.
func (l *Limiter) AddToWhitelist(ids ...string) {
	l.modifyWhitelist(func(wl map[string]struct{}) {
		for _, id := range ids {
			if id != "" {
				wl[id] = struct{}{}
			}
		}
	})
}

// RemoveFromWhitelist subjects ids to accounting again.
func (l *Limiter) RemoveFromWhitelist(ids ...string) {
	l.modifyWhitelist(func(wl map[string]struct{}) {
		for _, id := range ids {
			delete(wl, id)
		}
	})
}

// IsWhitelisted reports whether id bypasses accounting.
func (l *Limiter) IsWhitelisted(id string) bool {
	return l.current.Load().whitelisted(id)
}

func (l *Limiter) modifyWhitelist(fn func(map[string]struct{})) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	old := l.current.Load()
	next := &settings{
		limit:      old.limit,
		window:     old.window,
		idleFactor: old.idleFactor,
		whitelist:  make(map[string]struct{}, len(old.whitelist)+1),
	}
	for id := range old.whitelist {
		next.whitelist[id] = struct{}{}
	}
	fn(next.whitelist)
	l.current.Store(next)
	l.metrics.incConfigUpdate()
}

// Sweep evicts identities idle for longer than IdleFactor windows. It is a
// no-op for counters that do not keep state in memory.
func (l *Limiter) Sweep() int {
	sw, ok := l.counter.(Sweeper)
	if !ok {
		return 0
	}
	removed := sw.Sweep(l.now(), l.current.Load().idleTimeout())
	l.metrics.recordSweep(removed, sw.Len())
	if removed > 0 {
		l.logger.Debug("evicted idle rate limit state", slog.Int("removed", removed))
	}
	return removed
}
