// Package compliance aggregates the audit ledger into reports, rule
// violations, suspicious-activity findings and running statistics.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/onnwee/carevault/internal/ledger"
)

// Default bounds for ledger read retries.
const (
	DefaultRetryInitialInterval = 100 * time.Millisecond
	DefaultRetryMaxElapsed      = 5 * time.Second
	DefaultRetryMaxAttempts     = 4
)

// DefaultWindow is used when a scan is requested without explicit bounds.
const DefaultWindow = 24 * time.Hour

var (
	// ErrInvalidWindow is returned when a window does not end after it starts.
	ErrInvalidWindow = errors.New("window end must be after start")
	// ErrUnknownReportType is returned for a report type outside the closed set.
	ErrUnknownReportType = errors.New("unknown report type")
	// ErrInvalidRules is returned when a ruleset fails validation.
	ErrInvalidRules = errors.New("invalid ruleset")
)

// Source is the read side of the audit ledger.
type Source interface {
	Query(ctx context.Context, f ledger.Filter, p ledger.PageRequest) (ledger.Page, error)
	Scan(ctx context.Context, from uint64, fn func(*ledger.Entry) error) error
}

// Window bounds a scan. From is inclusive, To exclusive.
type Window struct {
	From time.Time
	To   time.Time
}

// resolve fills zero bounds: To defaults to now and From to To minus DefaultWindow.
func (w Window) resolve(now time.Time) (Window, error) {
	if w.To.IsZero() {
		w.To = now
	}
	if w.From.IsZero() {
		w.From = w.To.Add(-DefaultWindow)
	}
	if !w.From.Before(w.To) {
		return w, ErrInvalidWindow
	}
	w.From, w.To = w.From.UTC(), w.To.UTC()
	return w, nil
}

// Reporter answers compliance questions over the ledger.
type Reporter struct {
	source     Source
	rules      []Rule
	thresholds []Threshold
	stats      *Statistics
	newBackOff func() backoff.BackOff
	now        func() time.Time
	logger     *slog.Logger
	metrics    *Metrics
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithRules replaces the embedded default ruleset.
func WithRules(rules []Rule) Option {
	return func(r *Reporter) { r.rules = rules }
}

// WithThresholds replaces the default suspicious-activity thresholds.
func WithThresholds(t []Threshold) Option {
	return func(r *Reporter) { r.thresholds = t }
}

// WithStatistics attaches the running statistics served by Statistics.
func WithStatistics(s *Statistics) Option {
	return func(r *Reporter) { r.stats = s }
}

// WithBackOff sets the retry policy factory for ledger reads.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(r *Reporter) { r.newBackOff = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reporter) { r.logger = logger }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(r *Reporter) { r.metrics = m }
}

// NewReporter creates a reporter reading from source. Without WithRules the
// embedded default ruleset is used.
func NewReporter(source Source, opts ...Option) (*Reporter, error) {
	r := &Reporter{
		source:     source,
		thresholds: DefaultThresholds(),
		newBackOff: defaultBackOff,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.rules == nil {
		rules, err := DefaultRules()
		if err != nil {
			return nil, err
		}
		r.rules = rules
	}
	if r.stats == nil {
		r.stats = NewStatistics()
	}
	return r, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultRetryInitialInterval
	b.MaxElapsedTime = DefaultRetryMaxElapsed
	return backoff.WithMaxRetries(b, DefaultRetryMaxAttempts)
}

// Rules returns the active ruleset.
func (r *Reporter) Rules() []Rule {
	return r.rules
}

// Statistics returns a snapshot of the running rollups.
func (r *Reporter) Statistics() Snapshot {
	return r.stats.Snapshot()
}

// each visits every entry matching f in ascending sequence order. Each page
// read is retried with backoff; fn is never called twice for one entry.
func (r *Reporter) each(ctx context.Context, f ledger.Filter, fn func(*ledger.Entry)) error {
	p := ledger.PageRequest{Ascending: true, Limit: ledger.MaxPageSize}
	for {
		var page ledger.Page
		op := func() error {
			var err error
			page, err = r.source.Query(ctx, f, p)
			return err
		}
		notify := func(err error, d time.Duration) {
			r.metrics.recordRetry()
			r.logger.Warn("ledger read failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", d),
			)
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(r.newBackOff(), ctx), notify); err != nil {
			return fmt.Errorf("read ledger: %w", err)
		}
		for i := range page.Entries {
			fn(&page.Entries[i])
		}
		if !page.HasMore {
			return nil
		}
		p.Cursor = page.NextCursor
	}
}
