package ledger

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/onnwee/carevault/internal/tracing"
)

// DefaultAppendTimeout bounds an append when the caller's context has no deadline.
const DefaultAppendTimeout = 5 * time.Second

// Notifier receives every committed entry in append order. Publish is called
// while the writer lock is held and must not block.
type Notifier interface {
	Publish(Entry)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Entry)

// Publish implements Notifier.
func (f NotifierFunc) Publish(e Entry) { f(e) }

// Ledger is the append-only, hash-chained audit log.
type Ledger struct {
	store         Store
	hasher        Hasher
	logger        *slog.Logger
	metrics       *Metrics
	now           func() time.Time
	appendTimeout time.Duration

	mu        sync.Mutex // single writer; also guards notifiers
	notifiers []Notifier
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithAppendTimeout sets the timeout applied to appends without a deadline.
func WithAppendTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.appendTimeout = d }
}

// New creates a ledger over store using hasher for the chain.
func New(store Store, hasher Hasher, opts ...Option) *Ledger {
	l := &Ledger{
		store:         store,
		hasher:        hasher,
		logger:        slog.Default(),
		now:           time.Now,
		appendTimeout: DefaultAppendTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AddNotifier registers n to receive entries appended from now on.
func (l *Ledger) AddNotifier(n Notifier) {
	l.mu.Lock()
	l.notifiers = append(l.notifiers, n)
	l.mu.Unlock()
}

// HashPolicy returns the name of the chain hash policy.
func (l *Ledger) HashPolicy() string {
	return l.hasher.Name()
}

// Append validates ev, chains it to the current head and persists it.
// Storage failures are returned wrapped in ErrAppendFailed; the operation
// being audited must not proceed when Append fails.
func (l *Ledger) Append(ctx context.Context, ev Event) (entry Entry, err error) {
	start := time.Now()
	if err := ev.Validate(); err != nil {
		l.metrics.recordAppend("invalid", 0)
		return Entry{}, err
	}

	if _, ok := ctx.Deadline(); !ok && l.appendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.appendTimeout)
		defer cancel()
	}

	ctx, endSpan := tracing.StartSpan(ctx, "ledger.append")
	defer func() { endSpan(err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err = l.store.Append(ctx, func(head *Entry) (*Entry, error) {
		return l.next(head, ev)
	})
	if err != nil {
		l.metrics.recordAppend("failure", 0)
		l.logger.ErrorContext(ctx, "ledger append failed",
			slog.String("event_type", string(ev.Type)),
			slog.String("actor", ev.Actor),
			slog.String("error", err.Error()),
		)
		return Entry{}, fmt.Errorf("%w: %w", ErrAppendFailed, err)
	}

	l.metrics.recordAppend("success", time.Since(start).Seconds())
	l.metrics.setHead(entry.Sequence)

	for _, n := range l.notifiers {
		n.Publish(entry.Clone())
	}
	return entry, nil
}

// next builds the entry following head.
func (l *Ledger) next(head *Entry, ev Event) (*Entry, error) {
	seq := uint64(1)
	prev := GenesisHash
	// Postgres keeps microseconds; truncating keeps hashes stable across stores.
	ts := l.now().UTC().Truncate(time.Microsecond)
	if head != nil {
		seq = head.Sequence + 1
		prev = head.Hash
		if ts.Before(head.Timestamp) {
			ts = head.Timestamp
		}
	}

	e := &Entry{
		Sequence:    seq,
		Timestamp:   ts,
		Actor:       ev.Actor,
		EventType:   ev.Type,
		Severity:    ev.Severity,
		Sensitivity: ev.Sensitivity,
		PatientID:   ev.PatientID,
		Details:     maps.Clone(ev.Details),
		IPAddress:   ev.IPAddress,
		RequestID:   ev.RequestID,
		PrevHash:    prev,
	}
	h, err := computeHash(l.hasher, e)
	if err != nil {
		return nil, err
	}
	e.Hash = h
	return e, nil
}

// Query returns one page of entries matching f.
func (l *Ledger) Query(ctx context.Context, f Filter, p PageRequest) (Page, error) {
	return l.store.Query(ctx, f, p)
}

// Get returns a single entry by sequence number.
func (l *Ledger) Get(ctx context.Context, seq uint64) (Entry, error) {
	return l.store.Get(ctx, seq)
}

// Head returns the newest entry, if any.
func (l *Ledger) Head(ctx context.Context) (Entry, bool, error) {
	return l.store.Head(ctx)
}

// Scan iterates entries with sequence >= from in ascending order.
func (l *Ledger) Scan(ctx context.Context, from uint64, fn func(*Entry) error) error {
	return l.store.Scan(ctx, from, fn)
}

// VerifyEvent recomputes the hash of a single entry from its stored prevHash
// and content. It detects content edits to that entry only; a rewritten
// prevHash paired with a recomputed hash is caught by VerifyIntegrity alone.
func (l *Ledger) VerifyEvent(ctx context.Context, seq uint64) (bool, error) {
	e, err := l.store.Get(ctx, seq)
	if err != nil {
		return false, err
	}
	want, err := computeHash(l.hasher, &e)
	if errors.Is(err, ErrInvalidEvent) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(e.Hash)) == 1, nil
}
