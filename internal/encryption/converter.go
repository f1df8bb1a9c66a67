package encryption

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/hengadev/errsx"

	"github.com/onnwee/carevault/internal/ledger"
)

// DateLayout is the plaintext form of date-only fields.
const DateLayout = "2006-01-02"

// Codec converts a field value to and from its plaintext string form.
type Codec[T any] struct {
	Format func(T) string
	Parse  func(string) (T, error)
}

// Codecs for the supported column types.
var (
	StringCodec = Codec[string]{
		Format: func(s string) string { return s },
		Parse:  func(s string) (string, error) { return s, nil },
	}
	DateCodec = Codec[time.Time]{
		Format: func(t time.Time) string { return t.Format(DateLayout) },
		Parse:  func(s string) (time.Time, error) { return time.Parse(DateLayout, s) },
	}
	TimeCodec = Codec[time.Time]{
		Format: func(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) },
		Parse:  func(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) },
	}
	Int64Codec = Codec[int64]{
		Format: func(n int64) string { return strconv.FormatInt(n, 10) },
		Parse:  func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) },
	}
)

// Decoded is the result of reading an encrypted column. A nil Value with
// Failed false is a NULL column.
type Decoded[T any] struct {
	Value  *T
	Failed bool
	Err    error
}

// FailureReporter is told about every column that could not be read.
type FailureReporter interface {
	ReportDecryptionFailure(ctx context.Context, field string, err error)
}

// Field encrypts one column on write and decrypts it on read.
type Field[T any] struct {
	name     string
	codec    Codec[T]
	engine   *Engine
	reporter FailureReporter
}

// NewField creates a converter for the column name. reporter may be nil.
func NewField[T any](engine *Engine, name string, codec Codec[T], reporter FailureReporter) *Field[T] {
	return &Field[T]{name: name, codec: codec, engine: engine, reporter: reporter}
}

// Name returns the column name.
func (f *Field[T]) Name() string { return f.name }

// ToColumn encrypts v for storage. A nil value stays NULL.
func (f *Field[T]) ToColumn(v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	stored, err := f.engine.EncryptString(f.codec.Format(*v))
	if err != nil {
		return nil, fmt.Errorf("encrypt %s: %w", f.name, err)
	}
	return &stored, nil
}

// FromColumn decrypts a stored value. Failures are reported and returned as
// Decoded{Failed: true} so the rest of the record can still be read.
func (f *Field[T]) FromColumn(ctx context.Context, stored *string) Decoded[T] {
	if stored == nil {
		return Decoded[T]{}
	}
	plaintext, err := f.engine.DecryptString(*stored)
	if err == nil {
		var v T
		v, err = f.codec.Parse(plaintext)
		if err == nil {
			return Decoded[T]{Value: &v}
		}
		err = fmt.Errorf("parse %s: %w", f.name, err)
	}
	f.engine.reportFailure(ctx, f.reporter, f.name, err)
	return Decoded[T]{Failed: true, Err: err}
}

// DecryptFields decrypts every non-NULL column of a row. Columns that fail
// are left out of the result, reported, and collected in the returned error,
// an errsx.Map keyed by column name.
func (e *Engine) DecryptFields(ctx context.Context, columns map[string]*string, reporter FailureReporter) (map[string]*string, error) {
	out := make(map[string]*string, len(columns))
	errs := make(errsx.Map)

	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		stored := columns[name]
		if stored == nil {
			out[name] = nil
			continue
		}
		plaintext, err := e.DecryptString(*stored)
		if err != nil {
			e.reportFailure(ctx, reporter, name, err)
			errs.Set(name, err)
			continue
		}
		out[name] = &plaintext
	}

	if len(errs) == 0 {
		return out, nil
	}
	return out, errs.AsError()
}

func (e *Engine) reportFailure(ctx context.Context, reporter FailureReporter, field string, err error) {
	e.metrics.recordFailure(FailureReason(err))
	e.logger.WarnContext(ctx, "field decryption failed",
		slog.String("field", field),
		slog.String("reason", FailureReason(err)),
	)
	if reporter != nil {
		reporter.ReportDecryptionFailure(ctx, field, err)
	}
}

// LedgerReporter records decryption failures as DECRYPTION_FAILURE ledger
// events.
type LedgerReporter struct {
	auditor Auditor
	logger  *slog.Logger
}

// NewLedgerReporter creates a FailureReporter backed by auditor.
func NewLedgerReporter(auditor Auditor, logger *slog.Logger) *LedgerReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerReporter{auditor: auditor, logger: logger}
}

// ReportDecryptionFailure implements FailureReporter. The record being read
// is not aborted when the append fails; the failure is logged instead.
func (r *LedgerReporter) ReportDecryptionFailure(ctx context.Context, field string, err error) {
	_, appendErr := r.auditor.Record(ctx, ledger.Event{
		Type:        ledger.EventDecryptionFailure,
		Severity:    ledger.SeverityError,
		Sensitivity: ledger.SensitivityConfidential,
		Details: map[string]string{
			"field":  field,
			"reason": FailureReason(err),
		},
	})
	if appendErr != nil {
		r.logger.ErrorContext(ctx, "failed to record decryption failure",
			slog.String("field", field),
			slog.String("error", appendErr.Error()),
		)
	}
}
