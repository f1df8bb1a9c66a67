package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/carevault/internal/tracing"
)

// appendLockKey is the pg_advisory_xact_lock key serializing appends across
// every API instance sharing the database.
const appendLockKey int64 = 0x6361726576617574 // "carevaut"

const scanBatchSize = 500

const entryColumns = `seq, occurred_at, actor, event_type, severity, sensitivity,
	COALESCE(patient_id, ''), details, COALESCE(ip_address, ''), COALESCE(request_id, ''),
	prev_hash, hash`

// PostgresStore persists the ledger in the audit_entries table.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a store over db. The audit_entries migration must
// already be applied.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Append implements Store. The head read and insert run in one transaction
// holding an advisory lock, so concurrent writers in other processes queue.
func (s *PostgresStore) Append(ctx context.Context, build BuildFunc) (entry Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_entries", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return Entry{}, fmt.Errorf("acquire append lock: %w", err)
	}

	var head *Entry
	row := tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	h, err := scanEntry(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	case err != nil:
		return Entry{}, fmt.Errorf("read head: %w", err)
	default:
		head = &h
	}

	next, err := build(head)
	if err != nil {
		return Entry{}, err
	}

	details, err := json.Marshal(nonNilDetails(next.Details))
	if err != nil {
		return Entry{}, fmt.Errorf("encode details: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries (seq, occurred_at, actor, event_type, severity, sensitivity,
			patient_id, details, ip_address, request_id, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12)`,
		int64(next.Sequence), next.Timestamp, next.Actor, string(next.EventType),
		int(next.Severity), int(next.Sensitivity), next.PatientID, details,
		next.IPAddress, next.RequestID, next.PrevHash, next.Hash,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry %d: %w", next.Sequence, err)
	}

	if err = tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit entry %d: %w", next.Sequence, err)
	}
	s.logger.Debug("appended audit entry",
		slog.Uint64("seq", next.Sequence),
		slog.String("event_type", string(next.EventType)))
	return *next, nil
}

// Head implements Store.
func (s *PostgresStore) Head(ctx context.Context) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read head: %w", err)
	}
	return e, true, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, seq uint64) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM audit_entries WHERE seq = $1`, int64(seq))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get entry %d: %w", seq, err)
	}
	return e, nil
}

// Query implements Store.
func (s *PostgresStore) Query(ctx context.Context, f Filter, p PageRequest) (page Page, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_entries", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	p = p.normalized()
	where, args := filterClause(f)

	order := "DESC"
	if p.Ascending {
		order = "ASC"
	}
	if p.Cursor != 0 {
		args = append(args, int64(p.Cursor))
		if p.Ascending {
			where = append(where, fmt.Sprintf("seq > $%d", len(args)))
		} else {
			where = append(where, fmt.Sprintf("seq < $%d", len(args)))
		}
	}

	query := `SELECT ` + entryColumns + ` FROM audit_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, p.Limit+1)
	query += fmt.Sprintf(` ORDER BY seq %s LIMIT $%d`, order, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	page.Entries = make([]Entry, 0, p.Limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return Page{}, fmt.Errorf("scan entry: %w", err)
		}
		if len(page.Entries) == p.Limit {
			page.HasMore = true
			break
		}
		page.Entries = append(page.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate entries: %w", err)
	}
	if page.HasMore {
		page.NextCursor = page.Entries[len(page.Entries)-1].Sequence
	}
	return page, nil
}

// Scan implements Store. Entries are read in keyset-paginated batches so a
// long scan never holds a single long-running query open.
func (s *PostgresStore) Scan(ctx context.Context, from uint64, fn func(*Entry) error) error {
	cursor := int64(from) - 1
	if from == 0 {
		cursor = -1
	}
	for {
		batch, err := s.scanBatch(ctx, cursor)
		if err != nil {
			return err
		}
		for i := range batch {
			if err := fn(&batch[i]); err != nil {
				return err
			}
		}
		if len(batch) < scanBatchSize {
			return nil
		}
		cursor = int64(batch[len(batch)-1].Sequence)
	}
}

func (s *PostgresStore) scanBatch(ctx context.Context, after int64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE seq > $1 ORDER BY seq ASC LIMIT $2`,
		after, scanBatchSize)
	if err != nil {
		return nil, fmt.Errorf("scan entries after %d: %w", after, err)
	}
	defer rows.Close()

	batch := make([]Entry, 0, scanBatchSize)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		batch = append(batch, e)
	}
	return batch, rows.Err()
}

// filterClause translates f into SQL predicates with positional arguments.
func filterClause(f Filter) ([]string, []any) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", pq.Array(types))
	}
	if f.Severity != 0 {
		add("severity = $%d", int(f.Severity))
	}
	if f.MinSeverity != 0 {
		add("severity >= $%d", int(f.MinSeverity))
	}
	if f.MinSensitivity != 0 {
		add("sensitivity >= $%d", int(f.MinSensitivity))
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To)
	}
	if f.PHIOnly {
		add("sensitivity = $%d", int(SensitivityPHI))
	}
	if f.SecurityOnly {
		types := make([]string, 0, len(securityEventTypes))
		for t := range securityEventTypes {
			types = append(types, string(t))
		}
		add("event_type = ANY($%d)", pq.Array(types))
	}
	return where, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e           Entry
		seq         int64
		ts          time.Time
		eventType   string
		severity    int
		sensitivity int
		details     []byte
	)
	err := row.Scan(&seq, &ts, &e.Actor, &eventType, &severity, &sensitivity,
		&e.PatientID, &details, &e.IPAddress, &e.RequestID, &e.PrevHash, &e.Hash)
	if err != nil {
		return Entry{}, err
	}
	e.Sequence = uint64(seq)
	e.Timestamp = ts.UTC()
	e.EventType = EventType(eventType)
	e.Severity = Severity(severity)
	e.Sensitivity = Sensitivity(sensitivity)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return Entry{}, fmt.Errorf("decode details of entry %d: %w", seq, err)
		}
	}
	if len(e.Details) == 0 {
		e.Details = nil
	}
	return e, nil
}

func nonNilDetails(d map[string]string) map[string]string {
	if d == nil {
		return map[string]string{}
	}
	return d
}
