package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/onnwee/carevault/internal/tracing"
)

// Record is a persisted key version: metadata plus wrapped material.
type Record struct {
	KeyVersion
	WrappedKey []byte
}

// Persister stores key version records.
type Persister interface {
	// Load returns every record, oldest first.
	Load(ctx context.Context) ([]Record, error)
	// Insert stores the first record of an empty store.
	Insert(ctx context.Context, rec Record) error
	// Rotate retires version retire and inserts next in one step.
	Rotate(ctx context.Context, retire uint32, retiredAt time.Time, next Record) error
}

// MemoryPersister keeps records in memory. Restarting loses every key.
type MemoryPersister struct {
	mu      sync.Mutex
	records map[uint32]Record
}

// NewMemoryPersister creates an empty MemoryPersister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{records: make(map[uint32]Record)}
}

// Load implements Persister.
func (p *MemoryPersister) Load(context.Context) ([]Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, 0, len(p.records))
	for _, r := range p.records {
		r.WrappedKey = append([]byte(nil), r.WrappedKey...)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Insert implements Persister.
func (p *MemoryPersister) Insert(_ context.Context, rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[rec.Version]; ok {
		return fmt.Errorf("version %d already exists", rec.Version)
	}
	rec.WrappedKey = append([]byte(nil), rec.WrappedKey...)
	p.records[rec.Version] = rec
	return nil
}

// Rotate implements Persister.
func (p *MemoryPersister) Rotate(_ context.Context, retire uint32, retiredAt time.Time, next Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	old, ok := p.records[retire]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownVersion, retire)
	}
	if _, ok := p.records[next.Version]; ok {
		return fmt.Errorf("version %d already exists", next.Version)
	}
	old.Status = StatusRetired
	old.RetiredAt = retiredAt
	p.records[retire] = old
	next.WrappedKey = append([]byte(nil), next.WrappedKey...)
	p.records[next.Version] = next
	return nil
}

const keyVersionsSchema = `
	CREATE TABLE IF NOT EXISTS key_versions (
		version INTEGER PRIMARY KEY,
		algorithm TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('ACTIVE', 'RETIRED')),
		wrapped_key BLOB NOT NULL,
		created_at DATETIME NOT NULL,
		retired_at DATETIME
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_key_versions_single_active
		ON key_versions(status) WHERE status = 'ACTIVE';
`

// SQLPersister stores records in a SQLite database.
type SQLPersister struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the SQLite key metadata database at path and
// ensures its schema.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open key metadata database '%s': %w", path, err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to key metadata database '%s': %w", path, err)
	}
	return db, nil
}

// NewSQLPersister creates the key_versions table if needed.
func NewSQLPersister(ctx context.Context, db *sql.DB) (*SQLPersister, error) {
	if db == nil {
		return nil, errors.New("keystore: database is required")
	}
	if _, err := db.ExecContext(ctx, keyVersionsSchema); err != nil {
		return nil, fmt.Errorf("failed to create key_versions schema: %w", err)
	}
	return &SQLPersister{db: db}, nil
}

// Load implements Persister.
func (p *SQLPersister) Load(ctx context.Context) (records []Record, err error) {
	ctx, endSpan := tracing.StartSQLiteSpan(ctx, "key_versions", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := p.db.QueryContext(ctx, `
		SELECT version, algorithm, status, wrapped_key, created_at, retired_at
		FROM key_versions ORDER BY version
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query key versions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec       Record
			algorithm string
			status    string
			retiredAt sql.NullTime
		)
		if err := rows.Scan(&rec.Version, &algorithm, &status, &rec.WrappedKey, &rec.CreatedAt, &retiredAt); err != nil {
			return nil, fmt.Errorf("failed to scan key version: %w", err)
		}
		rec.Algorithm = Algorithm(algorithm)
		rec.Status = Status(status)
		rec.CreatedAt = rec.CreatedAt.UTC()
		if retiredAt.Valid {
			rec.RetiredAt = retiredAt.Time.UTC()
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Insert implements Persister.
func (p *SQLPersister) Insert(ctx context.Context, rec Record) (err error) {
	ctx, endSpan := tracing.StartSQLiteSpan(ctx, "key_versions", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO key_versions (version, algorithm, status, wrapped_key, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Version, string(rec.Algorithm), string(rec.Status), rec.WrappedKey, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record key version %d: %w", rec.Version, err)
	}
	return nil
}

// Rotate implements Persister. The old version is retired before the new
// one is inserted so the single-active index holds inside the transaction.
func (p *SQLPersister) Rotate(ctx context.Context, retire uint32, retiredAt time.Time, next Record) (err error) {
	ctx, endSpan := tracing.StartSQLiteSpan(ctx, "key_versions", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rotation: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE key_versions SET status = 'RETIRED', retired_at = ?
		WHERE version = ? AND status = 'ACTIVE'
	`, retiredAt, retire)
	if err != nil {
		return fmt.Errorf("failed to retire key version %d: %w", retire, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: %d is not active", ErrUnknownVersion, retire)
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO key_versions (version, algorithm, status, wrapped_key, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, next.Version, string(next.Algorithm), string(next.Status), next.WrappedKey, next.CreatedAt); err != nil {
		return fmt.Errorf("failed to record key version %d: %w", next.Version, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rotation: %w", err)
	}
	return nil
}
