package health

import (
	"context"
	"database/sql"
	"fmt"
)

// LedgerTableQuery confirms the audit ledger table is reachable.
const LedgerTableQuery = "SELECT 1 FROM audit_entries LIMIT 1"

// DBChecker pings a database and optionally runs a check query.
type DBChecker struct {
	db    *sql.DB
	query string
}

// NewDBChecker creates a database checker. An empty query only pings.
func NewDBChecker(db *sql.DB, query string) *DBChecker {
	return &DBChecker{db: db, query: query}
}

// HealthCheck implements Checker.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if d.query == "" {
		return nil
	}
	rows, err := d.db.QueryContext(ctx, d.query)
	if err != nil {
		return fmt.Errorf("check query: %w", err)
	}
	return rows.Close()
}
