// Package store provides SQLite-backed durable persistence (C1) for runs,
// task instances, approvals, artifacts, schedules, and the supplemented
// PII/broker-listing/human-queue entities. All cross-worker coordination
// (claim, lease renewal, approval resolution) is expressed as conditional
// SQL updates; the Store is the single source of truth for state.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps a single SQLite database handle.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) the SQLite database at dbPath, applying the
// schema and any pending migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// migrate applies incremental schema migrations for existing databases.
// Each check is idempotent: a fresh database created from schema already
// has every column, so every branch below is a no-op on first run.
func migrate(db *sql.DB) error {
	if err := addColumnIfMissing(db, "run_tasks", "approval_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := addColumnIfMissing(db, "runs", "result_summary_json", "TEXT NOT NULL DEFAULT '{}'"); err != nil {
		return err
	}
	if err := addColumnIfMissing(db, "broker_listings", "recheck_after", "DATETIME"); err != nil {
		return err
	}
	return nil
}

func addColumnIfMissing(db *sql.DB, table, column, ddlType string) error {
	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("check %s.%s column: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, ddlType)); err != nil {
		return fmt.Errorf("add %s.%s column: %w", table, column, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for callers (migrations, diagnostics)
// that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}
