// Package store persists run history: which consumers passed against which
// run of the harness. History is diagnostics for CI forensics; a store
// failure never changes a run's result.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/counterpoint-ml/dstest/internal/report"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - runs + outcomes tables
const currentSchemaVersion = 1

// Store wraps the SQLite run-history database.
type Store struct {
	db *sql.DB
}

// Run is one harness invocation.
type Run struct {
	ID        string
	StartedAt time.Time
	Mode      string
	Clean     bool
	Outcomes  []report.Outcome
}

// Open creates or opens the history database at path.
//
// The database is configured with WAL mode, NORMAL synchronous, a 5-second
// busy timeout and foreign-key enforcement. Idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordRun writes a run and its outcomes in one transaction.
func (s *Store) RecordRun(ctx context.Context, run Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, mode, clean) VALUES (?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC().Format(time.RFC3339), run.Mode, run.Clean)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	for i, o := range run.Outcomes {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO outcomes (run_id, seq, consumer, status, reason) VALUES (?, ?, ?, ?, ?)`,
			run.ID, i, o.Consumer, string(o.Status), o.Reason)
		if err != nil {
			return fmt.Errorf("failed to insert outcome for %s: %w", o.Consumer, err)
		}
	}

	return tx.Commit()
}

// RecentRuns returns the most recent runs, newest first, outcomes in
// processing order.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, mode, clean FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		if err := rows.Scan(&r.ID, &started, &r.Mode, &r.Clean); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt, err = time.Parse(time.RFC3339, started)
		if err != nil {
			return nil, fmt.Errorf("failed to parse run timestamp %q: %w", started, err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	for i := range runs {
		runs[i].Outcomes, err = s.outcomes(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *Store) outcomes(ctx context.Context, runID string) ([]report.Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT consumer, status, reason FROM outcomes WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes for %s: %w", runID, err)
	}
	defer rows.Close()

	var outcomes []report.Outcome
	for rows.Next() {
		var o report.Outcome
		var status string
		if err := rows.Scan(&o.Consumer, &status, &o.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Status = report.Status(status)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if absent and stamps the schema version.
// Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	}
	return nil
}
