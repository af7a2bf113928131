// Package history keeps a SQLite ledger of finished cycles for the status
// and dashboard commands. The engine writes; everything else reads.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/andywolf/cyclewarden/internal/cycle"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial cycles table
// 1 - sync columns (commit_hash, files_synced) and outcome index
const currentSchemaVersion = 1

// Entry is one ledger row.
type Entry struct {
	cycle.Record
	FinishedAt  time.Time
	CommitHash  string
	FilesSynced int
}

// Stats aggregates the whole ledger.
type Stats struct {
	Total       int
	Succeeded   int
	Failed      int
	AvgDuration time.Duration
	LastSuccess time.Time
	LastFailure time.Time
	// Reasons counts failed cycles per reason code.
	Reasons map[string]int
}

// SuccessRate is Succeeded/Total, or 0 for an empty ledger.
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total)
}

// Store is the ledger handle.
type Store struct {
	db *sql.DB
}

// Open creates or opens the ledger at path, applying pragmas and
// migrations. Safe to call repeatedly.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect history: %w", err)
	}

	// SQLite allows one writer; the status command may read concurrently.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("execute %q: %w", p, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply history schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func migrateToV1(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v1: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		"ALTER TABLE cycles ADD COLUMN commit_hash TEXT NOT NULL DEFAULT ''",
		"ALTER TABLE cycles ADD COLUMN files_synced INTEGER NOT NULL DEFAULT 0",
		"CREATE INDEX IF NOT EXISTS idx_cycles_outcome ON cycles(outcome)",
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration v1 %q: %w", stmt, err)
		}
	}
	return tx.Commit()
}

// Record stores e. Writing the same cycle twice keeps the last write.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.Outcome != cycle.OutcomeSuccess && e.Outcome != cycle.OutcomeFailed {
		return fmt.Errorf("record cycle %s: invalid outcome %q", e.ID, e.Outcome)
	}
	finished := e.FinishedAt
	if finished.IsZero() {
		finished = e.StartedAt.Add(e.Duration)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cycles
			(id, started_at, finished_at, attempts, outcome, duration_ms, reason, detail, commit_hash, files_synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(e.ID), e.StartedAt.UnixMilli(), finished.UnixMilli(), e.Attempt,
		string(e.Outcome), e.Duration.Milliseconds(), e.Reason, e.Detail,
		e.CommitHash, e.FilesSynced,
	)
	if err != nil {
		return fmt.Errorf("record cycle %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to n entries, newest cycle first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, attempts, outcome, duration_ms, reason, detail, commit_hash, files_synced
		FROM cycles ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent cycles: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			id                int64
			started, finished int64
			outcome           string
			durationMS        int64
		)
		if err := rows.Scan(&id, &started, &finished, &e.Attempt, &outcome, &durationMS,
			&e.Reason, &e.Detail, &e.CommitHash, &e.FilesSynced); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		e.ID = cycle.ID(id)
		e.StartedAt = time.UnixMilli(started).UTC()
		e.FinishedAt = time.UnixMilli(finished).UTC()
		e.Outcome = cycle.Outcome(outcome)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats aggregates every recorded cycle.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Reasons: map[string]int{}}

	var (
		avg                      sql.NullFloat64
		lastSuccess, lastFailure sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(outcome = 'success'), 0),
			COALESCE(SUM(outcome = 'failed'), 0),
			AVG(duration_ms),
			MAX(CASE WHEN outcome = 'success' THEN finished_at END),
			MAX(CASE WHEN outcome = 'failed' THEN finished_at END)
		FROM cycles`).Scan(&st.Total, &st.Succeeded, &st.Failed, &avg, &lastSuccess, &lastFailure)
	if err != nil {
		return st, fmt.Errorf("aggregate cycles: %w", err)
	}
	if avg.Valid {
		st.AvgDuration = time.Duration(avg.Float64) * time.Millisecond
	}
	if lastSuccess.Valid {
		st.LastSuccess = time.UnixMilli(lastSuccess.Int64).UTC()
	}
	if lastFailure.Valid {
		st.LastFailure = time.UnixMilli(lastFailure.Int64).UTC()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT reason, COUNT(*) FROM cycles
		WHERE outcome = 'failed' GROUP BY reason`)
	if err != nil {
		return st, fmt.Errorf("aggregate reasons: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reason string
		var count int
		if err := rows.Scan(&reason, &count); err != nil {
			return st, fmt.Errorf("scan reason: %w", err)
		}
		if reason == "" {
			reason = "exit_status"
		}
		st.Reasons[reason] += count
	}
	return st, rows.Err()
}
