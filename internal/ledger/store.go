// Package ledger records runs, pull request outcomes and failures in SQLite
// so reruns can be detected and past failures inspected.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oddessentials/ado-git-repo-seeder/internal/report"
)

// Run statuses
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusFatal     = "fatal"
)

// Run is one row of the runs table.
type Run struct {
	RunID      string
	Mode       string
	Seed       uint64
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	FatalError string
}

// Outcome is the final disposition of one seeded pull request.
type Outcome struct {
	Repository    string
	PullRequestID int
	Branch        string
	Outcome       string // complete, abandon, open, draft
	Succeeded     bool
}

// Store is the SQLite-backed ledger. A nil *Store accepts every call and
// records nothing, so callers need no branching when persistence is off.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger at path. An empty path returns a nil
// Store. ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, nil
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// One connection: writes are serialized and :memory: stays a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set ledger pragmas: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			seed INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			fatal_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS pr_outcomes (
			run_id TEXT NOT NULL,
			repository TEXT NOT NULL,
			pr_id INTEGER NOT NULL,
			branch TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			succeeded INTEGER NOT NULL DEFAULT 0,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (run_id, repository, pr_id)
		)`,
		`CREATE TABLE IF NOT EXISTS failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			repository TEXT NOT NULL,
			pr_id INTEGER NOT NULL DEFAULT 0,
			phase TEXT NOT NULL,
			message TEXT NOT NULL,
			fatal INTEGER NOT NULL DEFAULT 0,
			recorded_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_failures_run ON failures(run_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// HasRun reports whether runID was recorded before.
func (s *Store) HasRun(runID string) (bool, error) {
	if s == nil {
		return false, nil
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up run: %w", err)
	}
	return n > 0, nil
}

// BeginRun records the start of a run.
func (s *Store) BeginRun(runID, mode string, seed uint64, startedAt time.Time) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (run_id, mode, seed, started_at, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			mode = excluded.mode,
			started_at = excluded.started_at,
			status = excluded.status,
			finished_at = '',
			fatal_error = ''
	`, runID, mode, int64(seed), formatTime(startedAt), StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// RecordOutcome upserts the outcome of one pull request.
func (s *Store) RecordOutcome(runID string, o Outcome) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO pr_outcomes (run_id, repository, pr_id, branch, outcome, succeeded, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, repository, pr_id) DO UPDATE SET
			outcome = excluded.outcome,
			succeeded = excluded.succeeded,
			recorded_at = excluded.recorded_at
	`, runID, o.Repository, o.PullRequestID, o.Branch, o.Outcome, boolInt(o.Succeeded), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

// RecordFailure appends a failure for runID.
func (s *Store) RecordFailure(runID string, f report.Failure) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO failures (run_id, repository, pr_id, phase, message, fatal, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, runID, f.Repository, f.PullRequestID, f.Phase, f.Message, boolInt(f.Fatal), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// FinishRun stamps the end of a run with its status.
func (s *Store) FinishRun(runID, status, fatalError string, finishedAt time.Time) error {
	if s == nil {
		return nil
	}
	res, err := s.db.Exec(`
		UPDATE runs SET finished_at = ?, status = ?, fatal_error = ? WHERE run_id = ?
	`, formatTime(finishedAt), status, fatalError, runID)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s was never started", runID)
	}
	return nil
}

// RunFailures returns the failures recorded for runID in insertion order.
func (s *Store) RunFailures(runID string) ([]report.Failure, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT repository, pr_id, phase, message, fatal
		FROM failures WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []report.Failure
	for rows.Next() {
		var f report.Failure
		var fatal int
		if err := rows.Scan(&f.Repository, &f.PullRequestID, &f.Phase, &f.Message, &fatal); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		f.Fatal = fatal != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

// RunOutcomes returns the recorded pull request outcomes for runID.
func (s *Store) RunOutcomes(runID string) ([]Outcome, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT repository, pr_id, branch, outcome, succeeded
		FROM pr_outcomes WHERE run_id = ? ORDER BY repository, pr_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var ok int
		if err := rows.Scan(&o.Repository, &o.PullRequestID, &o.Branch, &o.Outcome, &ok); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Succeeded = ok != 0
		out = append(out, o)
	}
	return out, rows.Err()
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(limit int) ([]Run, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT run_id, mode, seed, started_at, finished_at, status, fatal_error
		FROM runs ORDER BY started_at DESC, run_id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var r Run
		var seed int64
		var started, finished string
		if err := rows.Scan(&r.RunID, &r.Mode, &seed, &started, &finished, &r.Status, &r.FatalError); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Seed = uint64(seed)
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun returns one run, or sql.ErrNoRows wrapped when unknown.
func (s *Store) GetRun(runID string) (*Run, error) {
	if s == nil {
		return nil, sql.ErrNoRows
	}
	var r Run
	var seed int64
	var started, finished string
	err := s.db.QueryRow(`
		SELECT run_id, mode, seed, started_at, finished_at, status, fatal_error
		FROM runs WHERE run_id = ?
	`, runID).Scan(&r.RunID, &r.Mode, &seed, &started, &finished, &r.Status, &r.FatalError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, err)
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	r.Seed = uint64(seed)
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished)
	return &r, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
