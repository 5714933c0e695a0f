// Package memory persists what the repair loop learned across iterations:
// the run state read back at the top of every loop, failure heuristics that
// steer hypothesis generation, and summaries of fixes that worked before.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// schema contains the DDL executed on first open. Using IF NOT EXISTS makes
// it safe to run on every startup.
const schema = `
CREATE TABLE IF NOT EXISTS run_state (
    id            INTEGER PRIMARY KEY CHECK (id = 1),
    iteration     INTEGER NOT NULL,
    failing_tests TEXT NOT NULL DEFAULT '[]',
    recent_files  TEXT NOT NULL DEFAULT '[]',
    diff_summary  TEXT NOT NULL DEFAULT '',
    build_ok      INTEGER NOT NULL DEFAULT 0,
    test_ok       INTEGER NOT NULL DEFAULT 0,
    hypotheses    TEXT NOT NULL DEFAULT '[]',
    updated_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS heuristics (
    kind      TEXT NOT NULL,
    name      TEXT NOT NULL,
    failures  INTEGER NOT NULL DEFAULT 0,
    last_seen TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (kind, name)
);

CREATE TABLE IF NOT EXISTS fixes (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    test_name  TEXT NOT NULL,
    summary    TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS passing_tests (
    name         TEXT PRIMARY KEY,
    first_passed TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Heuristic kinds tracked in the heuristics table.
const (
	kindFile = "file"
	kindTest = "test"
)

// RunState is the snapshot written at the end of every iteration, success or
// not, and read back by the next iteration's hypothesis generator.
type RunState struct {
	Iteration    int
	FailingTests []string
	RecentFiles  []string
	DiffSummary  string
	BuildOK      bool
	TestOK       bool
	Hypotheses   []string
}

// Store implements the persistent memory collaborator using a local SQLite
// database in WAL mode.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite database at dbPath, enables WAL mode
// and busy timeout, and creates the schema tables if they do not exist.
func NewStore(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("memory: open database: %w", err)
	}

	// Limit to one connection. SQLite only supports a single writer; using
	// one connection avoids SQLITE_BUSY contention between pooled connections
	// that each need their own PRAGMA setup.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: enable WAL mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: set busy timeout: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// ReadRunState returns the last persisted run state, or nil if no iteration
// has completed yet.
func (s *Store) ReadRunState(ctx context.Context) (*RunState, error) {
	const q = `SELECT iteration, failing_tests, recent_files, diff_summary, build_ok, test_ok, hypotheses
		FROM run_state WHERE id = 1`

	var (
		st                    RunState
		failing, recent, hyps string
		buildOK, testOK       int
	)
	err := s.db.QueryRowContext(ctx, q).Scan(&st.Iteration, &failing, &recent, &st.DiffSummary, &buildOK, &testOK, &hyps)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: read run state: %w", err)
	}

	if err := json.Unmarshal([]byte(failing), &st.FailingTests); err != nil {
		return nil, fmt.Errorf("memory: decode failing tests: %w", err)
	}
	if err := json.Unmarshal([]byte(recent), &st.RecentFiles); err != nil {
		return nil, fmt.Errorf("memory: decode recent files: %w", err)
	}
	if err := json.Unmarshal([]byte(hyps), &st.Hypotheses); err != nil {
		return nil, fmt.Errorf("memory: decode hypotheses: %w", err)
	}
	st.BuildOK = buildOK != 0
	st.TestOK = testOK != 0
	return &st, nil
}

// SaveRunState upserts the single run-state row. Called at the end of every
// iteration, including failed ones.
func (s *Store) SaveRunState(ctx context.Context, st RunState) error {
	failing, err := json.Marshal(emptyNotNil(st.FailingTests))
	if err != nil {
		return fmt.Errorf("memory: encode failing tests: %w", err)
	}
	recent, err := json.Marshal(emptyNotNil(st.RecentFiles))
	if err != nil {
		return fmt.Errorf("memory: encode recent files: %w", err)
	}
	hyps, err := json.Marshal(emptyNotNil(st.Hypotheses))
	if err != nil {
		return fmt.Errorf("memory: encode hypotheses: %w", err)
	}

	const q = `
		INSERT INTO run_state (id, iteration, failing_tests, recent_files, diff_summary, build_ok, test_ok, hypotheses, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			iteration     = excluded.iteration,
			failing_tests = excluded.failing_tests,
			recent_files  = excluded.recent_files,
			diff_summary  = excluded.diff_summary,
			build_ok      = excluded.build_ok,
			test_ok       = excluded.test_ok,
			hypotheses    = excluded.hypotheses,
			updated_at    = CURRENT_TIMESTAMP`

	if _, err := s.db.ExecContext(ctx, q, st.Iteration, string(failing), string(recent), st.DiffSummary,
		boolInt(st.BuildOK), boolInt(st.TestOK), string(hyps)); err != nil {
		return fmt.Errorf("memory: save run state: %w", err)
	}
	return nil
}

// UpdateHeuristics bumps the failure counters for the given files and tests.
// Called by the controller after every failed iteration.
func (s *Store) UpdateHeuristics(ctx context.Context, failedFiles, failedTests []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin heuristics tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	const q = `
		INSERT INTO heuristics (kind, name, failures, last_seen)
		VALUES (?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(kind, name) DO UPDATE SET
			failures  = heuristics.failures + 1,
			last_seen = CURRENT_TIMESTAMP`

	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return fmt.Errorf("memory: prepare heuristic upsert: %w", err)
	}
	defer stmt.Close()

	for _, f := range failedFiles {
		if _, err := stmt.ExecContext(ctx, kindFile, f); err != nil {
			return fmt.Errorf("memory: bump file heuristic %q: %w", f, err)
		}
	}
	for _, t := range failedTests {
		if _, err := stmt.ExecContext(ctx, kindTest, t); err != nil {
			return fmt.Errorf("memory: bump test heuristic %q: %w", t, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("memory: commit heuristics: %w", err)
	}
	return nil
}

// RecordFix stores the summary of a patch that made the named tests pass, so
// a future run hitting the same tests gets it back from GetSuggestedFix.
func (s *Store) RecordFix(ctx context.Context, tests []string, summary string) error {
	if summary == "" || len(tests) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin fix tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO fixes (test_name, summary) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("memory: prepare fix insert: %w", err)
	}
	defer stmt.Close()

	for _, name := range tests {
		if _, err := stmt.ExecContext(ctx, name, summary); err != nil {
			return fmt.Errorf("memory: record fix for %q: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("memory: commit fixes: %w", err)
	}
	return nil
}

// GetSuggestedFix returns the most recent recorded fix summary matching any
// of the failing tests, or empty string when memory has nothing to offer.
func (s *Store) GetSuggestedFix(ctx context.Context, failedTests, failedFiles []string) (string, error) {
	if len(failedTests) == 0 {
		return "", nil
	}

	q := fmt.Sprintf("SELECT summary FROM fixes WHERE test_name IN (%s) ORDER BY id DESC LIMIT 1",
		placeholders(len(failedTests)))
	args := make([]any, len(failedTests))
	for i, t := range failedTests {
		args[i] = t
	}

	var summary string
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("memory: suggested fix lookup: %w", err)
	}
	return summary, nil
}

// GetMemorySummary renders the hottest failure heuristics as a short text
// block, suitable for injecting into a builder's initial context. Focus
// terms, when given, restrict the listing to matching names.
func (s *Store) GetMemorySummary(ctx context.Context, focus []string) (string, error) {
	const q = `SELECT kind, name, failures FROM heuristics ORDER BY failures DESC, last_seen DESC LIMIT 20`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return "", fmt.Errorf("memory: query heuristics: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var kind, name string
		var failures int
		if err := rows.Scan(&kind, &name, &failures); err != nil {
			return "", fmt.Errorf("memory: scan heuristic: %w", err)
		}
		if !matchesFocus(name, focus) {
			continue
		}
		fmt.Fprintf(&b, "- %s %s has failed %d time(s) this project\n", kind, name, failures)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("memory: iterate heuristics: %w", err)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// AddPassingTests records test identifiers that are now known to pass. The
// set only ever grows; re-adding is a no-op.
func (s *Store) AddPassingTests(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin passing tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO passing_tests (name) VALUES (?) ON CONFLICT(name) DO NOTHING")
	if err != nil {
		return fmt.Errorf("memory: prepare passing insert: %w", err)
	}
	defer stmt.Close()

	for _, name := range names {
		if _, err := stmt.ExecContext(ctx, name); err != nil {
			return fmt.Errorf("memory: add passing test %q: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("memory: commit passing tests: %w", err)
	}
	return nil
}

// PassingTests returns the full persisted passing set in name order.
func (s *Store) PassingTests(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM passing_tests ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("memory: query passing tests: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("memory: scan passing test: %w", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: iterate passing tests: %w", err)
	}
	return names, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func emptyNotNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func matchesFocus(name string, focus []string) bool {
	if len(focus) == 0 {
		return true
	}
	for _, f := range focus {
		if f != "" && strings.Contains(strings.ToLower(name), strings.ToLower(f)) {
			return true
		}
	}
	return false
}
