// Package history keeps a SQLite ledger of every worker invocation.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harrison/ralph/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes shape.
const schemaVersion = 1

// timeLayout is fixed width so started_at sorts correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store manages the SQLite history database
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open creates a Store at dbPath and initializes the schema.
// ":memory:" opens a private in-memory database.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// busy_timeout first so the rest wait on locks held by `ralph history`.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// execWithRetry executes a SQL statement with exponential backoff retry on lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}

		// Only retry on "database is locked" errors
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}

		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

func (s *Store) initSchema() error {
	if err := execWithRetry(s.db, schemaSQL, 5, 10*time.Millisecond); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, schemaVersion)
	return err
}

// Version returns the highest applied schema version.
func (s *Store) Version() (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record stores one invocation.
func (s *Store) Record(ctx context.Context, rec models.IterationRecord) error {
	query := `INSERT INTO iterations
		(run_id, iteration, attempt, started_at, duration_ms, exit_code, kind, wait_seconds, remaining_before, remaining_after, log_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.RunID,
		rec.Iteration,
		rec.Attempt,
		rec.StartedAt.UTC().Format(timeLayout),
		rec.Duration.Milliseconds(),
		rec.ExitCode,
		string(rec.Kind),
		rec.WaitSeconds,
		rec.RemainingBefore,
		rec.RemainingAfter,
		rec.LogPath,
	)
	if err != nil {
		return fmt.Errorf("insert iteration: %w", err)
	}
	return nil
}

// Recent returns up to limit invocations, newest first. limit <= 0 means 20.
func (s *Store) Recent(ctx context.Context, limit int) ([]models.IterationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx, `SELECT id, run_id, iteration, attempt, started_at, duration_ms, exit_code, kind, wait_seconds, remaining_before, remaining_after, log_path
		FROM iterations ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
}

// ForRun returns every invocation of the runs whose ID starts with runID,
// in the order they happened. A full ID selects exactly one run.
func (s *Store) ForRun(ctx context.Context, runID string) ([]models.IterationRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID must not be empty")
	}
	return s.query(ctx, `SELECT id, run_id, iteration, attempt, started_at, duration_ms, exit_code, kind, wait_seconds, remaining_before, remaining_after, log_path
		FROM iterations WHERE substr(run_id, 1, length(?)) = ? ORDER BY id ASC`, runID, runID)
}

// RunStats summarises one run.
type RunStats struct {
	RunID          string
	Invocations    int
	RateLimited    int
	WorkerFailures int
	FirstStarted   time.Time
	LastStarted    time.Time
}

// Runs returns per-run statistics for the most recent runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]RunStats, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id,
			COUNT(*),
			SUM(CASE WHEN kind = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN exit_code != 0 AND kind NOT IN (?, ?) THEN 1 ELSE 0 END),
			MIN(started_at),
			MAX(started_at)
		FROM iterations GROUP BY run_id ORDER BY MAX(started_at) DESC LIMIT ?`,
		string(models.KindRateLimited), string(models.KindInterrupted), string(models.KindEarlyComplete), limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var stats []RunStats
	for rows.Next() {
		var st RunStats
		var first, last string
		if err := rows.Scan(&st.RunID, &st.Invocations, &st.RateLimited, &st.WorkerFailures, &first, &last); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		st.FirstStarted, _ = time.Parse(timeLayout, first)
		st.LastStarted, _ = time.Parse(timeLayout, last)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]models.IterationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query iterations: %w", err)
	}
	defer rows.Close()

	var records []models.IterationRecord
	for rows.Next() {
		var rec models.IterationRecord
		var startedAt, kind string
		var durationMS int64
		var logPath sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Iteration, &rec.Attempt, &startedAt, &durationMS,
			&rec.ExitCode, &kind, &rec.WaitSeconds, &rec.RemainingBefore, &rec.RemainingAfter, &logPath); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		rec.StartedAt, err = time.Parse(timeLayout, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", startedAt, err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.Kind = models.IterationKind(kind)
		rec.LogPath = logPath.String
		records = append(records, rec)
	}
	return records, rows.Err()
}
