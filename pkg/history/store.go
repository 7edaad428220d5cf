// Package history keeps a SQLite ledger of job outcomes. Unlike jobs.json,
// rows survive clearing the queue.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3leaps/stagehand/pkg/job"
)

const schemaVersion = 1

// Config configures the ledger location. Path ":memory:" keeps it in memory.
type Config struct {
	Path string
}

// Store is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Entry is one recorded outcome.
type Entry struct {
	ID         int64      `json:"id"`
	JobID      string     `json:"job_id"`
	SourcePath string     `json:"source_path"`
	Label      string     `json:"label"`
	Group      string     `json:"group,omitempty"`
	Status     job.Status `json:"status"`
	Attempt    int        `json:"attempt"`
	OutputPath string     `json:"output_path,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// Duration is the run time, or zero when the job never started.
func (e Entry) Duration() time.Duration {
	if e.StartedAt == nil || e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(*e.StartedAt)
}

// Query filters List.
type Query struct {
	Status job.Status
	Group  string
	Limit  int // default 50
}

// Open opens (and creates if needed) the ledger.
//
// Local files use WAL and a busy timeout, with a single connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history path is required")
	}

	dsn := path
	if path != ":memory:" {
		// #nosec G301 -- data directories use 0755 for multi-user access compatibility
		if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
		dsn = "file:" + filepath.Clean(path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// One connection: an in-memory database is per connection, and a single
	// writer avoids lock contention on files.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history: %w", err)
	}
	if dsn != ":memory:" {
		if err := configureLocal(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func configureLocal(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

// CheckHealth pings the database.
func (s *Store) CheckHealth(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS history_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO history_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS job_outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			source_path TEXT NOT NULL,
			label TEXT,
			group_name TEXT,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			output_path TEXT,
			error_message TEXT,
			started_at TEXT,
			finished_at TEXT,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_outcomes_job_id ON job_outcomes(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_job_outcomes_status ON job_outcomes(status);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		if i == 1 {
			if _, err := s.db.ExecContext(ctx, stmt, schemaVersion, now); err != nil {
				return fmt.Errorf("init schema meta: %w", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Record appends the outcome of a terminal job.
func (s *Store) Record(ctx context.Context, j job.Job) error {
	if !j.Status.Terminal() {
		return fmt.Errorf("job %s is not terminal: %s", j.ID, j.Status)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_outcomes (
			job_id, source_path, label, group_name, status, attempt, output_path, error_message, started_at, finished_at, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID, j.SourcePath, j.Label, j.Group, string(j.Status), j.AttemptCount, j.OutputPath, j.LastError,
		formatTime(j.StartedAt), formatTime(j.FinishedAt), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record job outcome: %w", err)
	}
	return nil
}

// List returns the most recent outcomes first.
func (s *Store) List(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var where []string
	var args []any
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.Group != "" {
		where = append(where, "group_name = ?")
		args = append(args, q.Group)
	}
	query := `SELECT id, job_id, source_path, label, group_name, status, attempt, output_path, error_message, started_at, finished_at, recorded_at FROM job_outcomes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list job outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			label, group      sql.NullString
			output, errMsg    sql.NullString
			started, finished sql.NullString
			status, recorded  string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.SourcePath, &label, &group, &status, &e.Attempt, &output, &errMsg, &started, &finished, &recorded); err != nil {
			return nil, fmt.Errorf("scan job outcome: %w", err)
		}
		e.Label = label.String
		e.Group = group.String
		e.Status = job.Status(status)
		e.OutputPath = output.String
		e.Error = errMsg.String
		e.StartedAt = parseTime(started)
		e.FinishedAt = parseTime(finished)
		if t := parseTime(sql.NullString{String: recorded, Valid: true}); t != nil {
			e.RecordedAt = *t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of recorded outcomes per status.
func (s *Store) Counts(ctx context.Context) (map[job.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_outcomes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count job outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[job.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[job.Status(status)] = n
	}
	return out, rows.Err()
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}
