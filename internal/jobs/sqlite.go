package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLitePendingIndex is a pure-Go SQLite-backed PendingIndex, the same
// store choice as the teacher's graph/store/sqlite.go, adapted to a single
// small table instead of the teacher's step/checkpoint/idempotency schema
// — the pending-job index needs none of that, just a durable key-value
// map with WAL-mode concurrent reads.
type SQLitePendingIndex struct {
	db *sql.DB
}

// NewSQLitePendingIndex opens (or creates) the pending-job index database
// at path. Use ":memory:" for tests.
func NewSQLitePendingIndex(path string) (*SQLitePendingIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("jobs: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("jobs: %s: %w", pragma, err)
		}
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS pending_jobs (
			job_id TEXT PRIMARY KEY,
			start_time TIMESTAMP NOT NULL,
			params_json TEXT NOT NULL
		)
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("jobs: create table: %w", err)
	}

	return &SQLitePendingIndex{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLitePendingIndex) Close() error {
	return s.db.Close()
}

func (s *SQLitePendingIndex) Put(ctx context.Context, entry PendingEntry) error {
	paramsJSON, err := json.Marshal(entry.Params)
	if err != nil {
		return fmt.Errorf("jobs: marshal params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_jobs (job_id, start_time, params_json) VALUES (?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET start_time=excluded.start_time, params_json=excluded.params_json`,
		entry.JobID, entry.StartTime, string(paramsJSON))
	return err
}

func (s *SQLitePendingIndex) Remove(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_jobs WHERE job_id = ?`, jobID)
	return err
}

func (s *SQLitePendingIndex) Get(ctx context.Context, jobID string) (PendingEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT job_id, start_time, params_json FROM pending_jobs WHERE job_id = ?`, jobID)
	entry, err := scanPendingEntry(row)
	if err == sql.ErrNoRows {
		return PendingEntry{}, false, nil
	}
	if err != nil {
		return PendingEntry{}, false, err
	}
	return entry, true, nil
}

func (s *SQLitePendingIndex) List(ctx context.Context) ([]PendingEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, start_time, params_json FROM pending_jobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingEntry
	for rows.Next() {
		var jobID, paramsJSON string
		var startTime time.Time
		if err := rows.Scan(&jobID, &startTime, &paramsJSON); err != nil {
			return nil, err
		}
		var params Params
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return nil, err
		}
		out = append(out, PendingEntry{JobID: jobID, StartTime: startTime, Params: params})
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingEntry(row rowScanner) (PendingEntry, error) {
	var jobID, paramsJSON string
	var startTime time.Time
	if err := row.Scan(&jobID, &startTime, &paramsJSON); err != nil {
		return PendingEntry{}, err
	}
	var params Params
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return PendingEntry{}, err
	}
	return PendingEntry{JobID: jobID, StartTime: startTime, Params: params}, nil
}
