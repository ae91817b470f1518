package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const jobColumns = `id, session_id, session_name, priority, status, progress, options,
	attempt, max_attempts, result, error_message, error_attempt, retry_at, version,
	created_at, updated_at, started_at, completed_at`

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serialises writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL,
			session_name  TEXT NOT NULL DEFAULT '',
			priority      TEXT NOT NULL DEFAULT 'normal',
			status        TEXT NOT NULL DEFAULT 'pending',
			progress      INTEGER NOT NULL DEFAULT 0,
			options       TEXT NOT NULL DEFAULT '{}',
			attempt       INTEGER NOT NULL DEFAULT 0,
			max_attempts  INTEGER NOT NULL DEFAULT 3,
			result        TEXT,
			error_message TEXT,
			error_attempt INTEGER NOT NULL DEFAULT 0,
			retry_at      TEXT,
			version       INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			started_at    TEXT,
			completed_at  TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status       ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_session      ON jobs(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_completed_at ON jobs(completed_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_session
			ON jobs(session_id) WHERE status IN ('pending', 'ready', 'processing');
	`)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, j *Job) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id, session_name = excluded.session_name,
			priority = excluded.priority, status = excluded.status, progress = excluded.progress,
			options = excluded.options, attempt = excluded.attempt, max_attempts = excluded.max_attempts,
			result = excluded.result, error_message = excluded.error_message,
			error_attempt = excluded.error_attempt, retry_at = excluded.retry_at,
			version = excluded.version, created_at = excluded.created_at,
			updated_at = excluded.updated_at, started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, args...)
	if err != nil {
		if isActiveSessionConflict(err) {
			return &DuplicateJobError{SessionID: j.SessionID, Status: j.Status}
		}
		return fmt.Errorf("put job %s: %w", j.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) ListBySession(ctx context.Context, sessionID string) ([]*Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE session_id = ?
		ORDER BY created_at DESC, id DESC`, sessionID)
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, st)
	}
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status IN (`+placeholders(len(statuses))+`)
		ORDER BY created_at ASC, id ASC`, args...)
}

func (s *SQLiteStore) Update(ctx context.Context, j *Job, expected int64) error {
	next := j.Clone()
	next.Version = expected + 1
	args, err := jobArgs(next)
	if err != nil {
		return err
	}
	// Drop the id from the front and re-append it with the expected version for the WHERE clause.
	args = append(args[1:], j.ID, expected)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			session_id = ?, session_name = ?, priority = ?, status = ?, progress = ?, options = ?,
			attempt = ?, max_attempts = ?, result = ?, error_message = ?, error_attempt = ?,
			retry_at = ?, version = ?, created_at = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND version = ?
	`, args...)
	if err != nil {
		if isActiveSessionConflict(err) {
			return &DuplicateJobError{SessionID: j.SessionID, ExistingJobID: j.ID, Status: j.Status}
		}
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	j.Version = next.Version
	return nil
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int, len(AllStatuses))
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?, ?)
		AND completed_at IS NOT NULL
		AND completed_at < ?
	`, StatusCompleted, StatusFailed, StatusCancelled, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func jobArgs(j *Job) ([]any, error) {
	options, err := json.Marshal(j.Options)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}
	var result any
	if j.Result != nil {
		raw, err := json.Marshal(j.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		result = string(raw)
	}
	var errMsg any
	errAttempt := 0
	if j.Error != nil {
		errMsg = j.Error.Message
		errAttempt = j.Error.Attempt
	}
	return []any{
		j.ID, j.SessionID, j.SessionName, j.Priority, j.Status, j.Progress, string(options),
		j.Attempt, j.MaxAttempts, result, errMsg, errAttempt, nullableTime(j.RetryAt), j.Version,
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt), nullableTime(j.StartedAt), nullableTime(j.CompletedAt),
	}, nil
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		j                            Job
		options                      string
		result, errMsg               sql.NullString
		errAttempt                   int
		retryAt, startedAt, complete sql.NullString
		createdAt, updatedAt         string
	)
	if err := scanner.Scan(
		&j.ID, &j.SessionID, &j.SessionName, &j.Priority, &j.Status, &j.Progress, &options,
		&j.Attempt, &j.MaxAttempts, &result, &errMsg, &errAttempt, &retryAt, &j.Version,
		&createdAt, &updatedAt, &startedAt, &complete,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(options), &j.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	if result.Valid {
		j.Result = &Result{}
		if err := json.Unmarshal([]byte(result.String), j.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if errMsg.Valid {
		j.Error = &AttemptError{Message: errMsg.String, Attempt: errAttempt}
	}
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	j.RetryAt = parseNullTime(retryAt)
	j.StartedAt = parseNullTime(startedAt)
	j.CompletedAt = parseNullTime(complete)
	return &j, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, value)
	}
	return t
}

func parseNullTime(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	t := parseTime(value.String)
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isActiveSessionConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, "session_id")
}
