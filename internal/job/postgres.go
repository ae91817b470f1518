package job

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const activeSessionIndex = "idx_jobs_active_session"

// PostgresStore is a Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and applies the embedded migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, j *Job) error {
	args, err := pgJobArgs(j)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			session_id = EXCLUDED.session_id, session_name = EXCLUDED.session_name,
			priority = EXCLUDED.priority, status = EXCLUDED.status, progress = EXCLUDED.progress,
			options = EXCLUDED.options, attempt = EXCLUDED.attempt, max_attempts = EXCLUDED.max_attempts,
			result = EXCLUDED.result, error_message = EXCLUDED.error_message,
			error_attempt = EXCLUDED.error_attempt, retry_at = EXCLUDED.retry_at,
			version = EXCLUDED.version, created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at, started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`, args...)
	if err != nil {
		if isPgActiveSessionConflict(err) {
			return s.duplicateFor(ctx, j)
		}
		return fmt.Errorf("put job %s: %w", j.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *PostgresStore) ListBySession(ctx context.Context, sessionID string) ([]*Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE session_id = $1
		ORDER BY created_at DESC, id DESC`, sessionID)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ANY($1)
		ORDER BY created_at ASC, id ASC`, names)
}

func (s *PostgresStore) Update(ctx context.Context, j *Job, expected int64) error {
	next := j.Clone()
	next.Version = expected + 1
	args, err := pgJobArgs(next)
	if err != nil {
		return err
	}
	args = append(args, expected)
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			session_id = $2, session_name = $3, priority = $4, status = $5, progress = $6, options = $7,
			attempt = $8, max_attempts = $9, result = $10, error_message = $11, error_attempt = $12,
			retry_at = $13, version = $14, created_at = $15, updated_at = $16, started_at = $17,
			completed_at = $18
		WHERE id = $1 AND version = $19
	`, args...)
	if err != nil {
		if isPgActiveSessionConflict(err) {
			return s.duplicateFor(ctx, j)
		}
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	j.Version = next.Version
	return nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int, len(AllStatuses))
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ($1, $2, $3)
		AND completed_at IS NOT NULL
		AND completed_at < $4
	`, string(StatusCompleted), string(StatusFailed), string(StatusCancelled), before)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close releases every pooled connection.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Job, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanPgJob(rows)
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

// duplicateFor looks up the job currently holding j's session.
func (s *PostgresStore) duplicateFor(ctx context.Context, j *Job) error {
	dup := &DuplicateJobError{SessionID: j.SessionID}
	var id, status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, status FROM jobs
		WHERE session_id = $1 AND status IN ('pending', 'ready', 'processing') AND id <> $2
	`, j.SessionID, j.ID).Scan(&id, &status)
	if err == nil {
		dup.ExistingJobID = id
		dup.Status = Status(status)
	}
	return dup
}

func pgJobArgs(j *Job) ([]any, error) {
	options, err := json.Marshal(j.Options)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}
	var result []byte
	if j.Result != nil {
		if result, err = json.Marshal(j.Result); err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
	}
	errMsg := pgtype.Text{}
	errAttempt := 0
	if j.Error != nil {
		errMsg = pgtype.Text{String: j.Error.Message, Valid: true}
		errAttempt = j.Error.Attempt
	}
	return []any{
		j.ID, j.SessionID, j.SessionName, string(j.Priority), string(j.Status), j.Progress, options,
		j.Attempt, j.MaxAttempts, result, errMsg, errAttempt, j.RetryAt, j.Version,
		j.CreatedAt, j.UpdatedAt, j.StartedAt, j.CompletedAt,
	}, nil
}

func scanPgJob(row pgx.Row) (*Job, error) {
	var (
		j                Job
		options, result  []byte
		errMsg           pgtype.Text
		errAttempt       int
		priority, status string
	)
	if err := row.Scan(
		&j.ID, &j.SessionID, &j.SessionName, &priority, &status, &j.Progress, &options,
		&j.Attempt, &j.MaxAttempts, &result, &errMsg, &errAttempt, &j.RetryAt, &j.Version,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt,
	); err != nil {
		return nil, err
	}
	out := &j
	out.Priority = Priority(priority)
	out.Status = Status(status)
	if err := json.Unmarshal(options, &out.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	if result != nil {
		out.Result = &Result{}
		if err := json.Unmarshal(result, out.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if errMsg.Valid {
		out.Error = &AttemptError{Message: errMsg.String, Attempt: errAttempt}
	}
	out.CreatedAt = out.CreatedAt.UTC()
	out.UpdatedAt = out.UpdatedAt.UTC()
	return out, nil
}

func isPgActiveSessionConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeSessionIndex
}
