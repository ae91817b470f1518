package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/recapd/recapd/internal/job"
)

// timeLayout is fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore keeps each session as one JSON document per row.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the session database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			start_time TEXT NOT NULL,
			document   TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadFullSession(ctx context.Context, id string) (*Session, error) {
	return load(ctx, s.db, id)
}

// SaveFullSession inserts or replaces the whole session document.
func (s *SQLiteStore) SaveFullSession(ctx context.Context, sess *Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	return save(ctx, s.db, sess)
}

func (s *SQLiteStore) SaveSummary(ctx context.Context, id, summary string) error {
	return s.update(ctx, id, func(sess *Session) { sess.Summary = summary })
}

func (s *SQLiteStore) SaveAudioInsights(ctx context.Context, id string, insights *job.AudioInsights) error {
	return s.update(ctx, id, func(sess *Session) { sess.AudioInsights = insights })
}

func (s *SQLiteStore) SaveScreenshots(ctx context.Context, id string, screenshots []Screenshot) error {
	return s.update(ctx, id, func(sess *Session) { sess.Screenshots = screenshots })
}

func (s *SQLiteStore) SaveAudioSegments(ctx context.Context, id string, segments []AudioSegment) error {
	return s.update(ctx, id, func(sess *Session) { sess.AudioSegments = segments })
}

// List returns every session summary, most recent start first.
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM sessions ORDER BY start_time DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var sess Session
		if err := json.Unmarshal([]byte(doc), &sess); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, sess.Summarize())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SaveEnrichment(ctx context.Context, id, jobID string, r *job.Result, optimizedPath string, now time.Time) error {
	return s.update(ctx, id, func(sess *Session) {
		*sess = *ApplyEnrichment(sess, jobID, r, optimizedPath, now)
	})
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// update applies fn to the stored document inside one transaction.
func (s *SQLiteStore) update(ctx context.Context, id string, fn func(*Session)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	sess, err := load(ctx, tx, id)
	if err != nil {
		return err
	}
	fn(sess)
	if err := save(ctx, tx, sess); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session %s: %w", id, err)
	}
	return nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func load(ctx context.Context, db execQuerier, id string) (*Session, error) {
	var doc string
	err := db.QueryRowContext(ctx, `SELECT document FROM sessions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(doc), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func save(ctx context.Context, db execQuerier, sess *Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO sessions (id, start_time, document, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			start_time = excluded.start_time, document = excluded.document, updated_at = excluded.updated_at
	`, sess.ID, sess.StartTime.UTC().Format(timeLayout), string(doc), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}
