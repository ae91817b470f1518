package job

import (
	"context"
	"time"
)

// Store persists and retrieves jobs. Writes are durable before they return.
type Store interface {
	// Put inserts or overwrites a record by id.
	Put(ctx context.Context, j *Job) error
	// Get returns nil, nil when the id is unknown.
	Get(ctx context.Context, id string) (*Job, error)
	// ListBySession returns the session's jobs, newest first.
	ListBySession(ctx context.Context, sessionID string) ([]*Job, error)
	// ListByStatus returns jobs in any of the given statuses, oldest first.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error)
	// Update writes j only if the stored version still equals expected.
	// On success j.Version is expected+1; otherwise ErrVersionConflict.
	Update(ctx context.Context, j *Job, expected int64) error
	CountByStatus(ctx context.Context) (map[Status]int, error)
	Delete(ctx context.Context, id string) error
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
