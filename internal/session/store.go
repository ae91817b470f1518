package session

import (
	"context"
	"time"

	"github.com/recapd/recapd/internal/job"
)

// Store persists sessions. SaveFullSession replaces the whole record in one
// atomic write; the partial savers update a single field.
type Store interface {
	LoadFullSession(ctx context.Context, id string) (*Session, error)
	SaveFullSession(ctx context.Context, s *Session) error
	SaveSummary(ctx context.Context, id, summary string) error
	SaveAudioInsights(ctx context.Context, id string, insights *job.AudioInsights) error
	SaveScreenshots(ctx context.Context, id string, screenshots []Screenshot) error
	SaveAudioSegments(ctx context.Context, id string, segments []AudioSegment) error
	// SaveEnrichment merges a job result into the stored session in one
	// read-modify-write, so concurrent partial saves are not lost.
	SaveEnrichment(ctx context.Context, id, jobID string, r *job.Result, optimizedPath string, now time.Time) error
	List(ctx context.Context) ([]Summary, error)
	Close() error
}
