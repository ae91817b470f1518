package worker

import (
	"context"

	"github.com/recapd/recapd/internal/job"
)

// ProgressFunc receives a completion percentage between 0 and 100.
type ProgressFunc func(pct int)

// Request describes one enrichment attempt.
type Request struct {
	JobID       string
	SessionID   string
	SessionName string
	Options     job.Options
	Attempt     int
	Progress    ProgressFunc
}

// Enricher runs the AI analysis for a session. Implementations must honour
// ctx cancellation; an error means the attempt failed and may be retried.
type Enricher interface {
	Enrich(ctx context.Context, req Request) (*job.Result, error)
}

// EnricherFunc adapts a plain function to Enricher.
type EnricherFunc func(ctx context.Context, req Request) (*job.Result, error)

func (f EnricherFunc) Enrich(ctx context.Context, req Request) (*job.Result, error) {
	return f(ctx, req)
}
