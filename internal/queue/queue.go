package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recapd/recapd/internal/job"
	"github.com/recapd/recapd/internal/logging"
)

// casRetries bounds read-modify-write loops that keep losing to concurrent writers.
const casRetries = 8

// errNoChange aborts a mutation without writing; the caller gets the current record.
var errNoChange = errors.New("no change")

// Event is delivered to subscribers on every state or progress change of a job.
type Event struct {
	Name string // "status", "progress", "result"
	Job  *job.Job
}

// Counts is a live snapshot of the store grouped by status.
type Counts struct {
	Pending    int `json:"pending"`
	Ready      int `json:"ready"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// Queue owns every job state transition. It is the only writer of the job store.
type Queue struct {
	store  job.Store
	logger *slog.Logger
	now    func() time.Time

	// enqueueMu serialises the per-session uniqueness check with the insert.
	enqueueMu sync.Mutex

	subs map[string][]chan Event
	mu   sync.RWMutex
}

// Option configures a Queue.
type Option func(*Queue)

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue over store.
func New(store job.Store, opts ...Option) *Queue {
	q := &Queue{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		subs:  make(map[string][]chan Event),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = logging.NewComponentLogger(q.logger, "queue")
	return q
}

// Enqueue creates a pending job. A session with a non-terminal job is rejected
// with a DuplicateJobError naming the existing job.
func (q *Queue) Enqueue(ctx context.Context, req job.EnqueueRequest) (*job.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid enqueue request: %w", err)
	}

	q.enqueueMu.Lock()
	defer q.enqueueMu.Unlock()

	active, err := q.activeJob(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, &job.DuplicateJobError{SessionID: req.SessionID, ExistingJobID: active.ID, Status: active.Status}
	}

	j := job.New(uuid.NewString(), req, q.now())
	if err := q.store.Put(ctx, j); err != nil {
		var dup *job.DuplicateJobError
		if errors.As(err, &dup) {
			return nil, err
		}
		return nil, &job.PersistenceError{Op: "enqueue", Err: err}
	}
	q.logger.Info("job enqueued", append(logging.Job(j.ID, j.SessionID),
		logging.String("priority", string(j.Priority)))...)
	q.publish(Event{Name: "status", Job: j})
	return j.Clone(), nil
}

// MarkMediaReady records the optimized video path and releases the session's
// pending job to the scheduler. It returns nil, nil when there is nothing to
// release: no active job, or the job already left pending.
func (q *Queue) MarkMediaReady(ctx context.Context, sessionID, path string) (*job.Job, error) {
	if path == "" {
		return nil, errors.New("optimized video path must not be empty")
	}
	active, err := q.activeJob(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		q.logger.Debug("media ready without active job", logging.String(logging.FieldSessionID, sessionID))
		return nil, nil
	}

	j, changed, err := q.mutate(ctx, active.ID, "mark media ready", func(j *job.Job) error {
		if j.Status != job.StatusPending {
			return errNoChange
		}
		j.Options.OptimizedVideoPath = path
		return j.Transition("mark media ready", job.StatusReady, q.now())
	})
	if err != nil || !changed {
		return nil, err
	}
	q.logger.Info("job ready", append(logging.Job(j.ID, j.SessionID),
		logging.String("optimized_video_path", path))...)
	return j, nil
}

// GetJob returns nil, nil for an unknown id.
func (q *Queue) GetJob(ctx context.Context, id string) (*job.Job, error) {
	j, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, &job.PersistenceError{Op: "get job", Err: err}
	}
	return j, nil
}

// LatestForSession returns the session's most recent job of any status.
func (q *Queue) LatestForSession(ctx context.Context, sessionID string) (*job.Job, error) {
	jobs, err := q.store.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, &job.PersistenceError{Op: "list session jobs", Err: err}
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// Cancel moves the session's pending or ready job to cancelled. A processing
// job cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, sessionID string) (*job.Job, error) {
	active, err := q.activeJob(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, job.ErrNoActiveJob
	}
	j, _, err := q.mutate(ctx, active.ID, "cancel", func(j *job.Job) error {
		return j.Transition("cancel", job.StatusCancelled, q.now())
	})
	if err != nil {
		return nil, err
	}
	q.logger.Info("job cancelled", logging.Job(j.ID, j.SessionID)...)
	return j, nil
}

// Retry enqueues a fresh job for a session whose latest job failed or was
// cancelled, reusing its options. A known optimized video path makes the new
// job ready immediately.
func (q *Queue) Retry(ctx context.Context, sessionID string) (*job.Job, error) {
	latest, err := q.LatestForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, job.ErrJobNotFound
	}
	if latest.Status == job.StatusCompleted {
		return nil, &job.InvalidTransitionError{JobID: latest.ID, Op: "retry", From: latest.Status, To: job.StatusPending}
	}

	opts := latest.Options
	path := opts.OptimizedVideoPath
	opts.OptimizedVideoPath = ""
	j, err := q.Enqueue(ctx, job.EnqueueRequest{
		SessionID:   latest.SessionID,
		SessionName: latest.SessionName,
		Priority:    latest.Priority,
		Options:     opts,
		MaxAttempts: latest.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	if path == "" {
		return j, nil
	}
	ready, err := q.MarkMediaReady(ctx, sessionID, path)
	if err != nil {
		return nil, err
	}
	if ready == nil {
		return j, nil
	}
	return ready, nil
}

// Status counts jobs per status straight from the store.
func (q *Queue) Status(ctx context.Context) (Counts, error) {
	byStatus, err := q.store.CountByStatus(ctx)
	if err != nil {
		return Counts{}, &job.PersistenceError{Op: "count jobs", Err: err}
	}
	c := Counts{
		Pending:    byStatus[job.StatusPending],
		Ready:      byStatus[job.StatusReady],
		Processing: byStatus[job.StatusProcessing],
		Completed:  byStatus[job.StatusCompleted],
		Failed:     byStatus[job.StatusFailed],
		Cancelled:  byStatus[job.StatusCancelled],
	}
	c.Total = c.Pending + c.Ready + c.Processing + c.Completed + c.Failed + c.Cancelled
	return c, nil
}

// NextEligibleJobs returns up to limit ready jobs, highest priority first and
// oldest first within a priority, at most one per session and none for the
// excluded sessions.
func (q *Queue) NextEligibleJobs(ctx context.Context, limit int, exclude map[string]bool) ([]*job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	ready, err := q.store.ListByStatus(ctx, job.StatusReady)
	if err != nil {
		return nil, &job.PersistenceError{Op: "list ready jobs", Err: err}
	}
	// ListByStatus is oldest first, so a stable sort on rank keeps FIFO within a priority.
	sort.SliceStable(ready, func(a, b int) bool {
		return ready[a].Priority.Rank() > ready[b].Priority.Rank()
	})

	seen := make(map[string]bool, len(ready))
	out := make([]*job.Job, 0, limit)
	for _, j := range ready {
		if exclude[j.SessionID] || seen[j.SessionID] {
			continue
		}
		seen[j.SessionID] = true
		out = append(out, j)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// StartAttempt moves a ready job to processing and counts the attempt.
func (q *Queue) StartAttempt(ctx context.Context, id string) (*job.Job, error) {
	j, _, err := q.mutate(ctx, id, "start attempt", func(j *job.Job) error {
		now := q.now()
		if err := j.Transition("start attempt", job.StatusProcessing, now); err != nil {
			return err
		}
		j.Attempt++
		j.StartedAt = &now
		j.RetryAt = nil
		return nil
	})
	return j, err
}

// UpdateProgress raises a processing job's progress; lower values are ignored.
func (q *Queue) UpdateProgress(ctx context.Context, id string, pct int) (*job.Job, error) {
	j, _, err := q.mutate(ctx, id, "update progress", func(j *job.Job) error {
		if j.Status != job.StatusProcessing || !j.AdvanceProgress(pct) {
			return errNoChange
		}
		j.UpdatedAt = q.now()
		return nil
	})
	return j, err
}

// Complete stores the result and finishes the job.
func (q *Queue) Complete(ctx context.Context, id string, result *job.Result) (*job.Job, error) {
	j, _, err := q.mutate(ctx, id, "complete", func(j *job.Job) error {
		if err := j.Transition("complete", job.StatusCompleted, q.now()); err != nil {
			return err
		}
		j.Result = result
		j.Progress = 100
		j.RetryAt = nil
		j.Error = nil
		return nil
	})
	return j, err
}

// FailAttempt records a failed attempt that will be retried at retryAt. The job
// stays processing, and so keeps its slot, until ReleaseRetry.
func (q *Queue) FailAttempt(ctx context.Context, id, message string, retryAt time.Time) (*job.Job, error) {
	j, _, err := q.mutate(ctx, id, "fail attempt", func(j *job.Job) error {
		if j.Status != job.StatusProcessing {
			return &job.InvalidTransitionError{JobID: j.ID, Op: "fail attempt", From: j.Status, To: job.StatusProcessing}
		}
		at := retryAt.UTC()
		j.Error = &job.AttemptError{Message: message, Attempt: j.Attempt}
		j.RetryAt = &at
		j.UpdatedAt = q.now()
		return nil
	})
	return j, err
}

// ReleaseRetry returns a job waiting out its backoff to ready. Jobs that are not
// waiting are left alone.
func (q *Queue) ReleaseRetry(ctx context.Context, id string) (*job.Job, error) {
	j, _, err := q.mutate(ctx, id, "release retry", func(j *job.Job) error {
		if j.Status != job.StatusProcessing || j.RetryAt == nil {
			return errNoChange
		}
		j.RetryAt = nil
		return j.Transition("release retry", job.StatusReady, q.now())
	})
	return j, err
}

// Fail records the final error and moves the job to failed.
func (q *Queue) Fail(ctx context.Context, id, message string) (*job.Job, error) {
	j, _, err := q.mutate(ctx, id, "fail", func(j *job.Job) error {
		if err := j.Transition("fail", job.StatusFailed, q.now()); err != nil {
			return err
		}
		j.Error = &job.AttemptError{Message: message, Attempt: j.Attempt}
		j.RetryAt = nil
		return nil
	})
	return j, err
}

// RecoverInterrupted returns processing jobs to ready. It runs once at startup,
// before any attempt can be in flight. A job waiting out its backoff keeps its
// count; a job cut off mid-attempt on its last allowed attempt fails instead,
// since running it again would exceed max_attempts.
func (q *Queue) RecoverInterrupted(ctx context.Context) ([]*job.Job, error) {
	stuck, err := q.store.ListByStatus(ctx, job.StatusProcessing)
	if err != nil {
		return nil, &job.PersistenceError{Op: "list processing jobs", Err: err}
	}
	recovered := make([]*job.Job, 0, len(stuck))
	for _, s := range stuck {
		j, changed, err := q.mutate(ctx, s.ID, "recover", func(j *job.Job) error {
			if j.Status != job.StatusProcessing {
				return errNoChange
			}
			if j.RetryAt == nil && j.Attempt >= j.MaxAttempts {
				if err := j.Transition("recover", job.StatusFailed, q.now()); err != nil {
					return err
				}
				j.Error = &job.AttemptError{
					Message: fmt.Sprintf("attempt %d interrupted by restart", j.Attempt),
					Attempt: j.Attempt,
				}
				return nil
			}
			j.RetryAt = nil
			return j.Transition("recover", job.StatusReady, q.now())
		})
		if err != nil {
			return recovered, err
		}
		if changed {
			q.logger.Info("recovered interrupted job", append(logging.Job(j.ID, j.SessionID),
				logging.Int(logging.FieldAttempt, j.Attempt),
				logging.String(logging.FieldStatus, string(j.Status)))...)
			recovered = append(recovered, j)
		}
	}
	return recovered, nil
}

// PurgeTerminal deletes terminal jobs that finished more than olderThan ago.
func (q *Queue) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := q.store.DeleteTerminalBefore(ctx, q.now().Add(-olderThan))
	if err != nil {
		return 0, &job.PersistenceError{Op: "purge terminal jobs", Err: err}
	}
	if n > 0 {
		q.logger.Info("purged terminal jobs", logging.Int64("count", n))
	}
	return n, nil
}

// Subscribe creates a buffered event channel for a job and returns it.
// The channel is closed once the job reaches a terminal state.
func (q *Queue) Subscribe(jobID string) chan Event {
	ch := make(chan Event, 64)
	q.mu.Lock()
	q.subs[jobID] = append(q.subs[jobID], ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes an event channel from the map.
func (q *Queue) Unsubscribe(jobID string, ch chan Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	chans := q.subs[jobID]
	for i, c := range chans {
		if c == ch {
			q.subs[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(q.subs[jobID]) == 0 {
		delete(q.subs, jobID)
	}
}

// activeJob returns the session's non-terminal job, if any.
func (q *Queue) activeJob(ctx context.Context, sessionID string) (*job.Job, error) {
	jobs, err := q.store.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, &job.PersistenceError{Op: "list session jobs", Err: err}
	}
	for _, j := range jobs {
		if !j.Status.IsTerminal() {
			return j, nil
		}
	}
	return nil, nil
}

// mutate runs fn against a fresh copy of the job and writes it back with a
// version check, retrying from a fresh read when another writer got there first.
func (q *Queue) mutate(ctx context.Context, id, op string, fn func(*job.Job) error) (*job.Job, bool, error) {
	for i := 0; i < casRetries; i++ {
		j, err := q.store.Get(ctx, id)
		if err != nil {
			return nil, false, &job.PersistenceError{Op: op, Err: err}
		}
		if j == nil {
			return nil, false, fmt.Errorf("%s %s: %w", op, id, job.ErrJobNotFound)
		}
		before := j.Status
		expected := j.Version
		if err := fn(j); err != nil {
			if errors.Is(err, errNoChange) {
				return j, false, nil
			}
			return nil, false, err
		}
		err = q.store.Update(ctx, j, expected)
		if errors.Is(err, job.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, false, &job.PersistenceError{Op: op, Err: err}
		}
		name := "progress"
		if j.Status != before {
			name = "status"
		}
		q.publish(Event{Name: name, Job: j})
		return j.Clone(), true, nil
	}
	return nil, false, &job.PersistenceError{Op: op, Err: job.ErrVersionConflict}
}

// publish fans an event out to subscribers; terminal states close their channels.
func (q *Queue) publish(ev Event) {
	ev.Job = ev.Job.Clone()
	if ev.Job.Status.IsTerminal() {
		ev.Name = "result"
		q.notifyAndClose(ev.Job.ID, ev)
		return
	}
	q.notify(ev.Job.ID, ev)
}

// notify sends an event to all subscribers of a job without blocking. The read
// lock is held across the sends so notifyAndClose cannot close a channel mid-send.
func (q *Queue) notify(jobID string, event Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subs[jobID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// notifyAndClose sends the final event and closes all channels for the job.
func (q *Queue) notifyAndClose(jobID string, event Event) {
	q.mu.Lock()
	chans := q.subs[jobID]
	delete(q.subs, jobID)
	q.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
		close(ch)
	}
}
