package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/recapd/recapd/internal/job"
	"github.com/recapd/recapd/internal/logging"
	"github.com/recapd/recapd/internal/queue"
	"github.com/recapd/recapd/internal/session"
	"github.com/recapd/recapd/internal/telemetry"
	"github.com/recapd/recapd/internal/worker"
)

// ErrAlreadyRunning is returned by Initialize when the manager was started and
// not shut down since.
var ErrAlreadyRunning = errors.New("manager already running")

// Config holds the scheduling knobs.
type Config struct {
	MaxConcurrency  int
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	AttemptTimeout  time.Duration
	PollInterval    time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration
	DrainOnShutdown bool
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = job.DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
}

// Notifier is told about every job that reaches a terminal state.
type Notifier interface {
	Notify(ctx context.Context, j *job.Job)
}

// Manager schedules ready jobs onto a bounded set of worker slots, runs the
// enrichment, writes results back to the session store and applies the retry
// policy. It is the only caller of the enricher and of the session store.
type Manager struct {
	cfg      Config
	queue    *queue.Queue
	enricher worker.Enricher
	sessions session.Store
	notifier Notifier
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	now      func() time.Time

	wake chan struct{}

	mu             sync.Mutex
	running        bool
	occupied       map[string]string // session id -> job id
	timers         map[string]*time.Timer
	loopCtx        context.Context
	cancelLoop     context.CancelFunc
	cancelAttempts context.CancelFunc
	notifyCtx      context.Context
	cancelNotify   context.CancelFunc

	loops    sync.WaitGroup
	attempts sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithNotifier sets the receiver of terminal job states.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithClock replaces time.Now for retry scheduling and session stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New builds a Manager. Nothing runs until Initialize.
func New(cfg Config, q *queue.Queue, enricher worker.Enricher, sessions session.Store, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:      cfg,
		queue:    q,
		enricher: enricher,
		sessions: sessions,
		now:      func() time.Time { return time.Now().UTC() },
		wake:     make(chan struct{}, 1),
		occupied: make(map[string]string),
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.NewComponentLogger(m.logger, "manager")
	return m
}

// Initialize returns interrupted processing jobs to ready and starts the
// scheduling and retention loops.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()

	recovered, err := m.queue.RecoverInterrupted(ctx)
	if err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	attemptCtx, cancelAttempts := context.WithCancel(context.Background())
	notifyCtx, cancelNotify := context.WithCancel(context.Background())

	m.mu.Lock()
	m.loopCtx = loopCtx
	m.cancelLoop = cancelLoop
	m.cancelAttempts = cancelAttempts
	m.notifyCtx = notifyCtx
	m.cancelNotify = cancelNotify
	m.mu.Unlock()

	for _, j := range recovered {
		if j.Status == job.StatusFailed {
			m.metrics.JobFailed()
			m.notify(j)
		}
	}

	m.loops.Add(2)
	go m.loop(loopCtx, attemptCtx)
	go m.retentionLoop(loopCtx)

	m.logger.Info("manager started",
		logging.Int("max_concurrency", m.cfg.MaxConcurrency),
		logging.Int("recovered", len(recovered)))
	return nil
}

// EnqueueSession submits a session for enrichment. The job stays pending until
// MarkMediaProcessingComplete.
func (m *Manager) EnqueueSession(ctx context.Context, req job.EnqueueRequest) (*job.Job, error) {
	if req.MaxAttempts == 0 {
		req.MaxAttempts = m.cfg.MaxAttempts
	}
	j, err := m.queue.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	m.metrics.JobEnqueued()
	return j, nil
}

// MarkMediaProcessingComplete releases the session's pending job and wakes the
// scheduler. It is a no-op, returning nil, nil, when nothing was waiting.
func (m *Manager) MarkMediaProcessingComplete(ctx context.Context, sessionID, optimizedPath string) (*job.Job, error) {
	j, err := m.queue.MarkMediaReady(ctx, sessionID, optimizedPath)
	if err != nil {
		return nil, err
	}
	if j != nil {
		m.signal()
	}
	return j, nil
}

// CancelEnrichment cancels the session's pending or ready job.
func (m *Manager) CancelEnrichment(ctx context.Context, sessionID string) (*job.Job, error) {
	j, err := m.queue.Cancel(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	m.metrics.JobCancelled()
	m.notify(j)
	return j, nil
}

// RetrySession enqueues a new job for a session whose last job failed or was cancelled.
func (m *Manager) RetrySession(ctx context.Context, sessionID string) (*job.Job, error) {
	j, err := m.queue.Retry(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	m.metrics.JobEnqueued()
	if j.Status == job.StatusReady {
		m.signal()
	}
	return j, nil
}

func (m *Manager) GetQueueStatus(ctx context.Context) (queue.Counts, error) {
	return m.queue.Status(ctx)
}

// GetJob returns nil, nil for an unknown id.
func (m *Manager) GetJob(ctx context.Context, id string) (*job.Job, error) {
	return m.queue.GetJob(ctx, id)
}

// LatestForSession returns the session's most recent job, or nil.
func (m *Manager) LatestForSession(ctx context.Context, sessionID string) (*job.Job, error) {
	return m.queue.LatestForSession(ctx, sessionID)
}

// Wait blocks until the job reaches a terminal state and returns it.
func (m *Manager) Wait(ctx context.Context, jobID string) (*job.Job, error) {
	// Subscribe before reading so a transition between the two is not missed.
	ch := m.queue.Subscribe(jobID)
	defer m.queue.Unsubscribe(jobID, ch)

	j, err := m.queue.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("wait %s: %w", jobID, job.ErrJobNotFound)
	}
	if j.Status.IsTerminal() {
		return j, nil
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Closed on a terminal state; the final event may have been dropped.
				return m.queue.GetJob(ctx, jobID)
			}
			if ev.Job.Status.IsTerminal() {
				return ev.Job, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Shutdown stops scheduling and retry timers. With DrainOnShutdown, in-flight
// attempts run to completion bounded by ctx; otherwise they are cancelled and
// their jobs stay processing until the next Initialize recovers them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	cancelLoop, cancelAttempts, cancelNotify := m.cancelLoop, m.cancelAttempts, m.cancelNotify
	inflight := len(m.occupied)
	m.mu.Unlock()

	cancelLoop()
	m.loops.Wait()

	if !m.cfg.DrainOnShutdown {
		cancelAttempts()
	}
	m.logger.Info("manager stopping",
		logging.Int("inflight", inflight),
		logging.Bool("drain", m.cfg.DrainOnShutdown))

	done := make(chan struct{})
	go func() {
		m.attempts.Wait()
		close(done)
	}()
	defer cancelNotify()
	select {
	case <-done:
		cancelAttempts()
		m.logger.Info("manager stopped")
		return nil
	case <-ctx.Done():
		cancelAttempts()
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func (m *Manager) Close() error {
	return m.Shutdown(context.Background())
}

// signal wakes the scheduling loop without blocking.
func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) loop(ctx, attemptCtx context.Context) {
	defer m.loops.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		m.dispatch(ctx, attemptCtx)
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-ticker.C:
			m.refreshDepth(ctx)
		}
	}
}

// dispatch fills free slots with eligible jobs.
func (m *Manager) dispatch(ctx, attemptCtx context.Context) {
	m.mu.Lock()
	free := m.cfg.MaxConcurrency - len(m.occupied)
	exclude := make(map[string]bool, len(m.occupied))
	for sessionID := range m.occupied {
		exclude[sessionID] = true
	}
	m.mu.Unlock()

	if free <= 0 || ctx.Err() != nil {
		return
	}
	jobs, err := m.queue.NextEligibleJobs(ctx, free, exclude)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("select eligible jobs", logging.Error(err))
		}
		return
	}

	for _, next := range jobs {
		j, err := m.queue.StartAttempt(ctx, next.ID)
		if err != nil {
			// Cancelled between selection and start.
			if job.Kind(err) == job.KindInvalidTransition {
				m.logger.Debug("skip job that left ready", append(logging.Job(next.ID, next.SessionID), logging.Error(err))...)
				continue
			}
			m.logger.Error("start attempt", append(logging.Job(next.ID, next.SessionID), logging.Error(err))...)
			continue
		}

		m.mu.Lock()
		m.occupied[j.SessionID] = j.ID
		m.mu.Unlock()

		m.attempts.Add(1)
		go m.processJob(attemptCtx, j)
	}
}

// processJob runs one attempt. The slot is released however it ends.
func (m *Manager) processJob(attemptCtx context.Context, j *job.Job) {
	defer m.attempts.Done()
	defer m.release(j.SessionID)

	logger := m.logger.With(logging.Job(j.ID, j.SessionID)...).With(logging.Int(logging.FieldAttempt, j.Attempt))
	logger.Info("attempt started", logging.Int("max_attempts", j.MaxAttempts))

	observe := m.metrics.AttemptStarted()
	defer observe()

	ctx, cancel := context.WithTimeout(attemptCtx, m.cfg.AttemptTimeout)
	defer cancel()

	sampler := logging.NewProgressSampler(25)
	var progressMu sync.Mutex
	onProgress := func(pct int) {
		updated, err := m.queue.UpdateProgress(ctx, j.ID, pct)
		if err != nil {
			logger.Warn("record progress", logging.Error(err))
			return
		}
		progressMu.Lock()
		emit := sampler.ShouldLog(updated.Progress)
		progressMu.Unlock()
		if emit {
			logger.Info("attempt progress", logging.Int("progress", updated.Progress))
		}
	}

	start := time.Now()
	result, err := m.enricher.Enrich(ctx, worker.Request{
		JobID:       j.ID,
		SessionID:   j.SessionID,
		SessionName: j.SessionName,
		Options:     j.Options,
		Attempt:     j.Attempt,
		Progress:    onProgress,
	})
	if attemptCtx.Err() != nil {
		logger.Warn("attempt abandoned by shutdown")
		return
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("attempt timed out after %s: %w", m.cfg.AttemptTimeout, err)
	}

	// Results are persisted even if the attempt context has just expired.
	wctx := context.WithoutCancel(ctx)
	if err == nil {
		err = m.finalizeJob(wctx, j, result)
		if err == nil {
			logger.Info("attempt completed", logging.Duration("elapsed", time.Since(start)))
			return
		}
	}
	m.handleFailure(wctx, logger, j, err)
}

// finalizeJob merges the result into the stored session in one transaction
// and only then completes the job.
func (m *Manager) finalizeJob(ctx context.Context, j *job.Job, result *job.Result) error {
	if result == nil {
		result = &job.Result{}
	}
	if err := m.sessions.SaveEnrichment(ctx, j.SessionID, j.ID, result, j.Options.OptimizedVideoPath, m.now()); err != nil {
		return &job.PersistenceError{Op: "save enrichment for session " + j.SessionID, Err: err}
	}

	done, err := m.queue.Complete(ctx, j.ID, result)
	if err != nil {
		return err
	}
	m.metrics.JobCompleted()
	m.notify(done)
	return nil
}

// handleFailure schedules a retry while attempts remain and fails the job otherwise.
func (m *Manager) handleFailure(ctx context.Context, logger *slog.Logger, j *job.Job, cause error) {
	attemptErr := &job.EnrichmentAttemptError{JobID: j.ID, Attempt: j.Attempt, Err: cause}

	if j.Attempt < j.MaxAttempts {
		delay := m.backoff(j.Attempt)
		if _, err := m.queue.FailAttempt(ctx, j.ID, cause.Error(), m.now().Add(delay)); err != nil {
			logger.Error("record failed attempt", logging.Error(err), logging.Any("cause", attemptErr))
			return
		}
		m.metrics.AttemptRetried()
		logger.Warn("attempt failed, retry scheduled", logging.Error(attemptErr), logging.Duration("delay", delay))
		m.scheduleRetry(j.ID, delay)
		return
	}

	failed, err := m.queue.Fail(ctx, j.ID, cause.Error())
	if err != nil {
		logger.Error("mark job failed", logging.Error(err), logging.Any("cause", attemptErr))
		return
	}
	m.metrics.JobFailed()
	logger.Error("job failed", logging.Error(attemptErr))
	m.notify(failed)
}

// backoff returns BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.BaseDelay
	for i := 1; i < attempt && d < m.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > m.cfg.MaxDelay {
		d = m.cfg.MaxDelay
	}
	return d
}

// scheduleRetry returns the job to ready after delay. Without a running
// manager the job keeps waiting and is picked up by the next recovery.
func (m *Manager) scheduleRetry(jobID string, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		m.logger.Info("retry deferred to next start", logging.String(logging.FieldJobID, jobID))
		return
	}
	ctx := m.loopCtx
	m.timers[jobID] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, jobID)
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if _, err := m.queue.ReleaseRetry(ctx, jobID); err != nil {
			m.logger.Error("release retry", logging.String(logging.FieldJobID, jobID), logging.Error(err))
			return
		}
		m.signal()
	})
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	delete(m.occupied, sessionID)
	m.mu.Unlock()
	m.signal()
}

// retentionLoop purges terminal jobs older than Retention. Zero keeps them forever.
func (m *Manager) retentionLoop(ctx context.Context) {
	defer m.loops.Done()

	if m.cfg.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.queue.PurgeTerminal(ctx, m.cfg.Retention); err != nil && ctx.Err() == nil {
				m.logger.Error("purge terminal jobs", logging.Error(err))
			}
		}
	}
}

func (m *Manager) refreshDepth(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	counts, err := m.queue.Status(ctx)
	if err != nil {
		return
	}
	m.metrics.SetDepth(string(job.StatusPending), counts.Pending)
	m.metrics.SetDepth(string(job.StatusReady), counts.Ready)
	m.metrics.SetDepth(string(job.StatusProcessing), counts.Processing)
	m.metrics.SetDepth(string(job.StatusCompleted), counts.Completed)
	m.metrics.SetDepth(string(job.StatusFailed), counts.Failed)
	m.metrics.SetDepth(string(job.StatusCancelled), counts.Cancelled)
}

// notify hands a terminal job to the notifier. Deliveries outlive the request
// that caused them but stop once Shutdown returns.
func (m *Manager) notify(j *job.Job) {
	if m.notifier == nil || j == nil {
		return
	}
	m.mu.Lock()
	ctx := m.notifyCtx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	m.notifier.Notify(ctx, j)
}
