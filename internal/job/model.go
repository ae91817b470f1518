package job

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusReady,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// ActiveStatuses are the non-terminal statuses. A session owns at most one job in them.
var ActiveStatuses = []Status{StatusPending, StatusReady, StatusProcessing}

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank orders priorities for scheduling; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// DefaultMaxAttempts is used when the enqueue request leaves max_attempts unset.
const DefaultMaxAttempts = 3

const maxAllowedAttempts = 10

// Options select which enrichment passes run. OptimizedVideoPath is filled in
// by the media-ready callback, never by the enqueuing caller.
type Options struct {
	IncludeAudio       bool   `json:"include_audio"`
	IncludeVideo       bool   `json:"include_video"`
	IncludeSummary     bool   `json:"include_summary"`
	OptimizedVideoPath string `json:"optimized_video_path,omitempty"`
}

// Chapter is one AI-detected segment of the session video.
type Chapter struct {
	Title     string  `json:"title"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Summary   string  `json:"summary,omitempty"`
}

type Task struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

type Note struct {
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// AudioInsights is the structured outcome of the audio analysis pass.
type AudioInsights struct {
	Narrative  string   `json:"narrative,omitempty"`
	KeyMoments []string `json:"key_moments,omitempty"`
	Emotion    string   `json:"emotion,omitempty"`
	Transcript string   `json:"transcript,omitempty"`
}

// Result is what a successful enrichment attempt produced.
type Result struct {
	Summary        string         `json:"summary,omitempty"`
	AudioInsights  *AudioInsights `json:"audio_insights,omitempty"`
	VideoChapters  []Chapter      `json:"video_chapters,omitempty"`
	ExtractedTasks []Task         `json:"extracted_tasks,omitempty"`
	ExtractedNotes []Note         `json:"extracted_notes,omitempty"`
}

// AttemptError records the most recent failed attempt.
type AttemptError struct {
	Message string `json:"message"`
	Attempt int    `json:"attempt"`
}

type Job struct {
	ID          string        `json:"job_id"`
	SessionID   string        `json:"session_id"`
	SessionName string        `json:"session_name,omitempty"`
	Priority    Priority      `json:"priority"`
	Status      Status        `json:"status"`
	Progress    int           `json:"progress"`
	Options     Options       `json:"options"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	Result      *Result       `json:"result,omitempty"`
	Error       *AttemptError `json:"error,omitempty"`
	RetryAt     *time.Time    `json:"retry_at,omitempty"`
	Version     int64         `json:"version"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Result != nil {
		r := *j.Result
		if j.Result.AudioInsights != nil {
			ai := *j.Result.AudioInsights
			ai.KeyMoments = append([]string(nil), j.Result.AudioInsights.KeyMoments...)
			r.AudioInsights = &ai
		}
		r.VideoChapters = append([]Chapter(nil), j.Result.VideoChapters...)
		r.ExtractedTasks = append([]Task(nil), j.Result.ExtractedTasks...)
		r.ExtractedNotes = append([]Note(nil), j.Result.ExtractedNotes...)
		c.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	c.RetryAt = cloneTime(j.RetryAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// EnqueueRequest is the payload used to submit a session for enrichment.
type EnqueueRequest struct {
	SessionID   string   `json:"session_id"`
	SessionName string   `json:"session_name,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
	Options     Options  `json:"options"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
}

func (r *EnqueueRequest) Validate() error {
	if r.SessionID == "" {
		return errors.New("session_id must not be empty")
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return errors.New("priority must be one of: low, normal, high")
	}
	if r.MaxAttempts < 0 || r.MaxAttempts > maxAllowedAttempts {
		return fmt.Errorf("max_attempts must be between 1 and %d", maxAllowedAttempts)
	}
	if r.Options.OptimizedVideoPath != "" {
		return errors.New("optimized_video_path is set by the media-ready callback")
	}
	return nil
}

// New builds a pending job from a validated request.
func New(id string, r EnqueueRequest, now time.Time) *Job {
	priority := r.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	maxAttempts := r.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Job{
		ID:          id,
		SessionID:   r.SessionID,
		SessionName: r.SessionName,
		Priority:    priority,
		Status:      StatusPending,
		Options:     r.Options,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
