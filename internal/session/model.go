package session

import (
	"errors"
	"time"

	"github.com/recapd/recapd/internal/job"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

// Session is a captured work session together with its enrichment output.
type Session struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       *time.Time     `json:"end_time,omitempty"`
	Duration      int64          `json:"duration,omitempty"` // minutes
	Category      string         `json:"category,omitempty"`
	Screenshots   []Screenshot   `json:"screenshots,omitempty"`
	AudioSegments []AudioSegment `json:"audio_segments,omitempty"`
	Video         *Video         `json:"video,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	Transcript    string         `json:"transcript,omitempty"`

	Summary         string             `json:"summary,omitempty"`
	AudioInsights   *job.AudioInsights `json:"audio_insights,omitempty"`
	VideoChapters   []job.Chapter      `json:"video_chapters,omitempty"`
	ExtractedTasks  []job.Task         `json:"extracted_tasks,omitempty"`
	ExtractedNotes  []job.Note         `json:"extracted_notes,omitempty"`
	EnrichedAt      *time.Time         `json:"enriched_at,omitempty"`
	EnrichmentJobID string             `json:"enrichment_job_id,omitempty"`
}

type Screenshot struct {
	ID           string    `json:"id"`
	AttachmentID string    `json:"attachment_id"`
	Timestamp    time.Time `json:"timestamp"`
	// RelativeTime is seconds since session start.
	RelativeTime *float64 `json:"relative_time,omitempty"`
}

type AudioSegment struct {
	ID           string    `json:"id"`
	AttachmentID string    `json:"attachment_id"`
	Timestamp    time.Time `json:"timestamp"`
	Duration     float64   `json:"duration"`
	StartTime    *float64  `json:"start_time,omitempty"`
}

type Video struct {
	FullVideoAttachmentID string   `json:"full_video_attachment_id"`
	Duration              *float64 `json:"duration,omitempty"`
	OptimizedPath         string   `json:"optimized_path,omitempty"`
}

// Summary is the lightweight listing form of a session.
type Summary struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	Duration          int64      `json:"duration,omitempty"`
	Category          string     `json:"category,omitempty"`
	ScreenshotCount   int        `json:"screenshot_count"`
	AudioSegmentCount int        `json:"audio_segment_count"`
	HasVideo          bool       `json:"has_video"`
	HasNotes          bool       `json:"has_notes"`
	HasTranscript     bool       `json:"has_transcript"`
	Enriched          bool       `json:"enriched"`
}

func (s *Session) Summarize() Summary {
	return Summary{
		ID:                s.ID,
		Name:              s.Name,
		StartTime:         s.StartTime,
		EndTime:           s.EndTime,
		Duration:          s.Duration,
		Category:          s.Category,
		ScreenshotCount:   len(s.Screenshots),
		AudioSegmentCount: len(s.AudioSegments),
		HasVideo:          s.Video != nil,
		HasNotes:          s.Notes != "",
		HasTranscript:     s.Transcript != "",
		Enriched:          s.EnrichedAt != nil,
	}
}

func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("session id must not be empty")
	}
	if s.StartTime.IsZero() {
		return errors.New("start_time is required")
	}
	if s.EndTime != nil && s.EndTime.Before(s.StartTime) {
		return errors.New("end_time must not precede start_time")
	}
	return nil
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.EndTime = cloneTime(s.EndTime)
	c.EnrichedAt = cloneTime(s.EnrichedAt)
	c.Screenshots = append([]Screenshot(nil), s.Screenshots...)
	c.AudioSegments = append([]AudioSegment(nil), s.AudioSegments...)
	if s.Video != nil {
		v := *s.Video
		c.Video = &v
	}
	if s.AudioInsights != nil {
		ai := *s.AudioInsights
		ai.KeyMoments = append([]string(nil), s.AudioInsights.KeyMoments...)
		c.AudioInsights = &ai
	}
	c.VideoChapters = append([]job.Chapter(nil), s.VideoChapters...)
	c.ExtractedTasks = append([]job.Task(nil), s.ExtractedTasks...)
	c.ExtractedNotes = append([]job.Note(nil), s.ExtractedNotes...)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
