package session

import (
	"time"

	"github.com/recapd/recapd/internal/job"
)

// ApplyEnrichment returns a copy of s with the job result merged in. Fields the
// result leaves empty keep their current value; applying the same result twice
// gives the same session.
func ApplyEnrichment(s *Session, jobID string, r *job.Result, optimizedPath string, now time.Time) *Session {
	out := s.Clone()
	if r != nil {
		if r.Summary != "" {
			out.Summary = r.Summary
		}
		if r.AudioInsights != nil {
			ai := *r.AudioInsights
			ai.KeyMoments = append([]string(nil), r.AudioInsights.KeyMoments...)
			out.AudioInsights = &ai
			if out.Transcript == "" && ai.Transcript != "" {
				out.Transcript = ai.Transcript
			}
		}
		if len(r.VideoChapters) > 0 {
			out.VideoChapters = append([]job.Chapter(nil), r.VideoChapters...)
		}
		if len(r.ExtractedTasks) > 0 {
			out.ExtractedTasks = append([]job.Task(nil), r.ExtractedTasks...)
		}
		if len(r.ExtractedNotes) > 0 {
			out.ExtractedNotes = append([]job.Note(nil), r.ExtractedNotes...)
		}
	}
	if optimizedPath != "" {
		if out.Video == nil {
			out.Video = &Video{}
		}
		out.Video.OptimizedPath = optimizedPath
	}
	at := now.UTC()
	out.EnrichedAt = &at
	out.EnrichmentJobID = jobID
	return out
}
