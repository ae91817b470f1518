package job

import (
	"testing"
	"time"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusReady, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}
	for _, tt := range tests {
		tt := tt
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("Status(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	t.Parallel()
	if !(PriorityHigh.Rank() > PriorityNormal.Rank() && PriorityNormal.Rank() > PriorityLow.Rank()) {
		t.Errorf("ranks high=%d normal=%d low=%d are not strictly ordered",
			PriorityHigh.Rank(), PriorityNormal.Rank(), PriorityLow.Rank())
	}
}

func TestValidate_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"empty session", EnqueueRequest{}},
		{"unknown priority", EnqueueRequest{SessionID: "S1", Priority: "urgent"}},
		{"negative attempts", EnqueueRequest{SessionID: "S1", MaxAttempts: -1}},
		{"too many attempts", EnqueueRequest{SessionID: "S1", MaxAttempts: 11}},
		{"caller sets video path", EnqueueRequest{SessionID: "S1", Options: Options{OptimizedVideoPath: "/x.mp4"}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := tt.req
			if err := r.Validate(); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestValidate_Valid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"minimal", EnqueueRequest{SessionID: "S1"}},
		{"high priority", EnqueueRequest{SessionID: "S1", Priority: PriorityHigh}},
		{"all passes", EnqueueRequest{SessionID: "S1", Options: Options{IncludeAudio: true, IncludeVideo: true, IncludeSummary: true}}},
		{"explicit attempts", EnqueueRequest{SessionID: "S1", MaxAttempts: 5}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := tt.req
			if err := r.Validate(); err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j := New("job-1", EnqueueRequest{SessionID: "S1"}, now)

	if j.Status != StatusPending {
		t.Errorf("Status = %q, want %q", j.Status, StatusPending)
	}
	if j.Priority != PriorityNormal {
		t.Errorf("Priority = %q, want %q", j.Priority, PriorityNormal)
	}
	if j.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", j.MaxAttempts, DefaultMaxAttempts)
	}
	if j.Attempt != 0 || j.Progress != 0 {
		t.Errorf("Attempt = %d, Progress = %d, want 0, 0", j.Attempt, j.Progress)
	}
	if !j.CreatedAt.Equal(now) || !j.UpdatedAt.Equal(now) {
		t.Errorf("timestamps = %v / %v, want %v", j.CreatedAt, j.UpdatedAt, now)
	}
}

func TestClone_IsDeep(t *testing.T) {
	t.Parallel()
	now := time.Now()
	j := &Job{
		ID:      "job-1",
		RetryAt: &now,
		Result: &Result{
			VideoChapters: []Chapter{{Title: "Intro"}},
			AudioInsights: &AudioInsights{KeyMoments: []string{"start"}},
		},
		Error: &AttemptError{Message: "boom", Attempt: 1},
	}
	c := j.Clone()
	c.Result.VideoChapters[0].Title = "changed"
	c.Result.AudioInsights.KeyMoments[0] = "changed"
	c.Error.Message = "changed"
	*c.RetryAt = now.Add(time.Hour)

	if j.Result.VideoChapters[0].Title != "Intro" {
		t.Error("clone shares VideoChapters")
	}
	if j.Result.AudioInsights.KeyMoments[0] != "start" {
		t.Error("clone shares KeyMoments")
	}
	if j.Error.Message != "boom" {
		t.Error("clone shares Error")
	}
	if !j.RetryAt.Equal(now) {
		t.Error("clone shares RetryAt")
	}
}
