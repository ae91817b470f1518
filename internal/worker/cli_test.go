package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/recapd/recapd/internal/job"
)

func mockEnricherPath(t *testing.T) string {
	t.Helper()
	path, err := filepath.Abs(filepath.Join("testdata", "mock-enricher.sh"))
	if err != nil {
		t.Fatalf("Abs: %v", err)
	}
	return path
}

// writeScript creates an executable shell script in a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "enricher.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return script
}

type progressRecorder struct {
	mu   sync.Mutex
	seen []int
}

func (r *progressRecorder) record(pct int) {
	r.mu.Lock()
	r.seen = append(r.seen, pct)
	r.mu.Unlock()
}

func TestEnrich_MockEnricher_ReturnsResult(t *testing.T) {
	t.Parallel()
	rec := &progressRecorder{}
	e := NewCLIEnricher(mockEnricherPath(t), nil)

	result, err := e.Enrich(context.Background(), Request{
		JobID:     "job-1",
		SessionID: "S1",
		Attempt:   2,
		Options:   job.Options{IncludeAudio: true, OptimizedVideoPath: "/out.mp4"},
		Progress:  rec.record,
	})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	const want = "session S1 attempt 2"
	if result.Summary != want {
		t.Errorf("Summary = %q, want %q", result.Summary, want)
	}
	if len(result.VideoChapters) != 1 || result.VideoChapters[0].EndTime != 30 {
		t.Errorf("VideoChapters = %+v", result.VideoChapters)
	}
	if len(rec.seen) != 2 || rec.seen[0] != 10 || rec.seen[1] != 60 {
		t.Errorf("progress = %v, want [10 60]", rec.seen)
	}
}

func TestEnrich_ContextCancelled_ReturnsError(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCLIEnricher(mockEnricherPath(t), nil).Enrich(ctx, Request{SessionID: "S1"})
	if err == nil {
		t.Fatal("expected error when context is cancelled, got nil")
	}
}

func TestEnrich_Timeout(t *testing.T) {
	t.Parallel()
	script := writeScript(t, "exec sleep 5\n")
	e := NewCLIEnricher(script, nil, WithTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := e.Enrich(context.Background(), Request{SessionID: "S1"})
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Enrich took %v, want prompt return after timeout", elapsed)
	}
}

func TestEnrich_NonZeroExit_UsesReportedError(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `echo '{"type":"error","error":"model overloaded"}'
exit 1
`)
	_, err := NewCLIEnricher(script, nil).Enrich(context.Background(), Request{SessionID: "S1"})
	if err == nil {
		t.Fatal("expected error from non-zero exit, got nil")
	}
	if !strings.Contains(err.Error(), "model overloaded") {
		t.Errorf("err = %v, want reported message", err)
	}
}

func TestEnrich_NoResult(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `echo '{"type":"progress","progress":50}'
`)
	_, err := NewCLIEnricher(script, nil).Enrich(context.Background(), Request{SessionID: "S1"})
	if err == nil || !strings.Contains(err.Error(), "no result") {
		t.Errorf("err = %v, want no result error", err)
	}
}

func TestEnrich_FencedStringResult(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `printf '%s\n' '{"type":"result","result":"`+"```json\\n{\\\"summary\\\":\\\"fenced\\\"}\\n```"+`"}'
`)
	result, err := NewCLIEnricher(script, nil).Enrich(context.Background(), Request{SessionID: "S1"})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if result.Summary != "fenced" {
		t.Errorf("Summary = %q, want %q", result.Summary, "fenced")
	}
}

func TestEnrich_LargeOutput_HandledGracefully(t *testing.T) {
	t.Parallel()
	var sb strings.Builder
	for i := 1; i <= 100; i++ {
		sb.WriteString(`echo '{"type":"log","message":"chunk"}'` + "\n")
	}
	sb.WriteString(`echo '{"type":"result","result":{"summary":"done"}}'` + "\n")
	script := writeScript(t, sb.String())

	result, err := NewCLIEnricher(script, nil).Enrich(context.Background(), Request{SessionID: "S1"})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if result.Summary != "done" {
		t.Errorf("Summary = %q, want %q", result.Summary, "done")
	}
}

func TestBuildArgs(t *testing.T) {
	t.Parallel()
	e := NewCLIEnricher("enrich", []string{"--model", "fast"})
	got := e.buildArgs(Request{
		JobID:       "job-1",
		SessionID:   "S1",
		SessionName: "Standup",
		Attempt:     1,
		Options:     job.Options{IncludeAudio: true, IncludeSummary: true, OptimizedVideoPath: "/v.mp4"},
	})
	want := []string{
		"--model", "fast",
		"--job-id", "job-1", "--session-id", "S1", "--attempt", "1",
		"--session-name", "Standup", "--audio", "--summary", "--video-path", "/v.mp4",
	}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("buildArgs = %v, want %v", got, want)
	}
}

func TestFilteredEnv_DropsDaemonSettings(t *testing.T) {
	t.Setenv("RECAPD_API_KEYS", "secret")
	t.Setenv("ENRICH_MODEL", "fast")
	env := strings.Join(filteredEnv(), "\n")
	if strings.Contains(env, "RECAPD_API_KEYS") {
		t.Error("RECAPD_ variables must not reach the enricher")
	}
	if !strings.Contains(env, "ENRICH_MODEL=fast") {
		t.Error("unrelated variables must be kept")
	}
}
