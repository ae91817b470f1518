package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/recapd/recapd/internal/job"
	"github.com/recapd/recapd/internal/manager"
	"github.com/recapd/recapd/internal/queue"
	"github.com/recapd/recapd/internal/session"
	"github.com/recapd/recapd/internal/telemetry"
	"github.com/recapd/recapd/internal/worker"
)

const testAPIKey = "test-api-key"

// newTestServer builds an httptest.Server over real SQLite stores. The manager
// is not initialized, so jobs never leave ready unless a test drives them.
func newTestServer(t *testing.T) (*httptest.Server, *manager.Manager) {
	t.Helper()

	store, err := job.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sessions, err := session.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("session.NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	q := queue.New(store)
	noop := worker.EnricherFunc(func(ctx context.Context, req worker.Request) (*job.Result, error) {
		return &job.Result{}, nil
	})
	m := manager.New(manager.Config{}, q, noop, sessions)

	h := NewHandler(m, q, sessions, nil)
	srv := httptest.NewServer(h.Router(RouterOptions{
		APIKeys: []string{testAPIKey},
		Metrics: telemetry.New(nil),
	}))
	t.Cleanup(srv.Close)
	return srv, m
}

func doRequest(t *testing.T, srv *httptest.Server, method, path string, body any, withAuth bool) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if withAuth {
		req.Header.Set("X-API-Key", testAPIKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func createJob(t *testing.T, srv *httptest.Server, sessionID string) job.Job {
	t.Helper()
	resp := doRequest(t, srv, http.MethodPost, "/api/v1/jobs", job.EnqueueRequest{
		SessionID: sessionID,
		Options:   job.Options{IncludeSummary: true},
	}, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create: status = %d, want 202", resp.StatusCode)
	}
	return decode[job.Job](t, resp)
}

func TestCreateJob_Returns202WithJobID(t *testing.T) {
	srv, _ := newTestServer(t)

	j := createJob(t, srv, "S1")
	if j.ID == "" {
		t.Error("response body missing job_id")
	}
	if j.Status != job.StatusPending {
		t.Errorf("status = %q, want pending", j.Status)
	}
	if j.MaxAttempts != job.DefaultMaxAttempts {
		t.Errorf("max_attempts = %d, want %d", j.MaxAttempts, job.DefaultMaxAttempts)
	}
}

func TestCreateJob_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"invalid json", []byte("{not json")},
		{"missing session", map[string]string{"priority": "high"}},
		{"unknown priority", map[string]string{"session_id": "S1", "priority": "urgent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, srv, http.MethodPost, "/api/v1/jobs", tt.body, true)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestCreateJob_DuplicateReturns409(t *testing.T) {
	srv, _ := newTestServer(t)
	first := createJob(t, srv, "S1")

	resp := doRequest(t, srv, http.MethodPost, "/api/v1/jobs", map[string]string{"session_id": "S1"}, true)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["job_id"] != first.ID {
		t.Errorf("job_id = %q, want existing %q", body["job_id"], first.ID)
	}
}

func TestGetJob(t *testing.T) {
	srv, _ := newTestServer(t)
	created := createJob(t, srv, "S1")

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/jobs/"+created.ID, nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status = %d, want 200", resp.StatusCode)
	}
	got := decode[map[string]any](t, resp)
	if got["job_id"] != created.ID {
		t.Errorf("job_id = %v, want %q", got["job_id"], created.ID)
	}

	missing := doRequest(t, srv, http.MethodGet, "/api/v1/jobs/does-not-exist", nil, true)
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", missing.StatusCode)
	}
}

func TestMediaReady(t *testing.T) {
	srv, _ := newTestServer(t)
	createJob(t, srv, "S1")
	path := "/api/v1/sessions/S1/media-ready"
	body := map[string]string{"optimized_video_path": "/media/S1.mp4"}

	first := decode[mediaReadyResponse](t, doRequest(t, srv, http.MethodPost, path, body, true))
	if !first.Released || first.Job == nil || first.Job.Status != job.StatusReady {
		t.Fatalf("first call = %+v, want released ready job", first)
	}
	if first.Job.Options.OptimizedVideoPath != "/media/S1.mp4" {
		t.Errorf("optimized path = %q", first.Job.Options.OptimizedVideoPath)
	}

	second := doRequest(t, srv, http.MethodPost, path, body, true)
	if second.StatusCode != http.StatusOK {
		t.Fatalf("second call: status = %d, want 200", second.StatusCode)
	}
	if got := decode[mediaReadyResponse](t, second); got.Released {
		t.Error("second call released the job again")
	}

	unknown := doRequest(t, srv, http.MethodPost, "/api/v1/sessions/nope/media-ready", body, true)
	if unknown.StatusCode != http.StatusOK {
		t.Errorf("unknown session: status = %d, want 200", unknown.StatusCode)
	}

	empty := doRequest(t, srv, http.MethodPost, path, map[string]string{}, true)
	if empty.StatusCode != http.StatusBadRequest {
		t.Errorf("empty path: status = %d, want 400", empty.StatusCode)
	}
}

func TestCancelAndRetry(t *testing.T) {
	srv, _ := newTestServer(t)
	created := createJob(t, srv, "S1")

	resp := doRequest(t, srv, http.MethodPost, "/api/v1/sessions/S1/cancel", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: status = %d, want 200", resp.StatusCode)
	}
	if got := decode[job.Job](t, resp); got.Status != job.StatusCancelled {
		t.Errorf("cancel: status = %q, want cancelled", got.Status)
	}

	again := doRequest(t, srv, http.MethodPost, "/api/v1/sessions/S1/cancel", nil, true)
	if again.StatusCode != http.StatusNotFound {
		t.Errorf("second cancel: status = %d, want 404", again.StatusCode)
	}

	retry := doRequest(t, srv, http.MethodPost, "/api/v1/sessions/S1/retry", nil, true)
	if retry.StatusCode != http.StatusAccepted {
		t.Fatalf("retry: status = %d, want 202", retry.StatusCode)
	}
	retried := decode[job.Job](t, retry)
	if retried.ID == created.ID || retried.Status != job.StatusPending {
		t.Errorf("retry = %s/%s, want a new pending job", retried.ID, retried.Status)
	}

	busy := doRequest(t, srv, http.MethodPost, "/api/v1/sessions/S1/retry", nil, true)
	if busy.StatusCode != http.StatusConflict {
		t.Errorf("retry while active: status = %d, want 409", busy.StatusCode)
	}

	latest := doRequest(t, srv, http.MethodGet, "/api/v1/sessions/S1/job", nil, true)
	if got := decode[job.Job](t, latest); got.ID != retried.ID {
		t.Errorf("latest job = %s, want %s", got.ID, retried.ID)
	}

	none := doRequest(t, srv, http.MethodPost, "/api/v1/sessions/never/retry", nil, true)
	if none.StatusCode != http.StatusNotFound {
		t.Errorf("retry unknown session: status = %d, want 404", none.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	createJob(t, srv, "S1")
	createJob(t, srv, "S2")
	doRequest(t, srv, http.MethodPost, "/api/v1/sessions/S2/cancel", nil, true)

	counts := decode[queue.Counts](t, doRequest(t, srv, http.MethodGet, "/api/v1/status", nil, true))
	if counts.Pending != 1 || counts.Cancelled != 1 || counts.Total != 2 {
		t.Errorf("counts = %+v, want 1 pending, 1 cancelled", counts)
	}
}

func TestSessions(t *testing.T) {
	srv, _ := newTestServer(t)

	sess := session.Session{Name: "Morning", StartTime: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	put := doRequest(t, srv, http.MethodPut, "/api/v1/sessions/S1", sess, true)
	if put.StatusCode != http.StatusOK {
		t.Fatalf("put: status = %d, want 200", put.StatusCode)
	}

	got := decode[session.Session](t, doRequest(t, srv, http.MethodGet, "/api/v1/sessions/S1", nil, true))
	if got.ID != "S1" || got.Name != "Morning" {
		t.Errorf("session = %+v", got)
	}

	list := decode[map[string][]session.Summary](t, doRequest(t, srv, http.MethodGet, "/api/v1/sessions", nil, true))
	if len(list["sessions"]) != 1 {
		t.Errorf("sessions = %v, want 1", list["sessions"])
	}

	missing := doRequest(t, srv, http.MethodGet, "/api/v1/sessions/nope", nil, true)
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", missing.StatusCode)
	}

	sess.ID = "other"
	mismatch := doRequest(t, srv, http.MethodPut, "/api/v1/sessions/S1", sess, true)
	if mismatch.StatusCode != http.StatusBadRequest {
		t.Errorf("mismatch: status = %d, want 400", mismatch.StatusCode)
	}
}

func TestStreamSSE_TerminalJob(t *testing.T) {
	srv, _ := newTestServer(t)
	created := createJob(t, srv, "S1")
	doRequest(t, srv, http.MethodPost, "/api/v1/sessions/S1/cancel", nil, true)

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/jobs/"+created.ID+"/sse", nil, true)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	var buf strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		buf.WriteString(scanner.Text() + "\n")
	}
	if !strings.HasPrefix(buf.String(), "event: result\n") {
		t.Errorf("stream = %q, want a single result event", buf.String())
	}
	if !strings.Contains(buf.String(), `"status":"cancelled"`) {
		t.Errorf("stream missing cancelled status: %q", buf.String())
	}
}

func TestStreamSSE_FollowsTransitions(t *testing.T) {
	srv, _ := newTestServer(t)
	created := createJob(t, srv, "S1")

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/jobs/"+created.ID+"/sse", nil, true)
	reader := bufio.NewReader(resp.Body)

	readEvent := func() string {
		t.Helper()
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		// Skip the data line and the blank separator.
		reader.ReadString('\n') //nolint:errcheck
		reader.ReadString('\n') //nolint:errcheck
		return strings.TrimSpace(line)
	}

	if got := readEvent(); got != "event: status" {
		t.Fatalf("first event = %q, want initial status", got)
	}

	doRequest(t, srv, http.MethodPost, "/api/v1/sessions/S1/media-ready",
		map[string]string{"optimized_video_path": "/media/S1.mp4"}, true)
	if got := readEvent(); got != "event: status" {
		t.Fatalf("after media ready = %q, want status", got)
	}

	doRequest(t, srv, http.MethodPost, "/api/v1/sessions/S1/cancel", nil, true)
	if got := readEvent(); got != "event: result" {
		t.Fatalf("after cancel = %q, want result", got)
	}
}

func TestHealthAndMetrics_ExemptFromAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/health", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health without key: status = %d, want 200", resp.StatusCode)
	}
	if got := decode[map[string]string](t, resp); got["status"] != "ok" {
		t.Errorf("health status = %q, want %q", got["status"], "ok")
	}

	metrics := doRequest(t, srv, http.MethodGet, "/metrics", nil, false)
	if metrics.StatusCode != http.StatusOK {
		t.Errorf("metrics without key: status = %d, want 200", metrics.StatusCode)
	}
}

func TestAuth_Rejects(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodPost, "/api/v1/jobs", map[string]string{"session_id": "S1"}, false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/status", nil)
	req.Header.Set("X-API-Key", "wrong")
	bad, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do request: %v", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", bad.StatusCode)
	}
}
