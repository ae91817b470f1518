package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func assertLine(t *testing.T, body, line string) {
	t.Helper()
	for _, l := range strings.Split(body, "\n") {
		if l == line {
			return
		}
	}
	t.Errorf("metrics output missing %q", line)
}

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.JobEnqueued()
	m.JobEnqueued()
	m.JobCompleted()
	m.AttemptRetried()
	m.JobCancelled()
	m.SetDepth("ready", 3)

	body := scrape(t, m)
	assertLine(t, body, "recapd_jobs_enqueued_total 2")
	assertLine(t, body, "recapd_jobs_completed_total 1")
	assertLine(t, body, "recapd_attempts_retried_total 1")
	assertLine(t, body, "recapd_jobs_cancelled_total 1")
	assertLine(t, body, `recapd_jobs{status="ready"} 3`)
}

func TestMetrics_AttemptStarted(t *testing.T) {
	m := New(nil)

	done := m.AttemptStarted()
	assertLine(t, scrape(t, m), "recapd_attempts_inflight 1")

	done()
	body := scrape(t, m)
	assertLine(t, body, "recapd_attempts_inflight 0")
	assertLine(t, body, "recapd_attempt_duration_seconds_count 1")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.JobEnqueued()
	m.JobFailed()
	m.RateLimited()
	m.SetDepth("ready", 1)
	m.AttemptStarted()()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil metrics handler status = %d, want 404", rec.Code)
	}
}
