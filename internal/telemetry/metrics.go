package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors recapd exports. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Enqueued         prometheus.Counter
	Completed        prometheus.Counter
	Failed           prometheus.Counter
	Retried          prometheus.Counter
	Cancelled        prometheus.Counter
	RateLimitRejects prometheus.Counter
	WebhookFailures  prometheus.Counter
	InFlight         prometheus.Gauge
	QueueDepth       *prometheus.GaugeVec
	AttemptDuration  prometheus.Histogram
}

// New registers all collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry:         reg,
		Enqueued:         prometheus.NewCounter(prometheus.CounterOpts{Name: "recapd_jobs_enqueued_total", Help: "Enrichment jobs enqueued"}),
		Completed:        prometheus.NewCounter(prometheus.CounterOpts{Name: "recapd_jobs_completed_total", Help: "Enrichment jobs completed successfully"}),
		Failed:           prometheus.NewCounter(prometheus.CounterOpts{Name: "recapd_jobs_failed_total", Help: "Enrichment jobs that exhausted their attempts"}),
		Retried:          prometheus.NewCounter(prometheus.CounterOpts{Name: "recapd_attempts_retried_total", Help: "Failed attempts scheduled for retry"}),
		Cancelled:        prometheus.NewCounter(prometheus.CounterOpts{Name: "recapd_jobs_cancelled_total", Help: "Enrichment jobs cancelled"}),
		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{Name: "recapd_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"}),
		WebhookFailures:  prometheus.NewCounter(prometheus.CounterOpts{Name: "recapd_webhook_failures_total", Help: "Webhook deliveries that gave up"}),
		InFlight:         prometheus.NewGauge(prometheus.GaugeOpts{Name: "recapd_attempts_inflight", Help: "Enrichment attempts currently running"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "recapd_jobs",
			Help: "Jobs by status",
		}, []string{"status"}),
		AttemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recapd_attempt_duration_seconds",
			Help:    "Duration of enrichment attempts",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
	}
	reg.MustRegister(
		m.Enqueued,
		m.Completed,
		m.Failed,
		m.Retried,
		m.Cancelled,
		m.RateLimitRejects,
		m.WebhookFailures,
		m.InFlight,
		m.QueueDepth,
		m.AttemptDuration,
	)
	return m
}

// Handler exposes the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobEnqueued() { m.inc(func(m *Metrics) prometheus.Counter { return m.Enqueued }) }
func (m *Metrics) JobCompleted() { m.inc(func(m *Metrics) prometheus.Counter { return m.Completed }) }
func (m *Metrics) JobFailed() { m.inc(func(m *Metrics) prometheus.Counter { return m.Failed }) }
func (m *Metrics) AttemptRetried() { m.inc(func(m *Metrics) prometheus.Counter { return m.Retried }) }
func (m *Metrics) JobCancelled() { m.inc(func(m *Metrics) prometheus.Counter { return m.Cancelled }) }
func (m *Metrics) RateLimited() { m.inc(func(m *Metrics) prometheus.Counter { return m.RateLimitRejects }) }
func (m *Metrics) WebhookGaveUp() { m.inc(func(m *Metrics) prometheus.Counter { return m.WebhookFailures }) }

func (m *Metrics) inc(pick func(*Metrics) prometheus.Counter) {
	if m == nil {
		return
	}
	pick(m).Inc()
}

// AttemptStarted bumps the in-flight gauge and returns a func that records
// the attempt duration and drops the gauge again.
func (m *Metrics) AttemptStarted() func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.InFlight.Inc()
	return func() {
		m.InFlight.Dec()
		m.AttemptDuration.Observe(time.Since(start).Seconds())
	}
}

// SetDepth publishes the job count for one status.
func (m *Metrics) SetDepth(status string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(status).Set(float64(n))
}
