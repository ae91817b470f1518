package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/recapd/recapd/internal/job"
	"github.com/recapd/recapd/internal/logging"
	"github.com/recapd/recapd/internal/telemetry"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Payload is the body posted when a job reaches a terminal state.
type Payload struct {
	Event string   `json:"event"`
	Job   *job.Job `json:"job"`
}

// Notifier posts terminal job states to a configured URL.
type Notifier struct {
	url          string
	allowPrivate bool
	client       *http.Client
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	attempts     int
	base         time.Duration
	wg           sync.WaitGroup
}

// Option configures a Notifier.
type Option func(*Notifier)

// AllowPrivate permits loopback and private targets, for local receivers.
func AllowPrivate(allow bool) Option {
	return func(n *Notifier) { n.allowPrivate = allow }
}

func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) { n.logger = logger }
}

// WithMetrics counts deliveries that were dropped or exhausted their retries.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(n *Notifier) { n.metrics = metrics }
}

// WithRetry overrides the attempt count and backoff base.
func WithRetry(attempts int, base time.Duration) Option {
	return func(n *Notifier) {
		n.attempts = attempts
		n.base = base
	}
}

// New builds a Notifier for callbackURL.
func New(callbackURL string, opts ...Option) *Notifier {
	n := &Notifier{
		url:      callbackURL,
		client:   &http.Client{Timeout: 30 * time.Second},
		attempts: retryAttempts,
		base:     retryBase,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = logging.NewComponentLogger(n.logger, "webhook")
	return n
}

// Notify dispatches the job asynchronously.
// Up to 8 attempts with full-jitter exponential backoff (cap 5 min), 30s timeout per request.
// ctx should outlive the job so retries survive its completion but stop on shutdown.
func (n *Notifier) Notify(ctx context.Context, j *job.Job) {
	if err := n.validateURL(n.url); err != nil {
		n.logger.Warn("rejected callback URL", "url", n.url, logging.Error(err))
		n.metrics.WebhookGaveUp()
		return
	}
	payload, err := json.Marshal(Payload{Event: "job." + string(j.Status), Job: j})
	if err != nil {
		n.logger.Error("encode webhook payload", append(logging.Job(j.ID, j.SessionID), logging.Error(err))...)
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.send(ctx, payload)
	}()
}

// Wait blocks until every in-flight delivery has finished or given up.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// validateURL blocks non-HTTP schemes and, unless allowed, private/internal IP ranges.
func (n *Notifier) validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if n.allowPrivate {
		return nil
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func (n *Notifier) send(ctx context.Context, payload []byte) {
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := n.post(ctx, payload)
		if err == nil {
			return
		}
		n.logger.Warn("webhook attempt failed", "attempt", attempt, "url", n.url, logging.Error(err))
		if attempt < n.attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(n.base, attempt)):
			}
		}
	}
	n.logger.Error("all webhook retries exhausted", "url", n.url)
	n.metrics.WebhookGaveUp()
}

// jitter returns a random duration between 0 and min(retryCap, base * 2^attempt).
func jitter(base time.Duration, attempt int) time.Duration {
	exp := base * (1 << attempt)
	if exp > retryCap || exp <= 0 {
		exp = retryCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func (n *Notifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
