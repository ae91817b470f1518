package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/recapd/recapd/internal/job"
	"github.com/recapd/recapd/internal/logging"
	"github.com/recapd/recapd/internal/queue"
	"github.com/recapd/recapd/internal/session"
	"github.com/recapd/recapd/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Jobs is the job surface the HTTP API drives. *manager.Manager implements it.
type Jobs interface {
	EnqueueSession(ctx context.Context, req job.EnqueueRequest) (*job.Job, error)
	MarkMediaProcessingComplete(ctx context.Context, sessionID, optimizedPath string) (*job.Job, error)
	CancelEnrichment(ctx context.Context, sessionID string) (*job.Job, error)
	RetrySession(ctx context.Context, sessionID string) (*job.Job, error)
	GetQueueStatus(ctx context.Context) (queue.Counts, error)
	GetJob(ctx context.Context, id string) (*job.Job, error)
	LatestForSession(ctx context.Context, sessionID string) (*job.Job, error)
}

// Events streams per-job changes. *queue.Queue implements it.
type Events interface {
	Subscribe(jobID string) chan queue.Event
	Unsubscribe(jobID string, ch chan queue.Event)
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	jobs     Jobs
	events   Events
	sessions session.Store
	logger   *slog.Logger
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(jobs Jobs, events Events, sessions session.Store, logger *slog.Logger) *Handler {
	return &Handler{
		jobs:     jobs,
		events:   events,
		sessions: sessions,
		logger:   logging.NewComponentLogger(logger, "api"),
	}
}

// RouterOptions configures the middleware around the API routes.
type RouterOptions struct {
	APIKeys      []string
	CORSOrigins  []string
	RateLimitRPS float64
	Metrics      *telemetry.Metrics
}

// Router builds the full HTTP handler: routes plus middleware.
func (h *Handler) Router(opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/v1/health", h.Health)
	r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", h.CreateJob)
		r.Get("/jobs/{id}", h.GetJob)
		r.Get("/jobs/{id}/sse", h.StreamSSE)
		r.Get("/status", h.Status)

		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Put("/sessions/{sessionID}", h.PutSession)
		r.Get("/sessions/{sessionID}/job", h.GetSessionJob)
		r.Post("/sessions/{sessionID}/media-ready", h.MediaReady)
		r.Post("/sessions/{sessionID}/cancel", h.CancelSession)
		r.Post("/sessions/{sessionID}/retry", h.RetrySession)
	})

	return Chain(r,
		CORS(opts.CORSOrigins),
		RequestID,
		Logging(h.logger),
		Auth(opts.APIKeys),
		RateLimit(opts.RateLimitRPS, opts.Metrics),
	)
}

// CreateJob handles POST /api/v1/jobs and responds 202 with the pending job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req job.EnqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	j, err := h.jobs.EnqueueSession(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// Status handles GET /api/v1/status with live job counts.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	counts, err := h.jobs.GetQueueStatus(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

type mediaReadyRequest struct {
	OptimizedVideoPath string `json:"optimized_video_path"`
}

type mediaReadyResponse struct {
	Released bool     `json:"released"`
	Job      *job.Job `json:"job,omitempty"`
}

// MediaReady handles POST /api/v1/sessions/{sessionID}/media-ready. Calls with
// no pending job answer 200 with released=false.
func (h *Handler) MediaReady(w http.ResponseWriter, r *http.Request) {
	var req mediaReadyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OptimizedVideoPath == "" {
		writeError(w, http.StatusBadRequest, "optimized_video_path must not be empty")
		return
	}

	j, err := h.jobs.MarkMediaProcessingComplete(r.Context(), chi.URLParam(r, "sessionID"), req.OptimizedVideoPath)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mediaReadyResponse{Released: j != nil, Job: j})
}

// CancelSession handles POST /api/v1/sessions/{sessionID}/cancel.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.CancelEnrichment(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// RetrySession handles POST /api/v1/sessions/{sessionID}/retry and responds 202.
func (h *Handler) RetrySession(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.RetrySession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

// GetSessionJob handles GET /api/v1/sessions/{sessionID}/job with the latest job.
func (h *Handler) GetSessionJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.LatestForSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if j == nil {
		writeError(w, http.StatusNotFound, "no job for session")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// ListSessions handles GET /api/v1/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.sessions.List(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	// Return an empty array instead of null when there are no sessions.
	if list == nil {
		list = []session.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

// GetSession handles GET /api/v1/sessions/{sessionID}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.LoadFullSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// PutSession handles PUT /api/v1/sessions/{sessionID}. The recorder uses it to
// store the captured session before enqueueing enrichment.
func (h *Handler) PutSession(w http.ResponseWriter, r *http.Request) {
	var s session.Session
	if !decodeBody(w, r, &s) {
		return
	}
	id := chi.URLParam(r, "sessionID")
	if s.ID != "" && s.ID != id {
		writeError(w, http.StatusBadRequest, "session id does not match path")
		return
	}
	s.ID = id
	if err := s.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.sessions.SaveFullSession(r.Context(), &s); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &s)
}

// Health handles GET /api/v1/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeServiceError maps domain errors onto status codes. Anything unclassified
// is logged and reported as a 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var dup *job.DuplicateJobError
	switch {
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  err.Error(),
			"job_id": dup.ExistingJobID,
			"status": string(dup.Status),
		})
	case job.Kind(err) == job.KindInvalidTransition:
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, job.ErrNoActiveJob), errors.Is(err, job.ErrJobNotFound), errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("request failed",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.String("request_id", requestIDFrom(r.Context())),
			logging.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
