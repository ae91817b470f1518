package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/recapd/recapd/internal/job"
)

const heartbeatInterval = 15 * time.Second

// eventStream frames server-sent events onto a flushing writer.
type eventStream struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s eventStream) send(name string, j *job.Job) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s eventStream) ping() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// StreamSSE handles GET /api/v1/jobs/{id}/sse. A job that is already terminal
// gets a single "result" event; otherwise the stream opens with "status" and
// relays every change until the job finishes or the client goes away.
func (h *Handler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	id := chi.URLParam(r, "id")

	ch := h.events.Subscribe(id)
	defer h.events.Unsubscribe(id, ch)

	current, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if current == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	stream := eventStream{w: w, f: flusher}

	if current.Status.IsTerminal() {
		stream.send("result", current) //nolint:errcheck
		return
	}
	if stream.send("status", current) != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			if stream.send(ev.Name, ev.Job) != nil {
				return
			}
		case <-heartbeat.C:
			if stream.ping() != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
