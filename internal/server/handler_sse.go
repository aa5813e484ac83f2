package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/me/gowps/pkg/model"
)

// handleJobEvents streams job updates via Server-Sent Events: an "init"
// event, an "update" per status or progress change, and a final
// "complete" event once the job is terminal.
// GET /api/v1/jobs/{id}/events
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	job, err := s.visibleJob(r)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: "streaming not supported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := sendSSEEvent(w, flusher, "init", job); err != nil {
		return
	}
	if job.Status.IsTerminal() {
		sendSSEEvent(w, flusher, "complete", job)
		return
	}

	ticker := time.NewTicker(s.cfg.EventsInterval)
	defer ticker.Stop()

	last := job
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		job, err = s.jobs.Get(r.Context(), last.ID)
		if err != nil {
			s.logger.Warn("job events", "job_id", last.ID, "error", err)
			return
		}
		if job.Status.IsTerminal() {
			sendSSEEvent(w, flusher, "complete", job)
			return
		}
		if job.Status != last.Status || job.Progress != last.Progress || job.Message != last.Message {
			if err := sendSSEEvent(w, flusher, "update", job); err != nil {
				s.logger.Debug("job events client gone", "job_id", job.ID)
				return
			}
			last = job
			continue
		}
		fmt.Fprint(w, ": heartbeat\n\n")
		flusher.Flush()
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
