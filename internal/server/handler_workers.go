package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/me/gowps/internal/jobs"
	"github.com/me/gowps/internal/worker"
	"github.com/me/gowps/pkg/model"
)

const defaultWorkerLease = 5 * time.Minute

// POST /api/v1/workers
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req worker.RegisterRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	if req.Name == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "name", Message: "name is required"}))
		return
	}
	if len(req.Backends) == 0 {
		req.Backends = []model.BackendKind{model.BackendCWL}
	}
	for _, b := range req.Backends {
		if !b.IsValid() {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid backend",
					model.FieldError{Field: "backends", Message: "unknown backend " + string(b)}))
			return
		}
	}

	now := time.Now().UTC()
	wk := &model.Worker{
		ID:           "wrk_" + uuid.New().String(),
		Name:         req.Name,
		Hostname:     req.Hostname,
		State:        model.WorkerStateOnline,
		Backends:     req.Backends,
		Labels:       req.Labels,
		LastSeen:     now,
		RegisteredAt: now,
	}
	if wk.Labels == nil {
		wk.Labels = map[string]string{}
	}
	if err := s.store.CreateWorker(r.Context(), wk); err != nil {
		respondErr(w, reqID, err)
		return
	}

	s.logger.Info("worker registered", "id", wk.ID, "name", wk.Name, "backends", wk.Backends)
	respondCreated(w, reqID, wk)
}

// knownWorker loads the worker named in the URL and refreshes last_seen.
func (s *Server) knownWorker(w http.ResponseWriter, r *http.Request) (*model.Worker, bool) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "wid")
	wk, err := s.store.GetWorker(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return nil, false
	}
	if wk == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("Worker", id))
		return nil, false
	}
	return wk, true
}

// PUT /api/v1/workers/{wid}/heartbeat
func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	wk, ok := s.knownWorker(w, r)
	if !ok {
		return
	}
	wk.LastSeen = time.Now().UTC()
	if err := s.store.UpdateWorker(r.Context(), wk); err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"worker_id": wk.ID, "state": wk.State})
}

// GET /api/v1/workers/{wid}/work[?lease=]
// Returns 200 with a queue message or 204 No Content if no work is ready.
func (s *Server) handleWorkerCheckout(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	wk, ok := s.knownWorker(w, r)
	if !ok {
		return
	}
	if wk.State != model.WorkerStateOnline {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	lease := defaultWorkerLease
	if d, err := time.ParseDuration(r.URL.Query().Get("lease")); err == nil && d > 0 {
		lease = d
	}
	msg, err := s.queue.Checkout(r.Context(), wk.ID, wk.Backends, lease)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	wk.CurrentJob = msg.JobID
	wk.LastSeen = time.Now().UTC()
	if err := s.store.UpdateWorker(r.Context(), wk); err != nil {
		s.logger.Warn("update worker", "worker_id", wk.ID, "error", err)
	}
	s.logger.Debug("job checked out", "worker_id", wk.ID, "job_id", msg.JobID)
	respondOK(w, reqID, msg)
}

// PUT /api/v1/workers/{wid}/jobs/{jobID}/lease
func (s *Server) handleWorkerExtend(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req struct {
		Lease string `json:"lease"`
	}
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	lease, err := time.ParseDuration(req.Lease)
	if err != nil || lease <= 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid lease",
			model.FieldError{Field: "lease", Message: "expected a positive duration"}))
		return
	}
	jobID := chi.URLParam(r, "jobID")
	if err := s.queue.Extend(r.Context(), jobID, chi.URLParam(r, "wid"), lease); err != nil {
		respondError(w, reqID, http.StatusConflict, model.NewConflictError("%s", err.Error()))
		return
	}
	respondOK(w, reqID, map[string]any{"job_id": jobID, "lease": lease.String()})
}

// DELETE /api/v1/workers/{wid}/jobs/{jobID}
func (s *Server) handleWorkerAck(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	wk, ok := s.knownWorker(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "jobID")
	if err := s.queue.Ack(r.Context(), jobID); err != nil {
		respondErr(w, reqID, err)
		return
	}
	if wk.CurrentJob == jobID {
		wk.CurrentJob = ""
		if err := s.store.UpdateWorker(r.Context(), wk); err != nil {
			s.logger.Warn("update worker", "worker_id", wk.ID, "error", err)
		}
	}
	respondOK(w, reqID, map[string]any{"job_id": jobID, "acked": true})
}

// PUT /api/v1/workers/{wid}/jobs/{jobID}/status
func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req worker.StatusReport
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	jobID := chi.URLParam(r, "jobID")

	var (
		job *model.Job
		err error
	)
	if req.RemoteStatus != "" {
		job, err = s.relay.ReportRemote(r.Context(), jobID, req.RemoteStatus, req.Report)
	} else {
		job, err = jobs.NewLocalReporter(s.jobs, chi.URLParam(r, "wid")).Report(r.Context(), jobID, req.Report)
	}
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, job)
}

// POST /api/v1/workers/{wid}/jobs/{jobID}/logs
func (s *Server) handleWorkerLogs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var lines []model.LogLine
	if apiErr := decodeJSON(r, &lines); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	jobID := chi.URLParam(r, "jobID")
	if err := s.store.AppendLogs(r.Context(), jobID, lines); err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"job_id": jobID, "appended": len(lines)})
}

// POST /api/v1/workers/{wid}/jobs/{jobID}/outputs
func (s *Server) handleWorkerPublish(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req worker.PublishRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	req.Unit.JobID = chi.URLParam(r, "jobID")
	refs, err := s.results.Publish(r.Context(), &req.Unit, req.Outputs)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if refs == nil {
		refs = []model.OutputReference{}
	}
	respondOK(w, reqID, refs)
}

// GET /api/v1/workers/{wid}/jobs/{jobID}/dismiss
func (s *Server) handleWorkerDismiss(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	jobID := chi.URLParam(r, "jobID")
	requested, err := jobs.NewLocalReporter(s.jobs, chi.URLParam(r, "wid")).DismissRequested(r.Context(), jobID)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"job_id": jobID, "dismiss_requested": requested})
}

// DELETE /api/v1/workers/{wid}
func (s *Server) handleDeregisterWorker(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "wid")
	if err := s.store.DeleteWorker(r.Context(), id); err != nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("Worker", id))
		return
	}
	s.logger.Info("worker deregistered", "id", id)
	respondOK(w, reqID, map[string]any{"id": id, "deleted": true})
}

// GET /api/v1/admin/workers
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if workers == nil {
		workers = []*model.Worker{}
	}
	respondOK(w, reqID, workers)
}
