package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/me/gowps/pkg/model"
)

// GET /api/v1/jobs[?status=&process=]
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts := listOptions(r)
	q := r.URL.Query()
	if st := q.Get("status"); st != "" {
		if !model.JobStatus(st).IsValid() {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid job filter",
				model.FieldError{Field: "status", Message: "unknown status " + strconv.Quote(st)}))
			return
		}
		opts.State = st
	}
	opts.ProcessID = q.Get("process")

	list, total, err := s.jobs.List(r.Context(), opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if list == nil {
		list = []*model.Job{}
	}
	respondList(w, reqID, list, pagination(opts, total, len(list)))
}

// visibleJob loads a job, hiding jobs the caller may not see.
func (s *Server) visibleJob(r *http.Request) (*model.Job, error) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	caller := CallerFromContext(r.Context())
	if !job.VisibleTo(caller.User, caller.Admin) {
		return nil, model.NewNotFoundError("Job", id)
	}
	return job, nil
}

// GET /api/v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	job, err := s.visibleJob(r)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, job)
}

// DELETE /api/v1/jobs/{id}
func (s *Server) handleDismissJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	job, err := s.jobs.Dismiss(r.Context(), chi.URLParam(r, "id"), CallerFromContext(r.Context()))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, job)
}

// GET /api/v1/jobs/{id}/results
func (s *Server) handleJobResults(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	refs, err := s.results.Results(r.Context(), chi.URLParam(r, "id"), CallerFromContext(r.Context()))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, refs)
}

// GET /api/v1/jobs/{id}/logs[?after=&limit=]
func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	q := r.URL.Query()
	after, _ := strconv.ParseInt(q.Get("after"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	lines, err := s.results.Logs(r.Context(), chi.URLParam(r, "id"), after, limit, CallerFromContext(r.Context()))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, lines)
}

// GET /api/v1/jobs/{id}/exceptions
func (s *Server) handleJobExceptions(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	details, err := s.results.Exceptions(r.Context(), chi.URLParam(r, "id"), CallerFromContext(r.Context()))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, details)
}

// GET /api/v1/jobs/{id}/history
func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	job, err := s.visibleJob(r)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	events, err := s.jobs.History(r.Context(), job.ID)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, events)
}

// GET /api/v1/jobs/{id}/outputs/{output}/{name}
func (s *Server) handleJobOutput(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	rc, ref, err := s.results.OpenOutput(r.Context(), chi.URLParam(r, "id"),
		chi.URLParam(r, "output"), chi.URLParam(r, "name"), CallerFromContext(r.Context()))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	defer rc.Close()

	if ref.MediaType != "" {
		w.Header().Set("Content-Type", ref.MediaType)
	}
	if ref.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(ref.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("stream output", "job_id", chi.URLParam(r, "id"), "error", err)
	}
}
