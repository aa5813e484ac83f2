package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/gowps/pkg/model"
)

// preference reads the Prefer header: respond-async asks for async
// execution, wait=N for a sync wait of N seconds.
func preference(h string, maxWait time.Duration) (mode model.ExecutionMode, wait time.Duration, applied string) {
	for _, part := range strings.Split(h, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.EqualFold(part, "respond-async"):
			return model.ModeAsync, 0, part
		case strings.HasPrefix(strings.ToLower(part), "wait="):
			n, err := strconv.Atoi(strings.TrimSpace(part[len("wait="):]))
			if err != nil || n < 0 {
				continue
			}
			return model.ModeSync, min(time.Duration(n)*time.Second, maxWait), part
		}
	}
	return "", 0, ""
}

// POST /api/v1/processes/{id}/execution
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	caller := CallerFromContext(r.Context())

	var req model.ExecuteRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	req.ProcessID = chi.URLParam(r, "id")
	req.Owner = caller.User
	if v := r.URL.Query().Get("version"); v != "" && req.Version == "" {
		req.Version = v
	}
	if mode, wait, applied := preference(r.Header.Get("Prefer"), s.cfg.MaxWait); mode != "" {
		req.Mode = mode
		req.Wait = wait
		w.Header().Set("Preference-Applied", applied)
	}

	job, err := s.dispatcher.Submit(r.Context(), req, caller)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+job.ID)
	if job.Status.IsTerminal() {
		respondOK(w, reqID, job)
		return
	}
	respondCreated(w, reqID, job)
}
