package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/me/gowps/internal/registry"
	"github.com/me/gowps/pkg/model"
	"gopkg.in/yaml.v3"
)

var defaultProbe = model.ListOptions{Limit: 1, Admin: true}

// deployBody is the deploy request. cwl and wps are either documents or
// strings holding a document.
type deployBody struct {
	CWL        any               `json:"cwl" yaml:"cwl"`
	WPS        any               `json:"wps" yaml:"wps"`
	Href       string            `json:"href" yaml:"href"`
	Mode       model.DeployMode  `json:"mode" yaml:"mode"`
	Visibility model.Visibility  `json:"visibility" yaml:"visibility"`
	Backend    model.BackendKind `json:"backend" yaml:"backend"`
	Remote     *model.RemoteRef  `json:"remote" yaml:"remote"`
}

// GET /api/v1/processes
func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts := listOptions(r)
	q := r.URL.Query()
	opts.Visibility = model.Visibility(q.Get("visibility"))
	opts.Keyword = q.Get("q")

	procs, total, err := s.registry.List(r.Context(), opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	summaries := make([]processSummary, len(procs))
	for i, p := range procs {
		summaries[i] = summarize(p)
	}
	respondList(w, reqID, summaries, pagination(opts, total, len(procs)))
}

// POST /api/v1/processes
func (s *Server) handleDeployProcess(w http.ResponseWriter, r *http.Request) {
	s.deploy(w, r, "", model.DeployCreate, http.StatusCreated)
}

// PUT /api/v1/processes/{id}[?mode=replace]
func (s *Server) handleUpdateProcess(w http.ResponseWriter, r *http.Request) {
	mode := model.DeployUpdate
	if model.DeployMode(r.URL.Query().Get("mode")) == model.DeployReplace {
		mode = model.DeployReplace
	}
	s.deploy(w, r, chi.URLParam(r, "id"), mode, http.StatusOK)
}

func (s *Server) deploy(w http.ResponseWriter, r *http.Request, id string, mode model.DeployMode, status int) {
	reqID := RequestIDFromContext(r.Context())
	caller := CallerFromContext(r.Context())

	body, apiErr := s.readDeployBody(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	if body.Mode != "" && id == "" && body.Mode != model.DeployCreate {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid deploy request",
			model.FieldError{Field: "mode", Message: "use PUT /processes/{id} to update or replace"}))
		return
	}

	cwlDoc, err := documentBytes(body.CWL)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid deploy request",
			model.FieldError{Field: "cwl", Message: err.Error()}))
		return
	}
	wpsDoc, err := documentBytes(body.WPS)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid deploy request",
			model.FieldError{Field: "wps", Message: err.Error()}))
		return
	}

	proc, err := s.registry.Deploy(r.Context(), registry.DeployRequest{
		ID:         id,
		Mode:       mode,
		CWL:        cwlDoc,
		WPS:        wpsDoc,
		Href:       body.Href,
		Visibility: body.Visibility,
		Backend:    body.Backend,
		Remote:     body.Remote,
		Caller:     caller,
	})
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	w.Header().Set("Location", "/api/v1/processes/"+proc.ID)
	respondJSON(w, status, reqID, proc, nil, nil)
}

// readDeployBody accepts JSON or YAML bodies. A YAML body that is itself a
// CWL document (it has a "class") deploys that document alone.
func (s *Server) readDeployBody(r *http.Request) (*deployBody, *model.APIError) {
	data, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxDeployBytes+1))
	if err != nil {
		return nil, &model.APIError{Code: model.ErrValidation, Message: "read body: " + err.Error()}
	}
	if int64(len(data)) > s.cfg.MaxDeployBytes {
		return nil, &model.APIError{Code: model.ErrValidation, Message: fmt.Sprintf("deploy body exceeds %d bytes", s.cfg.MaxDeployBytes)}
	}

	var body deployBody
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/yaml", "application/x-yaml", "text/yaml", "application/cwl+yaml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, &model.APIError{Code: model.ErrValidation, Message: "invalid YAML body: " + err.Error()}
		}
		if _, ok := doc["class"]; ok {
			body.CWL = string(data)
		} else if err := yaml.Unmarshal(data, &body); err != nil {
			return nil, &model.APIError{Code: model.ErrValidation, Message: "invalid YAML body: " + err.Error()}
		}
		q := r.URL.Query()
		if v := q.Get("visibility"); v != "" {
			body.Visibility = model.Visibility(v)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&body); err != nil {
			return nil, &model.APIError{Code: model.ErrValidation, Message: "invalid JSON body: " + err.Error()}
		}
	}
	if body.CWL == nil && body.Href == "" {
		return nil, model.NewValidationError("invalid deploy request",
			model.FieldError{Field: "cwl", Message: "an application package (cwl or href) is required"})
	}
	return &body, nil
}

// documentBytes renders an embedded document for the normalizer, which
// reads YAML (and therefore JSON).
func documentBytes(v any) ([]byte, error) {
	switch doc := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(doc), nil
	case map[string]any:
		return json.Marshal(doc)
	}
	return nil, fmt.Errorf("expected a document or a string, got %T", v)
}

// GET /api/v1/processes/{id}[?version=]
func (s *Server) handleDescribeProcess(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	proc, err := s.registry.Describe(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("version"), CallerFromContext(r.Context()))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, proc)
}

// GET /api/v1/processes/{id}/versions
func (s *Server) handleProcessVersions(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	procs, err := s.registry.Versions(r.Context(), chi.URLParam(r, "id"), CallerFromContext(r.Context()))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	summaries := make([]processSummary, len(procs))
	for i, p := range procs {
		summaries[i] = summarize(p)
	}
	respondOK(w, reqID, summaries)
}

// DELETE /api/v1/processes/{id}[?force=true]
func (s *Server) handleUndeployProcess(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	deleted, err := s.registry.Undeploy(r.Context(), id, force, CallerFromContext(r.Context()))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"id": id, "deleted": deleted})
}

// PUT /api/v1/processes/{id}/visibility
func (s *Server) handleSetVisibility(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req struct {
		Visibility model.Visibility `json:"visibility"`
	}
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	proc, err := s.registry.SetVisibility(r.Context(), chi.URLParam(r, "id"), req.Visibility, CallerFromContext(r.Context()))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, summarize(proc))
}

type processSummary struct {
	ID         string            `json:"id"`
	Version    string            `json:"version"`
	Title      string            `json:"title,omitempty"`
	Abstract   string            `json:"abstract,omitempty"`
	Keywords   []string          `json:"keywords,omitempty"`
	Backend    model.BackendKind `json:"backend"`
	Visibility model.Visibility  `json:"visibility"`
	Owner      string            `json:"owner,omitempty"`
}

func summarize(p *model.Process) processSummary {
	return processSummary{
		ID: p.ID, Version: p.Version, Title: p.Title, Abstract: p.Abstract, Keywords: p.Keywords,
		Backend: p.Backend, Visibility: p.Visibility, Owner: p.Owner,
	}
}

// listOptions reads limit and offset and scopes the list to the caller.
func listOptions(r *http.Request) model.ListOptions {
	opts := CallerFromContext(r.Context()).ListOptions()
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		opts.Offset = v
	}
	opts.Clamp()
	return opts
}
