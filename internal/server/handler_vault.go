package server

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/gowps/pkg/model"
)

// VaultAuthHeader carries the access token of a vault file.
const VaultAuthHeader = "X-Auth-Vault"

type vaultUploadResponse struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	Href      string    `json:"href"`
	Filename  string    `json:"filename"`
	MediaType string    `json:"media_type"`
	Size      int64     `json:"size"`
	ExpiresAt time.Time `json:"expires_at"`
}

// vaultToken extracts the token from "token=<value>" or a bare value.
func vaultToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get(VaultAuthHeader))
	for _, part := range strings.Split(h, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "token="); ok {
			return v
		}
	}
	return h
}

// POST /api/v1/vault
// Accepts multipart/form-data (field "file") or a raw body named by
// X-Filename.
func (s *Server) handleVaultUpload(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var (
		body      io.Reader = r.Body
		filename            = r.Header.Get("X-Filename")
		mediaType           = r.Header.Get("Content-Type")
	)
	if mt, _, _ := mime.ParseMediaType(mediaType); mt == "multipart/form-data" {
		mr, err := r.MultipartReader()
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, &model.APIError{Code: model.ErrValidation, Message: err.Error()})
			return
		}
		found := false
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			if part.FormName() == "file" {
				body = part
				filename = part.FileName()
				mediaType = part.Header.Get("Content-Type")
				found = true
				break
			}
		}
		if !found {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid upload",
				model.FieldError{Field: "file", Message: "multipart field 'file' is required"}))
			return
		}
	}
	if filename == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid upload",
			model.FieldError{Field: "filename", Message: "X-Filename header or multipart file name is required"}))
		return
	}

	f, token, err := s.vault.Upload(r.Context(), filename, mediaType, body)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, vaultUploadResponse{
		ID:        f.ID,
		Token:     token,
		Href:      "vault://" + f.ID,
		Filename:  f.Filename,
		MediaType: f.MediaType,
		Size:      f.Size,
		ExpiresAt: f.ExpiresAt,
	})
}

// GET /api/v1/vault/{id}
func (s *Server) handleVaultDownload(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	f, rc, err := s.vault.Open(r.Context(), chi.URLParam(r, "id"), vaultToken(r))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	defer rc.Close()
	setVaultHeaders(w, f)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("stream vault file", "id", f.ID, "error", err)
	}
}

// HEAD /api/v1/vault/{id}
func (s *Server) handleVaultStat(w http.ResponseWriter, r *http.Request) {
	f, err := s.vault.Stat(r.Context(), chi.URLParam(r, "id"), vaultToken(r))
	if err != nil {
		w.WriteHeader(statusFor(model.CodeOf(err)))
		return
	}
	setVaultHeaders(w, f)
	w.WriteHeader(http.StatusOK)
}

// DELETE /api/v1/vault/{id}
func (s *Server) handleVaultDelete(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := s.vault.Delete(r.Context(), id, vaultToken(r)); err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"id": id, "deleted": true})
}

func setVaultHeaders(w http.ResponseWriter, f *model.VaultFile) {
	if f.MediaType != "" {
		w.Header().Set("Content-Type", f.MediaType)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.Filename))
}
