package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/me/gowps/internal/logging"
)

// OGCProvider talks to an OGC API - Processes service.
type OGCProvider struct {
	endpoint string
	token    string
	client   *http.Client
	logger   *slog.Logger
}

var _ Provider = (*OGCProvider)(nil)

// NewOGCProvider creates a provider for the service rooted at endpoint.
func NewOGCProvider(endpoint string, opts ProviderOptions) *OGCProvider {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &OGCProvider{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		token:    opts.Token,
		client:   client,
		logger:   logging.OrDiscard(opts.Logger),
	}
}

type ogcOutput struct {
	TransmissionMode string `json:"transmissionMode,omitempty"`
}

type ogcExecute struct {
	Inputs   map[string]any       `json:"inputs"`
	Outputs  map[string]ogcOutput `json:"outputs,omitempty"`
	Response string               `json:"response"`
}

type ogcStatus struct {
	JobID    string `json:"jobID"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Progress int    `json:"progress,omitempty"`
}

// Submit posts an asynchronous execute request. The remote job id comes
// from the status document, or from the Location header when the body
// carries none.
func (p *OGCProvider) Submit(ctx context.Context, sub Submission) (string, error) {
	req := ogcExecute{
		Inputs:   sub.Inputs,
		Outputs:  make(map[string]ogcOutput, len(sub.Outputs)),
		Response: "document",
	}
	if req.Inputs == nil {
		req.Inputs = map[string]any{}
	}
	for _, o := range sub.Outputs {
		req.Outputs[o.ID] = ogcOutput{TransmissionMode: string(o.Transmission)}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal execute request: %w", err)
	}

	target := p.endpoint + "/processes/" + url.PathEscape(sub.ProcessID) + "/execution"
	resp, err := p.do(ctx, http.MethodPost, target, body, map[string]string{"Prefer": "respond-async"})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", readError(resp)
	}

	var st ogcStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil && err != io.EOF {
		return "", fmt.Errorf("decode execute response: %w", err)
	}
	id := st.JobID
	if id == "" {
		if loc := resp.Header.Get("Location"); loc != "" {
			id = path.Base(strings.TrimSuffix(loc, "/"))
		}
	}
	if id == "" || id == "." || id == "/" {
		return "", fmt.Errorf("execute response carries no job id")
	}
	p.logger.Info("remote job submitted", "job_id", sub.JobID, "remote_job_id", id, "endpoint", p.endpoint)
	return id, nil
}

func (p *OGCProvider) Status(ctx context.Context, remoteID string) (Status, error) {
	var st ogcStatus
	if err := p.getJSON(ctx, p.jobURL(remoteID), &st); err != nil {
		return Status{}, err
	}
	return Status{State: st.Status, Progress: st.Progress, Message: st.Message}, nil
}

// Dismiss deletes the remote job. A job the service no longer knows counts
// as dismissed.
func (p *OGCProvider) Dismiss(ctx context.Context, remoteID string) error {
	resp, err := p.do(ctx, http.MethodDelete, p.jobURL(remoteID), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return readError(resp)
	}
	return nil
}

func (p *OGCProvider) Results(ctx context.Context, remoteID string) (map[string]any, error) {
	var raw map[string]any
	if err := p.getJSON(ctx, p.jobURL(remoteID)+"/results", &raw); err != nil {
		return nil, err
	}
	// Some services wrap results in {"outputs": {...}}.
	if inner, ok := raw["outputs"].(map[string]any); ok && len(raw) == 1 {
		raw = inner
	}
	out := make(map[string]any, len(raw))
	for id, v := range raw {
		out[id] = unwrapQualified(v)
	}
	return out, nil
}

// Logs fetches the non-standard /logs resource. Services without one yield
// no logs.
func (p *OGCProvider) Logs(ctx context.Context, remoteID string) (string, error) {
	resp, err := p.do(ctx, http.MethodGet, p.jobURL(remoteID)+"/logs", nil, map[string]string{"Accept": "text/plain"})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", readError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read logs: %w", err)
	}
	return string(data), nil
}

func (p *OGCProvider) jobURL(remoteID string) string {
	return p.endpoint + "/jobs/" + url.PathEscape(remoteID)
}

func (p *OGCProvider) getJSON(ctx context.Context, target string, v any) error {
	resp, err := p.do(ctx, http.MethodGet, target, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", target, err)
	}
	return nil
}

func (p *OGCProvider) do(ctx context.Context, method, target string, body []byte, headers map[string]string) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	p.logger.Debug("remote request", "method", method, "url", target)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	return resp, nil
}

// unwrapQualified reduces an OGC qualified value {"value": v} to v. Href
// references and plain values pass through.
func unwrapQualified(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if _, isRef := m["href"]; isRef {
		return m
	}
	if inner, ok := m["value"]; ok {
		return inner
	}
	return m
}
