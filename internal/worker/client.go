package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/me/gowps/internal/jobs"
	"github.com/me/gowps/internal/queue"
	"github.com/me/gowps/pkg/model"
)

// WorkerKeyHeader carries the shared worker secret.
const WorkerKeyHeader = "X-Worker-Key"

// StatusReport is the body of a worker status update. RemoteStatus, when
// set, is a remote service's status word relayed for the job.
type StatusReport struct {
	jobs.Report
	RemoteStatus string `json:"remote_status,omitempty"`
}

// PublishRequest asks the server to publish a run's outputs.
type PublishRequest struct {
	Unit    model.ExecutionUnit `json:"unit"`
	Outputs map[string]any      `json:"outputs"`
}

// RegisterRequest announces a worker.
type RegisterRequest struct {
	Name     string              `json:"name"`
	Hostname string              `json:"hostname"`
	Backends []model.BackendKind `json:"backends"`
	Labels   map[string]string   `json:"labels,omitempty"`
}

// Client talks to the GoWPS server on behalf of a remote worker. It
// satisfies every interface a Runner needs, so a Runner on another host
// drives jobs exactly like one inside the server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	workerID   string
	workerKey  string
}

var (
	_ Source        = (*Client)(nil)
	_ Checkouter    = (*Client)(nil)
	_ jobs.Reporter = (*Client)(nil)
	_ Publisher     = (*Client)(nil)
	_ LogAppender   = (*Client)(nil)
)

// NewClient creates a worker API client with connection pooling.
// If tlsCfg is nil, the default system TLS configuration is used.
func NewClient(baseURL string, tlsCfg *tls.Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     tlsCfg,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// SetWorkerKey sets the shared secret for worker authentication.
func (c *Client) SetWorkerKey(key string) {
	c.workerKey = key
}

// WorkerID returns the registered worker ID.
func (c *Client) WorkerID() string {
	return c.workerID
}

// Register registers the worker with the server and stores the worker ID.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*model.Worker, error) {
	var w model.Worker
	if err := c.call(ctx, http.MethodPost, "/api/v1/workers", req, &w); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	c.workerID = w.ID
	return &w, nil
}

// Heartbeat updates the worker's last_seen.
func (c *Client) Heartbeat(ctx context.Context) error {
	if err := c.call(ctx, http.MethodPut, c.workerPath("heartbeat"), nil, nil); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Checkout leases the next execution unit. Returns nil when no work is
// available (204). The backends the server matches are those given at
// registration; the workerID argument must be this client's.
func (c *Client) Checkout(ctx context.Context, _ string, _ []model.BackendKind, lease time.Duration) (*queue.Message, error) {
	path := c.workerPath("work") + "?lease=" + url.QueryEscape(lease.String())
	var msg queue.Message
	found, err := c.do(ctx, http.MethodGet, path, nil, &msg)
	if err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &msg, nil
}

// Extend renews the lease on jobID.
func (c *Client) Extend(ctx context.Context, jobID, _ string, lease time.Duration) error {
	body := map[string]string{"lease": lease.String()}
	return c.call(ctx, http.MethodPut, c.jobPath(jobID, "lease"), body, nil)
}

// Ack releases jobID from the queue.
func (c *Client) Ack(ctx context.Context, jobID string) error {
	return c.call(ctx, http.MethodDelete, c.jobPath(jobID, ""), nil, nil)
}

// Report records a status observation for jobID.
func (c *Client) Report(ctx context.Context, jobID string, rep jobs.Report) (*model.Job, error) {
	return c.report(ctx, jobID, StatusReport{Report: rep})
}

// ReportRemote relays a remote service's status word. The server maps it.
func (c *Client) ReportRemote(ctx context.Context, jobID, remoteStatus string, rep jobs.Report) (*model.Job, error) {
	return c.report(ctx, jobID, StatusReport{Report: rep, RemoteStatus: remoteStatus})
}

func (c *Client) report(ctx context.Context, jobID string, body StatusReport) (*model.Job, error) {
	var job model.Job
	if err := c.call(ctx, http.MethodPut, c.jobPath(jobID, "status"), body, &job); err != nil {
		return nil, fmt.Errorf("report status: %w", err)
	}
	return &job, nil
}

// DismissRequested asks whether a client dismissed jobID.
func (c *Client) DismissRequested(ctx context.Context, jobID string) (bool, error) {
	var out struct {
		DismissRequested bool `json:"dismiss_requested"`
	}
	if err := c.call(ctx, http.MethodGet, c.jobPath(jobID, "dismiss"), nil, &out); err != nil {
		return false, err
	}
	return out.DismissRequested, nil
}

// AppendLogs ships log lines for jobID.
func (c *Client) AppendLogs(ctx context.Context, jobID string, lines []model.LogLine) error {
	return c.call(ctx, http.MethodPost, c.jobPath(jobID, "logs"), lines, nil)
}

// Publish asks the server to publish produced. Output paths must be
// readable by the server, which holds for the shared work root.
func (c *Client) Publish(ctx context.Context, unit *model.ExecutionUnit, produced map[string]any) ([]model.OutputReference, error) {
	var refs []model.OutputReference
	err := c.call(ctx, http.MethodPost, c.jobPath(unit.JobID, "outputs"), PublishRequest{Unit: *unit, Outputs: produced}, &refs)
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	return refs, nil
}

// Deregister removes the worker from the server.
func (c *Client) Deregister(ctx context.Context) error {
	if err := c.call(ctx, http.MethodDelete, "/api/v1/workers/"+c.workerID, nil, nil); err != nil {
		return fmt.Errorf("deregister: %w", err)
	}
	return nil
}

func (c *Client) workerPath(suffix string) string {
	return "/api/v1/workers/" + c.workerID + "/" + suffix
}

func (c *Client) jobPath(jobID, suffix string) string {
	p := "/api/v1/workers/" + c.workerID + "/jobs/" + url.PathEscape(jobID)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	_, err := c.do(ctx, method, path, in, out)
	return err
}

// do executes a request and decodes the envelope's data into out. It
// reports false for 204 No Content.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (bool, error) {
	var bodyReader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return false, err
		}
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return false, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.workerKey != "" {
		req.Header.Set(WorkerKeyHeader, c.workerKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	return true, decodeResponseData(resp, out)
}

// decodeResponseData extracts the data field from the API response
// envelope. Error envelopes come back as *model.APIError.
func decodeResponseData(resp *http.Response, dest any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *model.APIError `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		if resp.StatusCode >= 400 {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if dest == nil || len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	return json.Unmarshal(envelope.Data, dest)
}
