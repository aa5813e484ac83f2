package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/me/gowps/internal/logging"
)

// RPCCaller abstracts JSON-RPC 1.1 calls for testability.
type RPCCaller interface {
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// RPCError represents a JSON-RPC 1.1 error response.
type RPCError struct {
	Name    string `json:"name"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d (%s): %s", e.Code, e.Name, e.Message)
}

type rpcRequest struct {
	ID      string `json:"id"`
	Method  string `json:"method"`
	Version string `json:"version"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// HTTPRPCCaller implements RPCCaller using net/http.
type HTTPRPCCaller struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
	seq    atomic.Int64
}

// NewHTTPRPCCaller creates a caller targeting url.
func NewHTTPRPCCaller(url, token string, client *http.Client, logger *slog.Logger) *HTTPRPCCaller {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRPCCaller{
		url:    url,
		token:  token,
		client: client,
		logger: logging.OrDiscard(logger),
	}
}

// Call sends a JSON-RPC 1.1 request and returns the result field.
func (c *HTTPRPCCaller) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	id := fmt.Sprintf("gowps-%d", c.seq.Add(1))
	body, err := json.Marshal(rpcRequest{ID: id, Method: method, Version: "1.1", Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	c.logger.Debug("rpc call", "method", method, "id", id)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc call %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp rpcResponse
	if resp.StatusCode != http.StatusOK {
		// Services report RPC faults with a 500 and an error envelope.
		if json.Unmarshal(respBody, &rpcResp) == nil && rpcResp.Error != nil {
			return nil, rpcResp.Error
		}
		return nil, fmt.Errorf("rpc call %s: %w", method, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)})
	}
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// AppServiceProvider runs jobs through the AppService JSON-RPC interface.
// Results are left in the user's workspace; the only output reported is the
// workspace folder under "output_path".
type AppServiceProvider struct {
	caller   RPCCaller
	username string
	logger   *slog.Logger
}

var _ Provider = (*AppServiceProvider)(nil)

// NewAppServiceProvider creates a provider. The username used for default
// workspace paths is read from token.
func NewAppServiceProvider(caller RPCCaller, token string, logger *slog.Logger) *AppServiceProvider {
	return &AppServiceProvider{
		caller:   caller,
		username: ParseToken(token).Username,
		logger:   logging.OrDiscard(logger).With("component", "appservice"),
	}
}

type appTask struct {
	ID         any            `json:"id"`
	Status     string         `json:"status"`
	OutputPath string         `json:"output_path,omitempty"`
	OutputFile string         `json:"output_file,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Submit calls AppService.start_app. File-like inputs are passed as their
// location, the form the service expects for workspace paths.
func (p *AppServiceProvider) Submit(ctx context.Context, sub Submission) (string, error) {
	params := make(map[string]any, len(sub.Inputs))
	for k, v := range sub.Inputs {
		params[k] = flattenRef(v)
	}

	outputPath, _ := params["output_path"].(string)
	if outputPath == "" {
		if p.username == "" {
			return "", fmt.Errorf("job %s: output_path is missing and the token names no user", sub.JobID)
		}
		outputPath = fmt.Sprintf("/%s/home/", p.username)
	}

	result, err := p.caller.Call(ctx, "AppService.start_app", []any{sub.ProcessID, params, outputPath})
	if err != nil {
		return "", fmt.Errorf("job %s: start_app: %w", sub.JobID, err)
	}
	var tasks []appTask
	if err := json.Unmarshal(result, &tasks); err != nil {
		return "", fmt.Errorf("job %s: parse start_app response: %w", sub.JobID, err)
	}
	if len(tasks) == 0 {
		return "", fmt.Errorf("job %s: start_app returned empty result", sub.JobID)
	}
	// Task ids arrive as numbers or strings.
	id := fmt.Sprintf("%v", tasks[0].ID)
	p.logger.Info("task submitted", "job_id", sub.JobID, "task_id", id, "app", sub.ProcessID)
	return id, nil
}

// Status calls AppService.query_tasks. A task the service does not list
// yet is reported as queued.
func (p *AppServiceProvider) Status(ctx context.Context, remoteID string) (Status, error) {
	task, err := p.query(ctx, remoteID)
	if err != nil {
		return Status{}, err
	}
	if task == nil {
		return Status{State: "queued"}, nil
	}
	st := Status{State: task.Status}
	if task.Status == "suspended" {
		st.Message = "task suspended by the service"
	}
	return st, nil
}

func (p *AppServiceProvider) Dismiss(ctx context.Context, remoteID string) error {
	if _, err := p.caller.Call(ctx, "AppService.kill_task", []any{remoteID}); err != nil {
		return fmt.Errorf("task %s: kill_task: %w", remoteID, err)
	}
	return nil
}

func (p *AppServiceProvider) Results(ctx context.Context, remoteID string) (map[string]any, error) {
	task, err := p.query(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s not found", remoteID)
	}
	folder := task.OutputPath
	if task.OutputFile != "" {
		folder = strings.TrimSuffix(folder, "/") + "/." + task.OutputFile
	}
	return map[string]any{"output_path": folder}, nil
}

// Logs calls AppService.query_app_log.
func (p *AppServiceProvider) Logs(ctx context.Context, remoteID string) (string, error) {
	result, err := p.caller.Call(ctx, "AppService.query_app_log", []any{remoteID})
	if err != nil {
		return "", fmt.Errorf("task %s: query_app_log: %w", remoteID, err)
	}
	var text string
	if err := json.Unmarshal(result, &text); err != nil {
		var parts []string
		if json.Unmarshal(result, &parts) == nil {
			return strings.Join(parts, ""), nil
		}
		return string(result), nil
	}
	return text, nil
}

func (p *AppServiceProvider) query(ctx context.Context, remoteID string) (*appTask, error) {
	result, err := p.caller.Call(ctx, "AppService.query_tasks", []any{[]string{remoteID}})
	if err != nil {
		return nil, fmt.Errorf("task %s: query_tasks: %w", remoteID, err)
	}
	// Result is [{taskID: task}].
	var results []map[string]appTask
	if err := json.Unmarshal(result, &results); err != nil {
		return nil, fmt.Errorf("task %s: parse query_tasks response: %w", remoteID, err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	task, ok := results[0][remoteID]
	if !ok {
		return nil, nil
	}
	return &task, nil
}

// flattenRef turns {"href": loc} and CWL File objects into their location.
func flattenRef(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if href, ok := m["href"].(string); ok {
		return href
	}
	if loc, ok := m["location"].(string); ok {
		return loc
	}
	if inner, ok := m["value"]; ok {
		return inner
	}
	return v
}

// TokenInfo holds the fields of a pipe-delimited AppService token.
type TokenInfo struct {
	Username string
	Expiry   time.Time
}

// ParseToken extracts username and expiry from a token of the form
// un=<user>|tokenid=<uuid>|expiry=<unix>|... Malformed tokens yield a zero
// TokenInfo.
func ParseToken(raw string) TokenInfo {
	var info TokenInfo
	for _, field := range strings.Split(strings.TrimSpace(raw), "|") {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch k {
		case "un":
			info.Username = v
		case "expiry":
			if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
				info.Expiry = time.Unix(ts, 0)
			}
		}
	}
	return info
}

// Expired reports whether the token's expiry has passed at now. A token
// without expiry never expires.
func (t TokenInfo) Expired(now time.Time) bool {
	return !t.Expiry.IsZero() && now.After(t.Expiry)
}
