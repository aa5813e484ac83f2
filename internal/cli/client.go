package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/me/gowps/pkg/model"
)

// UserHeader carries the caller identity.
const UserHeader = "X-User"

// Client is an HTTP client for the GoWPS API.
type Client struct {
	BaseURL    string
	User       string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a GoWPS API client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
		Logger:     logger,
	}
}

// apiResponse is the parsed envelope.
type apiResponse struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

// request describes one API call.
type request struct {
	method  string
	path    string
	body    io.Reader
	headers map[string]string
}

func (c *Client) newRequest(r request) (*http.Request, error) {
	url := c.BaseURL + r.path
	req, err := http.NewRequest(r.method, url, r.body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.User != "" {
		req.Header.Set(UserHeader, c.User)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	c.Logger.Debug("HTTP request", "method", r.method, "url", url)
	return req, nil
}

// send performs a request and returns the parsed envelope.
func (c *Client) send(r request) (*apiResponse, *http.Response, error) {
	req, err := c.newRequest(r)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, fmt.Errorf("read response: %w", err)
	}
	c.Logger.Debug("HTTP response", "status", resp.StatusCode, "body", string(respBody))

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, resp, fmt.Errorf("parse response (status %d): %w\nbody: %s", resp.StatusCode, err, string(respBody))
	}
	if apiResp.Status == "error" && apiResp.Error != nil {
		return &apiResp, resp, apiResp.Error
	}
	return &apiResp, resp, nil
}

// do sends body as JSON.
func (c *Client) do(method, path string, body any, headers map[string]string) (*apiResponse, error) {
	r := request{method: method, path: path, headers: map[string]string{}}
	for k, v := range headers {
		r.headers[k] = v
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		r.body = bytes.NewReader(data)
		r.headers["Content-Type"] = "application/json"
		c.Logger.Debug("HTTP request body", "body", string(data))
	}
	resp, _, err := c.send(r)
	return resp, err
}

// Get performs a GET request.
func (c *Client) Get(path string) (*apiResponse, error) {
	return c.do(http.MethodGet, path, nil, nil)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(path string, body any) (*apiResponse, error) {
	return c.do(http.MethodPost, path, body, nil)
}

// Put performs a PUT request.
func (c *Client) Put(path string, body any) (*apiResponse, error) {
	return c.do(http.MethodPut, path, body, nil)
}

// Delete performs a DELETE request.
func (c *Client) Delete(path string) (*apiResponse, error) {
	return c.do(http.MethodDelete, path, nil, nil)
}

// Upload posts a raw body, as the vault endpoint expects.
func (c *Client) Upload(path string, body io.Reader, headers map[string]string) (*apiResponse, error) {
	resp, _, err := c.send(request{method: http.MethodPost, path: path, body: body, headers: headers})
	return resp, err
}

// Download streams the body at path into w. Error envelopes are decoded.
func (c *Client) Download(path string, w io.Writer) (int64, error) {
	req, err := c.newRequest(request{method: http.MethodGet, path: path})
	if err != nil {
		return 0, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiResp apiResponse
		if json.NewDecoder(resp.Body).Decode(&apiResp) == nil && apiResp.Error != nil {
			return 0, apiResp.Error
		}
		return 0, fmt.Errorf("download %s: HTTP %d", path, resp.StatusCode)
	}
	return io.Copy(w, resp.Body)
}

func decodeData[T any](resp *apiResponse) (T, error) {
	var v T
	if err := json.Unmarshal(resp.Data, &v); err != nil {
		return v, fmt.Errorf("parse response: %w", err)
	}
	return v, nil
}
