package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"
)

// HTTPConfig contains HTTP/HTTPS fetcher settings.
type HTTPConfig struct {
	// Timeout bounds a single request.
	Timeout time.Duration

	// MaxRetries is the number of attempts per reference.
	MaxRetries int

	// RetryDelay is the initial delay between attempts.
	RetryDelay time.Duration

	// DefaultHeaders are added to every request.
	DefaultHeaders map[string]string
}

// HTTPFetcher downloads http(s) references.
type HTTPFetcher struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPFetcher creates an HTTPFetcher with the given configuration.
func NewHTTPFetcher(cfg HTTPConfig) *HTTPFetcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPFetcher{
		config: cfg,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, src Source, destDir string) (Fetched, error) {
	if src.Scheme != "http" && src.Scheme != "https" {
		return Fetched{}, fmt.Errorf("http fetcher: unsupported scheme %q", src.Scheme)
	}
	dest := filepath.Join(destDir, baseName(src.Location))

	var lastErr error
	maxRetries := f.config.MaxRetries
	if maxRetries == 0 {
		maxRetries = 1
	}
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Fetched{}, ctx.Err()
			case <-time.After(f.retryDelay(attempt)):
			}
		}

		mediaType, err := f.download(ctx, src.Location, dest)
		if err == nil {
			return Fetched{Path: dest, MediaType: mediaType}, nil
		}
		lastErr = err

		// Client errors and cancellation are final.
		if isClientError(err) || ctx.Err() != nil {
			return Fetched{}, err
		}
	}
	return Fetched{}, fmt.Errorf("download failed after %d attempts: %w", maxRetries, lastErr)
}

func (f *HTTPFetcher) download(ctx context.Context, url, dest string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	for k, v := range f.config.DefaultHeaders {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &httpError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := writeAtomic(dest, resp.Body); err != nil {
		return "", err
	}
	return resp.Header.Get("Content-Type"), nil
}

// retryDelay doubles the initial delay per attempt, capped at 30 seconds.
func (f *HTTPFetcher) retryDelay(attempt int) time.Duration {
	delay := f.config.RetryDelay
	if delay == 0 {
		delay = time.Second
	}
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

// httpError represents an HTTP error response.
type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// isClientError returns true if the error is a 4xx client error.
func isClientError(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}
