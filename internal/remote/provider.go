// Package remote delegates execution to another processing service and
// relays what it observes there into the local job lifecycle.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/pkg/model"
)

// Submission is what a provider needs to start a remote job.
type Submission struct {
	JobID     string
	ProcessID string
	Inputs    map[string]any
	Outputs   []model.OutputRequest
}

// Status is one remote status observation in the provider's vocabulary.
type Status struct {
	State    string
	Progress int
	Message  string
}

// Provider speaks one remote execution protocol.
type Provider interface {
	Submit(ctx context.Context, sub Submission) (string, error)
	Status(ctx context.Context, remoteID string) (Status, error)
	Dismiss(ctx context.Context, remoteID string) error
	// Results returns produced outputs keyed by output id. Values are
	// literals, {"href", "type"} references or CWL File objects.
	Results(ctx context.Context, remoteID string) (map[string]any, error)
	Logs(ctx context.Context, remoteID string) (string, error)
}

// ProviderOptions carries what every provider needs.
type ProviderOptions struct {
	HTTPClient *http.Client
	Token      string
	Logger     *slog.Logger
}

// Factory builds the provider for a remote reference.
type Factory func(ref *model.RemoteRef) (Provider, error)

// NewFactory returns a Factory creating providers that share opts.
func NewFactory(opts ProviderOptions) Factory {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	opts.Logger = logging.OrDiscard(opts.Logger)
	return func(ref *model.RemoteRef) (Provider, error) {
		if ref == nil || ref.Endpoint == "" {
			return nil, fmt.Errorf("remote reference without endpoint")
		}
		switch ref.Provider {
		case model.ProviderOGCAPI, "":
			return NewOGCProvider(ref.Endpoint, opts), nil
		case model.ProviderAppService:
			caller := NewHTTPRPCCaller(ref.Endpoint, opts.Token, opts.HTTPClient, opts.Logger)
			return NewAppServiceProvider(caller, opts.Token, opts.Logger), nil
		}
		return nil, fmt.Errorf("unknown remote provider %q", ref.Provider)
	}
}

// StatusError is a non-success HTTP response from a remote service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsTransient reports whether err is worth retrying: network failures,
// timeouts of a single request, 5xx and 429 responses.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}
