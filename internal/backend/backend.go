// Package backend runs execution units: an external CWL runner, a single
// container, or a remote execution service.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/pkg/model"
)

// Error codes recorded on failed jobs.
const (
	ErrorExecutionFailed = "EXECUTION_FAILED"
	ErrorOutputMissing   = "OUTPUT_MISSING"
)

// Sink receives the log streams of a run.
type Sink struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (s Sink) stdout() io.Writer {
	if s.Stdout == nil {
		return io.Discard
	}
	return s.Stdout
}

func (s Sink) stderr() io.Writer {
	if s.Stderr == nil {
		return io.Discard
	}
	return s.Stderr
}

// Outcome is what a finished run produced. A run that completed but did
// not succeed carries Errors; Outputs is a CWL output object.
type Outcome struct {
	Outputs     map[string]any
	ExitCode    int
	Errors      []model.ErrorDetail
	RemoteJobID string
}

// Succeeded reports whether the run produced its outputs.
func (o *Outcome) Succeeded() bool {
	return len(o.Errors) == 0
}

func failed(code, format string, args ...any) *Outcome {
	return &Outcome{Errors: []model.ErrorDetail{{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now().UTC(),
	}}}
}

// Backend runs execution units of one kind. Run blocks until the unit
// finished or ctx is cancelled; a returned error means the run itself
// could not be carried out.
type Backend interface {
	Kind() model.BackendKind
	Run(ctx context.Context, unit *model.ExecutionUnit, sink Sink) (*Outcome, error)
}

// Registry maps backend kinds to implementations. Registration happens at
// startup before concurrent access, so no mutex is needed.
type Registry struct {
	backends map[model.BackendKind]Backend
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		backends: make(map[model.BackendKind]Backend),
		logger:   logging.OrDiscard(logger).With("component", "backend-registry"),
	}
}

// Register adds b, keyed by its Kind.
func (r *Registry) Register(b Backend) {
	r.backends[b.Kind()] = b
	r.logger.Info("backend registered", "kind", b.Kind())
}

// Get returns the backend for kind.
func (r *Registry) Get(kind model.BackendKind) (Backend, error) {
	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("no backend registered for %q", kind)
	}
	return b, nil
}

// Kinds lists the registered kinds, for queue checkout.
func (r *Registry) Kinds() []model.BackendKind {
	kinds := make([]model.BackendKind, 0, len(r.backends))
	for _, k := range []model.BackendKind{model.BackendCWL, model.BackendDocker, model.BackendRemote} {
		if _, ok := r.backends[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Command is one process invocation.
type Command struct {
	Name   string
	Args   []string
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// CommandRunner abstracts process execution for testing.
type CommandRunner interface {
	// Run returns the exit code; err is set only when the process could
	// not be started or was killed.
	Run(ctx context.Context, cmd Command) (exitCode int, err error)
}

type osCommandRunner struct{}

func (osCommandRunner) Run(ctx context.Context, c Command) (int, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.WaitDelay = 10 * time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, err
	}
}
