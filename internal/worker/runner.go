// Package worker executes queued jobs. A Runner carries one execution unit
// from checkout to its terminal state; a Pool runs Runners against the
// in-process queue and a Client speaks the HTTP worker protocol for
// workers on other hosts.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/gowps/internal/backend"
	"github.com/me/gowps/internal/jobs"
	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/internal/queue"
	"github.com/me/gowps/internal/results"
	"github.com/me/gowps/pkg/model"
)

// Source is the part of the work queue a Runner needs once a message is
// checked out.
type Source interface {
	Extend(ctx context.Context, jobID, workerID string, lease time.Duration) error
	Ack(ctx context.Context, jobID string) error
}

// Backends looks up the backend for a unit.
type Backends interface {
	Get(kind model.BackendKind) (backend.Backend, error)
}

// Publisher turns a run's CWL output object into output references.
type Publisher interface {
	Publish(ctx context.Context, unit *model.ExecutionUnit, produced map[string]any) ([]model.OutputReference, error)
}

// LogAppender receives job log lines.
type LogAppender interface {
	AppendLogs(ctx context.Context, jobID string, lines []model.LogLine) error
}

// RunnerConfig holds Runner timing.
type RunnerConfig struct {
	// Lease is renewed every Lease/3 while a unit runs.
	Lease time.Duration
	// WatchInterval bounds how quickly a dismissal stops a run.
	WatchInterval time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = 2 * time.Second
	}
	return c
}

// Runner executes checked-out messages.
type Runner struct {
	workerID  string
	source    Source
	reporter  jobs.Reporter
	backends  Backends
	publisher Publisher
	logs      LogAppender
	cfg       RunnerConfig
	logger    *slog.Logger
}

// NewRunner creates a Runner acting as workerID.
func NewRunner(workerID string, source Source, reporter jobs.Reporter, backends Backends, publisher Publisher, logs LogAppender, cfg RunnerConfig, logger *slog.Logger) *Runner {
	return &Runner{
		workerID:  workerID,
		source:    source,
		reporter:  reporter,
		backends:  backends,
		publisher: publisher,
		logs:      logs,
		cfg:       cfg.withDefaults(),
		logger:    logging.OrDiscard(logger).With("component", "worker", "worker_id", workerID),
	}
}

// Process runs msg to a terminal state and acks it. It returns an error
// only when the outcome could not be recorded; the message is then left
// leased so the reaper can reclaim it.
func (r *Runner) Process(ctx context.Context, msg *queue.Message) error {
	unit := &msg.Unit
	logger := r.logger.With("job_id", msg.JobID, "backend", msg.Backend)

	if _, err := r.reporter.Report(ctx, msg.JobID, jobs.Report{
		Status:  model.JobStatusRunning,
		Message: "started by " + r.workerID,
	}); err != nil {
		if model.IsCode(err, model.ErrConflict) {
			// Dismissed or finished while queued.
			logger.Info("job no longer runnable", "error", err)
			return r.source.Ack(ctx, msg.JobID)
		}
		return fmt.Errorf("report running: %w", err)
	}
	logger.Info("job started")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := &watch{cancel: cancel}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.watch(runCtx, msg.JobID, w, logger)
	}()

	stdout := results.NewLogWriter(ctx, r.logs, msg.JobID, model.StreamStdout)
	stderr := results.NewLogWriter(ctx, r.logs, msg.JobID, model.StreamStderr)

	outcome, runErr := r.run(runCtx, unit, backend.Sink{Stdout: stdout, Stderr: stderr})
	cancel()
	wg.Wait()
	for _, lw := range []*results.LogWriter{stdout, stderr} {
		if err := lw.Close(); err != nil {
			logger.Warn("flush job log", "error", err)
		}
	}

	// The parent context may be gone; recording the outcome must not be.
	final := context.WithoutCancel(ctx)
	rep := r.settle(final, unit, outcome, runErr, w.dismissed(), ctx.Err() != nil, logger)
	system := results.NewLogWriter(final, r.logs, msg.JobID, model.StreamSystem)
	if err := system.Line(fmt.Sprintf("job %s by %s", rep.Status, r.workerID)); err != nil {
		logger.Warn("write job log", "error", err)
	}

	if _, err := r.reporter.Report(final, msg.JobID, rep); err != nil {
		if !model.IsCode(err, model.ErrConflict) {
			return fmt.Errorf("report %s: %w", rep.Status, err)
		}
		logger.Warn("terminal state already recorded", "error", err)
	}
	logger.Info("job finished", "status", rep.Status)
	return r.source.Ack(final, msg.JobID)
}

func (r *Runner) run(ctx context.Context, unit *model.ExecutionUnit, sink backend.Sink) (*backend.Outcome, error) {
	b, err := r.backends.Get(unit.Backend)
	if err != nil {
		return nil, err
	}
	return b.Run(ctx, unit, sink)
}

// settle decides the terminal report for a finished run.
func (r *Runner) settle(ctx context.Context, unit *model.ExecutionUnit, outcome *backend.Outcome, runErr error, dismissed, shutdown bool, logger *slog.Logger) jobs.Report {
	now := time.Now().UTC()
	switch {
	case dismissed:
		return jobs.Report{Status: model.JobStatusDismissed, Message: "dismissed while running"}
	case shutdown:
		return failure(jobs.ErrorWorkerLost, "worker "+r.workerID+" shut down during execution", now)
	case runErr != nil:
		code := backend.ErrorExecutionFailed
		var apiErr *model.APIError
		if errors.As(runErr, &apiErr) {
			code = string(apiErr.Code)
		}
		logger.Error("job run failed", "error", runErr)
		return failure(code, runErr.Error(), now)
	case !outcome.Succeeded():
		return jobs.Report{
			Status:      model.JobStatusFailed,
			Message:     outcome.Errors[0].Message,
			Errors:      outcome.Errors,
			RemoteJobID: outcome.RemoteJobID,
		}
	}

	refs, err := r.publisher.Publish(ctx, unit, outcome.Outputs)
	if err != nil {
		logger.Error("publish outputs", "error", err)
		return failure(backend.ErrorOutputMissing, err.Error(), now)
	}
	if refs == nil {
		refs = []model.OutputReference{}
	}
	return jobs.Report{
		Status:      model.JobStatusSucceeded,
		Progress:    100,
		Results:     refs,
		RemoteJobID: outcome.RemoteJobID,
	}
}

func failure(code, msg string, at time.Time) jobs.Report {
	return jobs.Report{
		Status:  model.JobStatusFailed,
		Message: msg,
		Errors:  []model.ErrorDetail{{Code: code, Message: msg, Timestamp: at}},
	}
}

// watch renews the lease and cancels the run once a dismissal is seen.
func (r *Runner) watch(ctx context.Context, jobID string, w *watch, logger *slog.Logger) {
	ticker := time.NewTicker(r.cfg.WatchInterval)
	defer ticker.Stop()
	renew := time.Now().Add(r.cfg.Lease / 3)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.After(renew) {
				if err := r.source.Extend(ctx, jobID, r.workerID, r.cfg.Lease); err != nil {
					logger.Warn("extend lease", "error", err)
				}
				renew = now.Add(r.cfg.Lease / 3)
			}
			dismissed, err := r.reporter.DismissRequested(ctx, jobID)
			if err != nil {
				logger.Warn("check dismissal", "error", err)
				continue
			}
			if dismissed {
				logger.Info("dismissal observed, stopping run")
				w.set()
				return
			}
		}
	}
}

type watch struct {
	cancel context.CancelFunc
	mu     sync.Mutex
	seen   bool
}

func (w *watch) set() {
	w.mu.Lock()
	w.seen = true
	w.mu.Unlock()
	w.cancel()
}

func (w *watch) dismissed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seen
}
