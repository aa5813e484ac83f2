package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/me/gowps/internal/jobs"
	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/pkg/model"
)

// ErrorRemoteFailed is recorded when the remote service reports failure.
const ErrorRemoteFailed = "REMOTE_FAILED"

// Relay records remote observations on the local job.
// *jobs.RelayReporter satisfies it.
type Relay interface {
	ReportRemote(ctx context.Context, jobID, remoteStatus string, rep jobs.Report) (*model.Job, error)
}

// Config holds polling and retry bounds.
type Config struct {
	PollInterval   time.Duration
	RequestTimeout time.Duration
	// RetryInterval is the first backoff delay after a transient failure.
	RetryInterval time.Duration
	MaxRetries    int
	MaxElapsed    time.Duration
}

// Result is the terminal outcome observed on the remote service.
type Result struct {
	RemoteJobID string
	Status      model.JobStatus
	Message     string
	Outputs     map[string]any
	Errors      []model.ErrorDetail
}

// Adapter submits execution units to remote services and follows them to
// a terminal state.
type Adapter struct {
	providers Factory
	relay     Relay
	config    Config
	logger    *slog.Logger
}

// NewAdapter creates an Adapter.
func NewAdapter(providers Factory, relay Relay, cfg Config, logger *slog.Logger) *Adapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 5 * time.Minute
	}
	return &Adapter{
		providers: providers,
		relay:     relay,
		config:    cfg,
		logger:    logging.OrDiscard(logger).With("component", "remote"),
	}
}

// Run submits unit and polls until the remote job ends. Non-terminal
// observations are relayed as they arrive; the terminal one is returned.
// When ctx is cancelled the remote job is dismissed and ctx's error is
// returned. Remote logs are copied to logs once the job ends.
func (a *Adapter) Run(ctx context.Context, unit *model.ExecutionUnit, logs io.Writer) (*Result, error) {
	if unit.Remote == nil {
		return nil, fmt.Errorf("job %s has no remote reference", unit.JobID)
	}
	prov, err := a.providers(unit.Remote)
	if err != nil {
		return nil, err
	}
	logger := a.logger.With("job_id", unit.JobID, "endpoint", unit.Remote.Endpoint)

	sub := Submission{
		JobID:     unit.JobID,
		ProcessID: unit.Remote.ProcessID,
		Inputs:    unit.RemoteInputs,
		Outputs:   unit.Outputs,
	}
	var remoteID string
	err = a.retry(ctx, logger, "submit", func(rctx context.Context) error {
		var err error
		remoteID, err = prov.Submit(rctx, sub)
		return err
	})
	if err != nil {
		return nil, err
	}
	if _, err := a.relay.ReportRemote(ctx, unit.JobID, "running", jobs.Report{
		RemoteJobID: remoteID,
		Message:     "submitted to remote service",
	}); err != nil {
		logger.Warn("relay submission", "error", err)
	}

	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.dismiss(prov, logger, remoteID)
			return nil, ctx.Err()
		case <-ticker.C:
		}

		var st Status
		err := a.retry(ctx, logger, "status", func(rctx context.Context) error {
			var err error
			st, err = prov.Status(rctx, remoteID)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return nil, err
		}

		state, known := jobs.MapRemoteStatus(st.State)
		if !known || !state.IsTerminal() {
			if _, err := a.relay.ReportRemote(ctx, unit.JobID, st.State, jobs.Report{
				Progress: st.Progress,
				Message:  st.Message,
			}); err != nil {
				logger.Warn("relay status", "remote_status", st.State, "error", err)
			}
			continue
		}

		res := &Result{RemoteJobID: remoteID, Status: state, Message: st.Message}
		switch state {
		case model.JobStatusSucceeded:
			err := a.retry(ctx, logger, "results", func(rctx context.Context) error {
				var err error
				res.Outputs, err = prov.Results(rctx, remoteID)
				return err
			})
			if err != nil {
				return nil, err
			}
		case model.JobStatusFailed:
			msg := st.Message
			if msg == "" {
				msg = "remote job " + remoteID + " failed"
			}
			res.Errors = []model.ErrorDetail{{
				Code:      ErrorRemoteFailed,
				Message:   msg,
				Timestamp: time.Now().UTC(),
			}}
		}
		a.copyLogs(ctx, prov, logger, remoteID, logs)
		logger.Info("remote job finished", "remote_job_id", remoteID, "status", state)
		return res, nil
	}
}

// dismiss forwards a local dismissal. It runs on a fresh context because
// the job's context is already done.
func (a *Adapter) dismiss(prov Provider, logger *slog.Logger, remoteID string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.RequestTimeout)
	defer cancel()
	if err := prov.Dismiss(ctx, remoteID); err != nil {
		logger.Warn("forward dismissal", "remote_job_id", remoteID, "error", err)
		return
	}
	logger.Info("remote job dismissed", "remote_job_id", remoteID)
}

func (a *Adapter) copyLogs(ctx context.Context, prov Provider, logger *slog.Logger, remoteID string, w io.Writer) {
	if w == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, a.config.RequestTimeout)
	defer cancel()
	text, err := prov.Logs(rctx, remoteID)
	if err != nil {
		logger.Debug("remote logs unavailable", "remote_job_id", remoteID, "error", err)
		return
	}
	if text != "" {
		io.WriteString(w, text)
	}
}

// retry runs fn with exponential backoff while it fails transiently.
// Exhausting the retry budget yields a REMOTE_UNAVAILABLE error.
func (a *Adapter) retry(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = a.config.RetryInterval
	exp.MaxElapsedTime = a.config.MaxElapsed
	var policy backoff.BackOff = exp
	if a.config.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(exp, uint64(a.config.MaxRetries))
	}

	err := backoff.RetryNotify(func() error {
		rctx, cancel := context.WithTimeout(ctx, a.config.RequestTimeout)
		defer cancel()
		err := fn(rctx)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		logger.Warn("remote call failed, retrying", "op", op, "retry_in", next, "error", err)
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case IsTransient(err):
		return &model.APIError{
			Code:    model.ErrRemoteUnavailable,
			Message: fmt.Sprintf("remote %s failed after retries: %v", op, err),
		}
	}
	return fmt.Errorf("remote %s: %w", op, err)
}
