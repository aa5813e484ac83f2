// Package dispatch turns execute requests into accepted, queued jobs.
// Nothing is executed on the request path: a job is validated, its inputs
// staged, its execution unit enqueued, and sync callers wait on the job
// state machine.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/me/gowps/internal/jobs"
	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/internal/queue"
	"github.com/me/gowps/internal/staging"
	"github.com/me/gowps/pkg/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/me/gowps/internal/dispatch"

// Processes describes deployed processes.
type Processes interface {
	Describe(ctx context.Context, id, version string, caller model.Caller) (*model.Process, error)
}

// Stager copies inputs into a job's work directory.
type Stager interface {
	Stage(ctx context.Context, req staging.Request) (*staging.Result, error)
	WorkDir(jobID string) string
	Cleanup(jobID string) error
}

// Jobs is the part of the job state machine the dispatcher drives.
type Jobs interface {
	Create(ctx context.Context, job *model.Job, actor model.Actor) error
	Get(ctx context.Context, id string) (*model.Job, error)
	Dismiss(ctx context.Context, id string, caller model.Caller) (*model.Job, error)
	WaitTimeout(ctx context.Context, id string, d time.Duration) (*model.Job, error)
}

// VaultClaimer takes ownership of vault files for a job.
type VaultClaimer interface {
	Claim(ctx context.Context, id, token, jobID string) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithVault lets jobs that declare vault ownership consume their vault
// inputs once queued.
func WithVault(v VaultClaimer) Option {
	return func(d *Dispatcher) { d.vault = v }
}

// Config holds dispatcher settings.
type Config struct {
	// SyncTimeout bounds how long a sync request waits for its job.
	SyncTimeout time.Duration
	// DefaultVisibility applies when a request sets none.
	DefaultVisibility model.Visibility
}

// Dispatcher implements Submit.
type Dispatcher struct {
	processes Processes
	stager    Stager
	jobs      Jobs
	queue     queue.Queue
	vault     VaultClaimer
	cfg       Config
	tracer    trace.Tracer
	logger    *slog.Logger
	newID     func() string
}

// New creates a Dispatcher.
func New(processes Processes, stager Stager, jobs Jobs, q queue.Queue, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 30 * time.Second
	}
	if cfg.DefaultVisibility == "" {
		cfg.DefaultVisibility = model.VisibilityPublic
	}
	d := &Dispatcher{
		processes: processes,
		stager:    stager,
		jobs:      jobs,
		queue:     q,
		cfg:       cfg,
		tracer:    otel.Tracer(tracerName),
		logger:    logging.OrDiscard(logger).With("component", "dispatch"),
		newID:     func() string { return "job_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit validates req, stages its inputs and enqueues the job. Async
// requests return the accepted job; sync requests wait up to SyncTimeout
// and return the job as it stands. Errors before the job is persisted
// leave nothing behind.
func (d *Dispatcher) Submit(ctx context.Context, req model.ExecuteRequest, caller model.Caller) (*model.Job, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.Submit",
		trace.WithAttributes(attribute.String("process.id", req.ProcessID)))
	defer span.End()

	job, err := d.submit(ctx, req, caller)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(model.CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(attribute.String("job.id", job.ID), attribute.String("job.status", string(job.Status)))
	return job, nil
}

func (d *Dispatcher) submit(ctx context.Context, req model.ExecuteRequest, caller model.Caller) (*model.Job, error) {
	proc, err := d.processes.Describe(ctx, req.ProcessID, req.Version, caller)
	if err != nil {
		return nil, err
	}

	mode := req.Mode
	if mode == "" {
		mode = model.ModeAsync
	}
	visibility := req.Visibility
	if visibility == "" {
		visibility = d.cfg.DefaultVisibility
	}

	var details []model.FieldError
	if mode != model.ModeAsync && mode != model.ModeSync {
		details = append(details, model.FieldError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", mode)})
	}
	if !visibility.IsValid() {
		details = append(details, model.FieldError{Field: "visibility", Message: fmt.Sprintf("unknown visibility %q", visibility)})
	}
	details = append(details, validateInputs(proc, req.Inputs)...)
	outputs, outErrs := resolveOutputs(proc, req.Outputs)
	details = append(details, outErrs...)
	if len(details) > 0 {
		return nil, model.NewValidationError("invalid execute request", details...)
	}

	job := &model.Job{
		ID:             d.newID(),
		ProcessID:      proc.ID,
		ProcessVersion: proc.Version,
		Outputs:        outputs,
		Mode:           mode,
		Owner:          caller.User,
		Visibility:     visibility,
		Backend:        proc.Backend,
	}
	unit := model.ExecutionUnit{
		JobID:          job.ID,
		ProcessID:      proc.ID,
		ProcessVersion: proc.Version,
		Backend:        proc.Backend,
		CWL:            proc.Package.CWL,
		DockerImage:    proc.DockerImage,
		Outputs:        outputs,
		OutputParams:   proc.Outputs,
		Remote:         proc.Remote,
	}

	var vaultFiles []staging.VaultRef
	if proc.Backend == model.BackendRemote {
		unit.RemoteInputs = remoteInputs(proc, req.Inputs)
		unit.WorkDir = d.stager.WorkDir(job.ID)
		job.Inputs = recordedInputs(req.Inputs)
	} else {
		staged, err := d.stage(ctx, job.ID, proc, req)
		if err != nil {
			return nil, err
		}
		job.Inputs = staged.Inputs
		vaultFiles = staged.VaultFiles
		unit.JobOrder = staged.JobOrder
		unit.WorkDir = staged.WorkDir
		unit.OutputDir = staged.OutputDir
	}

	if err := d.jobs.Create(ctx, job, model.ActorClient); err != nil {
		d.cleanup(job.ID)
		return nil, err
	}
	if err := d.queue.Enqueue(ctx, &queue.Message{JobID: job.ID, Backend: proc.Backend, Unit: unit}); err != nil {
		// The job exists but will never run; end it so it is not left accepted.
		if _, derr := d.jobs.Dismiss(context.WithoutCancel(ctx), job.ID, jobs.SystemCaller); derr != nil {
			d.logger.Error("dismiss unqueued job", "job_id", job.ID, "error", derr)
		}
		d.cleanup(job.ID)
		return nil, &model.APIError{Code: model.ErrInternal, Message: fmt.Sprintf("enqueue job: %v", err)}
	}
	if req.VaultOwnership {
		d.claim(context.WithoutCancel(ctx), job.ID, vaultFiles)
	}
	d.logger.Info("job submitted", "job_id", job.ID, "process_id", proc.ID, "version", proc.Version,
		"backend", proc.Backend, "mode", mode)

	if mode == model.ModeSync {
		wait := d.cfg.SyncTimeout
		if req.Wait > 0 {
			wait = req.Wait
		}
		current, err := d.jobs.WaitTimeout(ctx, job.ID, wait)
		if err != nil && ctx.Err() != nil {
			// The caller left; the job is queued and keeps running.
			return d.jobs.Get(context.WithoutCancel(ctx), job.ID)
		}
		return current, err
	}
	return job, nil
}

func (d *Dispatcher) stage(ctx context.Context, jobID string, proc *model.Process, req model.ExecuteRequest) (*staging.Result, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.Stage", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()
	res, err := d.stager.Stage(ctx, staging.Request{
		JobID:  jobID,
		Params: proc.Inputs,
		Inputs: req.Inputs,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "staging failed")
		return nil, err
	}
	return res, nil
}

// claim consumes the vault files of a queued job. The job already holds
// its own copies, so a failed claim only leaves the file to the sweeper.
func (d *Dispatcher) claim(ctx context.Context, jobID string, files []staging.VaultRef) {
	if d.vault == nil {
		return
	}
	for _, f := range files {
		if err := d.vault.Claim(ctx, f.ID, f.Token, jobID); err != nil {
			d.logger.Warn("claim vault file", "job_id", jobID, "vault_id", f.ID, "error", err)
		}
	}
}

func (d *Dispatcher) cleanup(jobID string) {
	if err := d.stager.Cleanup(jobID); err != nil {
		d.logger.Warn("cleanup job dir", "job_id", jobID, "error", err)
	}
}

// recordedInputs keeps what a remote job was given, without vault tokens.
func recordedInputs(inputs map[string]model.InputList) map[string][]model.InputValue {
	out := make(map[string][]model.InputValue, len(inputs))
	for id, refs := range inputs {
		values := make([]model.InputValue, len(refs))
		for i, ref := range refs {
			if ref.IsReference() {
				values[i] = model.InputValue{Source: ref.Href, MediaType: ref.MediaType}
			} else {
				values[i] = model.InputValue{Value: ref.Value}
			}
		}
		out[id] = values
	}
	return out
}
