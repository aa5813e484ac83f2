// Package jobs is the authoritative job lifecycle: every status change goes
// through Manager.Transition and is recorded as an immutable StatusEvent.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/internal/store"
	"github.com/me/gowps/pkg/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Update carries everything a transition may record besides the new status.
// Progress values lower than the recorded one are ignored.
type Update struct {
	Actor       model.Actor
	Progress    int
	Message     string
	Errors      []model.ErrorDetail
	Results     []model.OutputReference
	WorkerID    string
	RemoteJobID string
}

// Dequeuer removes a job's pending execution unit from the work queue.
type Dequeuer interface {
	Ack(ctx context.Context, jobID string) error
}

// Manager applies job transitions against the store.
type Manager struct {
	store        store.Store
	queue        Dequeuer
	logger       *slog.Logger
	metrics      *metrics
	now          func() time.Time
	pollInterval time.Duration

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithQueue lets dismissal of accepted jobs drop their queue message.
func WithQueue(q Dequeuer) Option {
	return func(m *Manager) { m.queue = q }
}

// WithMeterProvider exports transition counters through mp instead of the
// global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(m *Manager) { m.metrics = newMetrics(mp) }
}

// WithPollInterval sets how often Wait re-reads the store. Transitions
// recorded by other processes are only seen through polling.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager.
func NewManager(st store.Store, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:        st,
		logger:       logging.OrDiscard(logger).With("component", "jobs"),
		now:          func() time.Time { return time.Now().UTC() },
		pollInterval: time.Second,
		waiters:      make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = newMetrics(otel.GetMeterProvider())
	}
	return m
}

// Create records a new accepted job with its first event.
func (m *Manager) Create(ctx context.Context, job *model.Job, actor model.Actor) error {
	now := m.now()
	job.Status = model.JobStatusAccepted
	job.CreatedAt = now
	job.UpdatedAt = now
	err := m.store.CreateJob(ctx, job, &model.StatusEvent{
		JobID:     job.ID,
		To:        model.JobStatusAccepted,
		Actor:     actor,
		Message:   job.Message,
		Timestamp: now,
	})
	if err != nil {
		return err
	}
	m.metrics.transition(ctx, "", model.JobStatusAccepted, actor)
	m.logger.Info("job accepted", "job_id", job.ID, "process_id", job.ProcessID, "version", job.ProcessVersion)
	return nil
}

// Get reads a job from the store.
func (m *Manager) Get(ctx context.Context, id string) (*model.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, model.NewNotFoundError("Job", id)
	}
	return job, nil
}

// List returns the jobs visible under opts.
func (m *Manager) List(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error) {
	return m.store.ListJobs(ctx, opts)
}

// History returns a job's recorded transitions in order.
func (m *Manager) History(ctx context.Context, id string) ([]model.StatusEvent, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListJobEvents(ctx, id)
}

// Transition moves a job to status to. Moving to the current status records
// progress and message without an event. Terminal jobs reject any change.
func (m *Manager) Transition(ctx context.Context, id string, to model.JobStatus, u Update) (*model.Job, error) {
	var from model.JobStatus
	changed := false
	job, err := m.store.MutateJob(ctx, id, func(job *model.Job) (*model.StatusEvent, error) {
		from = job.Status
		if from.IsTerminal() {
			if from == to {
				return nil, nil
			}
			return nil, model.NewConflictError("job '%s' is already %s", id, from)
		}
		if !u.Actor.MayTransition(to) {
			return nil, model.NewAuthorizationError("actor " + string(u.Actor) + " may not move a job to " + string(to))
		}
		if from != to && !from.CanTransitionTo(to) {
			tErr := &model.InvalidTransitionError{Entity: "job", ID: id, From: string(from), To: string(to)}
			return nil, model.NewConflictError("%s", tErr.Error())
		}

		now := m.now()
		m.apply(job, u, now)
		if from == to {
			return nil, nil
		}

		changed = true
		job.Status = to
		switch {
		case to == model.JobStatusRunning:
			job.StartedAt = &now
		case to.IsTerminal():
			job.FinishedAt = &now
			if to == model.JobStatusSucceeded {
				job.Progress = 100
			}
		}
		return &model.StatusEvent{
			From:      from,
			To:        to,
			Progress:  job.Progress,
			Actor:     u.Actor,
			Message:   u.Message,
			Timestamp: now,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.metrics.transition(ctx, from, to, u.Actor)
		m.logger.Info("job transition", "job_id", id, "from", from, "to", to, "actor", u.Actor)
		if to.IsTerminal() {
			m.notify(id)
		}
	}
	return job, nil
}

func (m *Manager) apply(job *model.Job, u Update, now time.Time) {
	if u.Progress > job.Progress {
		job.Progress = min(u.Progress, 100)
	}
	if u.Message != "" {
		job.Message = u.Message
	}
	if len(u.Errors) > 0 {
		job.Errors = append(job.Errors, u.Errors...)
	}
	if u.Results != nil {
		job.Results = u.Results
	}
	if u.WorkerID != "" {
		job.WorkerID = u.WorkerID
	}
	if u.RemoteJobID != "" {
		job.RemoteJobID = u.RemoteJobID
	}
	job.UpdatedAt = now
}

// Dismiss requests cancellation on behalf of caller. Accepted jobs are
// dismissed at once; running jobs are flagged and the executor records the
// final state; terminal jobs are returned unchanged.
func (m *Manager) Dismiss(ctx context.Context, id string, caller model.Caller) (*model.Job, error) {
	job, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.VisibleTo(caller.User, caller.Admin) {
		return nil, model.NewNotFoundError("Job", id)
	}
	if !caller.CanModify(job.Owner) {
		return nil, model.NewAuthorizationError("only the job owner or an administrator may dismiss it")
	}

	actor := model.ActorClient
	if caller == SystemCaller {
		actor = model.ActorSystem
	}

	dismissed := false
	job, err = m.store.MutateJob(ctx, id, func(job *model.Job) (*model.StatusEvent, error) {
		now := m.now()
		switch job.Status {
		case model.JobStatusAccepted:
			dismissed = true
			job.Status = model.JobStatusDismissed
			job.DismissRequested = true
			job.DismissedAt = &now
			job.FinishedAt = &now
			job.UpdatedAt = now
			return &model.StatusEvent{
				From: model.JobStatusAccepted, To: model.JobStatusDismissed,
				Progress: job.Progress, Actor: actor, Message: "dismissed before start", Timestamp: now,
			}, nil
		case model.JobStatusRunning:
			if !job.DismissRequested {
				job.DismissRequested = true
				job.DismissedAt = &now
				job.UpdatedAt = now
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	if dismissed {
		m.metrics.transition(ctx, model.JobStatusAccepted, model.JobStatusDismissed, actor)
		if m.queue != nil {
			if err := m.queue.Ack(ctx, id); err != nil {
				m.logger.Warn("drop queued job", "job_id", id, "error", err)
			}
		}
		m.notify(id)
		m.logger.Info("job dismissed", "job_id", id, "by", caller.User)
	} else if job.Status == model.JobStatusRunning {
		m.logger.Info("job dismissal requested", "job_id", id, "by", caller.User)
	}
	return job, nil
}

// Wait blocks until the job is terminal or ctx ends. On ctx expiry it
// returns ctx's error; callers wanting the current state call Get.
func (m *Manager) Wait(ctx context.Context, id string) (*model.Job, error) {
	ch := m.subscribe(id)
	defer m.unsubscribe(id, ch)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		job, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		case <-ticker.C:
		}
	}
}

// WaitTimeout waits up to d and then returns the job as it stands.
func (m *Manager) WaitTimeout(ctx context.Context, id string, d time.Duration) (*model.Job, error) {
	wctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	job, err := m.Wait(wctx, id)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return m.Get(ctx, id)
	}
	return job, err
}

func (m *Manager) subscribe(id string) chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.waiters[id] = append(m.waiters[id], ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) unsubscribe(id string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.waiters, id)
	} else {
		m.waiters[id] = list
	}
}

func (m *Manager) notify(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.waiters[id] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// SystemCaller is the identity used by maintenance paths such as the
// reaper and forced undeploy.
var SystemCaller = model.Caller{User: "system", Admin: true}
