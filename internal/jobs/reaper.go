package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/internal/queue"
	"github.com/me/gowps/internal/store"
	"github.com/me/gowps/pkg/model"
)

// ErrorWorkerLost is recorded on running jobs whose worker stopped renewing
// its lease.
const ErrorWorkerLost = "WORKER_LOST"

// ReaperConfig holds reaper timing.
type ReaperConfig struct {
	Interval     time.Duration
	DismissGrace time.Duration
	Retention    time.Duration
}

// LeaseQueue is the part of the work queue the reaper manages.
type LeaseQueue interface {
	Expired(ctx context.Context, at time.Time) ([]*queue.Message, error)
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, jobID string) error
}

// Sweeper garbage-collects expired vault files.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// CleanupFunc removes the on-disk artifacts of a deleted job.
type CleanupFunc func(ctx context.Context, jobID string) error

// Reaper is the maintenance loop: it finishes overdue dismissals, fails jobs
// whose worker vanished, deletes jobs past retention and sweeps the vault.
type Reaper struct {
	manager  *Manager
	store    store.Store
	queue    LeaseQueue
	vault    Sweeper
	cleanups []CleanupFunc
	config   ReaperConfig
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewReaper creates a reaper. vault may be nil.
func NewReaper(m *Manager, st store.Store, q LeaseQueue, vault Sweeper, cfg ReaperConfig, logger *slog.Logger, cleanups ...CleanupFunc) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Reaper{
		manager:  m,
		store:    st,
		queue:    q,
		vault:    vault,
		cleanups: cleanups,
		config:   cfg,
		logger:   logging.OrDiscard(logger).With("component", "reaper"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the loop until ctx is cancelled or Stop is called.
func (r *Reaper) Start(ctx context.Context) error {
	r.logger.Info("reaper started", "interval", r.config.Interval)
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()
	defer close(r.doneCh)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopping (context cancelled)")
			return ctx.Err()
		case <-r.stopCh:
			r.logger.Info("reaper stopping (stop called)")
			return nil
		case <-ticker.C:
			if err := r.Tick(ctx, r.manager.now()); err != nil {
				r.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop ends the loop and waits for the current tick.
func (r *Reaper) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// Tick runs every maintenance phase once as of now.
func (r *Reaper) Tick(ctx context.Context, now time.Time) error {
	var errs []error
	if err := r.forceDismissals(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("dismissals: %w", err))
	}
	if err := r.reclaimLeases(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("leases: %w", err))
	}
	if r.config.Retention > 0 {
		if err := r.purge(ctx, now.Add(-r.config.Retention)); err != nil {
			errs = append(errs, fmt.Errorf("retention: %w", err))
		}
	}
	if r.vault != nil {
		if _, err := r.vault.Sweep(ctx, now); err != nil {
			errs = append(errs, fmt.Errorf("vault: %w", err))
		}
	}
	return errors.Join(errs...)
}

// forceDismissals records dismissed for running jobs that ignored a
// dismissal request for longer than the grace period.
func (r *Reaper) forceDismissals(ctx context.Context, now time.Time) error {
	running, err := r.store.ListJobsByStatus(ctx, model.JobStatusRunning)
	if err != nil {
		return err
	}
	for _, job := range running {
		if !job.DismissRequested || job.DismissedAt == nil || now.Sub(*job.DismissedAt) < r.config.DismissGrace {
			continue
		}
		if _, err := r.manager.Transition(ctx, job.ID, model.JobStatusDismissed, Update{
			Actor:   model.ActorSystem,
			Message: "dismissal grace period elapsed",
		}); err != nil {
			r.logger.Error("force dismissal", "job_id", job.ID, "error", err)
			continue
		}
		if err := r.queue.Ack(ctx, job.ID); err != nil {
			r.logger.Warn("ack dismissed job", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// reclaimLeases requeues jobs that never started and fails running jobs
// whose worker lease expired.
func (r *Reaper) reclaimLeases(ctx context.Context, now time.Time) error {
	expired, err := r.queue.Expired(ctx, now)
	if err != nil {
		return err
	}
	for _, msg := range expired {
		job, err := r.manager.Get(ctx, msg.JobID)
		switch {
		case model.IsCode(err, model.ErrNotFound):
			r.queue.Ack(ctx, msg.JobID)
			continue
		case err != nil:
			r.logger.Error("get job for expired lease", "job_id", msg.JobID, "error", err)
			continue
		}

		switch job.Status {
		case model.JobStatusAccepted:
			if err := r.queue.Nack(ctx, msg.JobID); err != nil {
				r.logger.Error("requeue job", "job_id", msg.JobID, "error", err)
			} else {
				r.logger.Warn("lease expired before start, job requeued", "job_id", msg.JobID, "worker_id", msg.WorkerID)
			}
			continue
		case model.JobStatusRunning:
			_, err := r.manager.Transition(ctx, job.ID, model.JobStatusFailed, Update{
				Actor:   model.ActorSystem,
				Message: "worker lost",
				Errors: []model.ErrorDetail{{
					Code:      ErrorWorkerLost,
					Message:   fmt.Sprintf("worker %s stopped renewing its lease", msg.WorkerID),
					Timestamp: now,
				}},
			})
			if err != nil {
				r.logger.Error("fail lost job", "job_id", job.ID, "error", err)
				continue
			}
			r.logger.Warn("job failed, worker lost", "job_id", job.ID, "worker_id", msg.WorkerID)
		}
		if err := r.queue.Ack(ctx, msg.JobID); err != nil {
			r.logger.Warn("ack expired lease", "job_id", msg.JobID, "error", err)
		}
	}
	return nil
}

// purge deletes terminal jobs that finished before cutoff.
func (r *Reaper) purge(ctx context.Context, cutoff time.Time) error {
	old, err := r.store.ListJobsFinishedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, job := range old {
		for _, clean := range r.cleanups {
			if err := clean(ctx, job.ID); err != nil {
				r.logger.Warn("clean job artifacts", "job_id", job.ID, "error", err)
			}
		}
		if err := r.store.DeleteJob(ctx, job.ID); err != nil {
			r.logger.Error("delete expired job", "job_id", job.ID, "error", err)
			continue
		}
		r.logger.Info("job purged", "job_id", job.ID, "finished_at", job.FinishedAt)
	}
	return nil
}
