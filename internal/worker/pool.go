package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/internal/queue"
	"github.com/me/gowps/pkg/model"
	"golang.org/x/sync/errgroup"
)

// Checkouter hands out queued messages.
type Checkouter interface {
	Checkout(ctx context.Context, workerID string, backends []model.BackendKind, lease time.Duration) (*queue.Message, error)
}

// PoolConfig holds pool settings.
type PoolConfig struct {
	Size     int
	Poll     time.Duration
	Backends []model.BackendKind
	Lease    time.Duration
}

// Pool runs Size workers against an in-process queue. Each worker runs one
// job at a time.
type Pool struct {
	queue  Checkouter
	newRun func(workerID string) *Runner
	cfg    PoolConfig
	logger *slog.Logger
}

// NewPool creates a Pool. newRunner builds the Runner for each worker ID.
func NewPool(q Checkouter, newRunner func(workerID string) *Runner, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	return &Pool{
		queue:  q,
		newRun: newRunner,
		cfg:    cfg,
		logger: logging.OrDiscard(logger).With("component", "worker-pool"),
	}
}

// Run blocks until ctx is cancelled and every running job has been
// settled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "size", p.cfg.Size, "backends", p.cfg.Backends)
	g, ctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Size {
		id := fmt.Sprintf("local-%d", i+1)
		runner := p.newRun(id)
		g.Go(func() error {
			p.loop(ctx, id, runner)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, id string, runner *Runner) {
	ticker := time.NewTicker(p.cfg.Poll)
	defer ticker.Stop()
	for {
		// Drain the queue before waiting for the next tick.
		for ctx.Err() == nil {
			msg, err := p.queue.Checkout(ctx, id, p.cfg.Backends, p.cfg.Lease)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("checkout", "worker_id", id, "error", err)
				}
				break
			}
			if msg == nil {
				break
			}
			if err := runner.Process(ctx, msg); err != nil {
				p.logger.Error("process job", "worker_id", id, "job_id", msg.JobID, "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
