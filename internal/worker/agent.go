package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/pkg/model"
)

// AgentConfig holds the settings of a remote worker process.
type AgentConfig struct {
	Name      string
	Hostname  string
	Backends  []model.BackendKind
	Labels    map[string]string
	Poll      time.Duration
	Heartbeat time.Duration
	Runner    RunnerConfig
}

// Agent is a worker on another host: it registers over HTTP, polls for
// work and runs each unit with a Runner backed by the same Client.
type Agent struct {
	client   *Client
	backends Backends
	cfg      AgentConfig
	logger   *slog.Logger
}

// NewAgent creates an Agent.
func NewAgent(client *Client, backends Backends, cfg AgentConfig, logger *slog.Logger) *Agent {
	if cfg.Poll <= 0 {
		cfg.Poll = 5 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	cfg.Runner = cfg.Runner.withDefaults()
	return &Agent{
		client:   client,
		backends: backends,
		cfg:      cfg,
		logger:   logging.OrDiscard(logger).With("component", "worker"),
	}
}

// Run registers with the server, then polls for work until ctx is
// cancelled. Heartbeats run in their own goroutine so they continue during
// long jobs.
func (a *Agent) Run(ctx context.Context) error {
	w, err := a.client.Register(ctx, RegisterRequest{
		Name:     a.cfg.Name,
		Hostname: a.cfg.Hostname,
		Backends: a.cfg.Backends,
		Labels:   a.cfg.Labels,
	})
	if err != nil {
		return err
	}
	a.logger.Info("registered with server", "worker_id", w.ID, "name", w.Name, "backends", w.Backends)

	runner := NewRunner(w.ID, a.client, a.client, a.backends, a.client, a.client, a.cfg.Runner, a.logger)

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		a.heartbeatLoop(ctx)
	}()
	a.taskLoop(ctx, runner)
	<-hbDone

	a.logger.Info("shutting down, deregistering")
	deregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Deregister(deregCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.client.Heartbeat(ctx); err != nil {
				a.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (a *Agent) taskLoop(ctx context.Context, runner *Runner) {
	ticker := time.NewTicker(a.cfg.Poll)
	defer ticker.Stop()
	for {
		msg, err := a.client.Checkout(ctx, a.client.WorkerID(), a.cfg.Backends, a.cfg.Runner.Lease)
		switch {
		case err != nil && ctx.Err() == nil:
			a.logger.Error("poll error", "error", err)
		case msg != nil:
			a.logger.Info("job received", "job_id", msg.JobID, "backend", msg.Backend)
			if err := runner.Process(ctx, msg); err != nil {
				a.logger.Error("job execution failed", "job_id", msg.JobID, "error", err)
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
