package jobs

import (
	"context"
	"strings"

	"github.com/me/gowps/pkg/model"
)

// Report is one status observation from whoever executes a job.
type Report struct {
	Status      model.JobStatus         `json:"status"`
	Progress    int                     `json:"progress,omitempty"`
	Message     string                  `json:"message,omitempty"`
	Errors      []model.ErrorDetail     `json:"errors,omitempty"`
	Results     []model.OutputReference `json:"results,omitempty"`
	RemoteJobID string                  `json:"remote_job_id,omitempty"`
}

// Reporter feeds execution state back into the lifecycle.
type Reporter interface {
	Report(ctx context.Context, jobID string, r Report) (*model.Job, error)
	// DismissRequested reports whether a client asked to stop the job.
	DismissRequested(ctx context.Context, jobID string) (bool, error)
}

// LocalReporter records transitions made by a worker.
type LocalReporter struct {
	manager  *Manager
	workerID string
}

var _ Reporter = (*LocalReporter)(nil)

// NewLocalReporter creates a reporter acting as workerID.
func NewLocalReporter(m *Manager, workerID string) *LocalReporter {
	return &LocalReporter{manager: m, workerID: workerID}
}

func (r *LocalReporter) Report(ctx context.Context, jobID string, rep Report) (*model.Job, error) {
	return r.manager.Transition(ctx, jobID, rep.Status, Update{
		Actor:       model.ActorWorker,
		Progress:    rep.Progress,
		Message:     rep.Message,
		Errors:      rep.Errors,
		Results:     rep.Results,
		WorkerID:    r.workerID,
		RemoteJobID: rep.RemoteJobID,
	})
}

func (r *LocalReporter) DismissRequested(ctx context.Context, jobID string) (bool, error) {
	return dismissRequested(ctx, r.manager, jobID)
}

// RelayReporter records transitions observed on a remote execution service.
// Remote services may skip states between polls; a job seen finished while
// still accepted locally gets the missing running transition first.
type RelayReporter struct {
	manager *Manager
}

var _ Reporter = (*RelayReporter)(nil)

// NewRelayReporter creates a relay reporter.
func NewRelayReporter(m *Manager) *RelayReporter {
	return &RelayReporter{manager: m}
}

func (r *RelayReporter) Report(ctx context.Context, jobID string, rep Report) (*model.Job, error) {
	u := Update{
		Actor:       model.ActorRelay,
		Progress:    rep.Progress,
		Message:     rep.Message,
		Errors:      rep.Errors,
		Results:     rep.Results,
		RemoteJobID: rep.RemoteJobID,
	}
	job, err := r.manager.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	to := rep.Status
	if to == model.JobStatusAccepted {
		// Remote queues report "accepted" after the local job started.
		to = job.Status
	}
	if to.IsTerminal() && to != model.JobStatusDismissed && job.Status == model.JobStatusAccepted {
		if _, err := r.manager.Transition(ctx, jobID, model.JobStatusRunning, Update{
			Actor:       model.ActorRelay,
			Message:     "observed on remote service",
			RemoteJobID: rep.RemoteJobID,
		}); err != nil {
			return nil, err
		}
	}
	return r.manager.Transition(ctx, jobID, to, u)
}

func (r *RelayReporter) DismissRequested(ctx context.Context, jobID string) (bool, error) {
	return dismissRequested(ctx, r.manager, jobID)
}

// ReportRemote maps a remote status word and reports it. Unknown words are
// recorded as a progress message on the current state.
func (r *RelayReporter) ReportRemote(ctx context.Context, jobID, remoteStatus string, rep Report) (*model.Job, error) {
	status, ok := MapRemoteStatus(remoteStatus)
	if !ok {
		job, err := r.manager.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		status = job.Status
		if rep.Message == "" {
			rep.Message = "remote status: " + remoteStatus
		}
	}
	rep.Status = status
	return r.Report(ctx, jobID, rep)
}

// MapRemoteStatus translates the status vocabularies of OGC API Processes
// and AppService task queries into job states.
func MapRemoteStatus(s string) (model.JobStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accepted", "queued", "pending", "init", "submitted":
		return model.JobStatusAccepted, true
	case "running", "in-progress", "in_progress", "suspended":
		return model.JobStatusRunning, true
	case "successful", "succeeded", "completed", "complete", "done":
		return model.JobStatusSucceeded, true
	case "failed", "error", "failure":
		return model.JobStatusFailed, true
	case "dismissed", "deleted", "killed", "cancelled", "canceled":
		return model.JobStatusDismissed, true
	}
	return "", false
}

func dismissRequested(ctx context.Context, m *Manager, jobID string) (bool, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.DismissRequested || job.Status == model.JobStatusDismissed, nil
}
