package store

import (
	"context"
	"time"

	"github.com/me/gowps/pkg/model"
)

// JobMutation mutates a job inside a transaction and returns the status event
// to append, or nil when the status did not change. Returning an error aborts
// the transaction.
type JobMutation func(job *model.Job) (*model.StatusEvent, error)

// QueueMessage is a durable work-queue entry.
type QueueMessage struct {
	ID         int64
	JobID      string
	Backend    model.BackendKind
	Payload    []byte
	Attempts   int
	WorkerID   string
	LeaseUntil *time.Time
	CreatedAt  time.Time
}

// Store defines the persistence layer for GoWPS entities.
type Store interface {
	// Processes. Every version is its own row; the latest has the highest revision.
	CreateProcess(ctx context.Context, p *model.Process) error
	GetProcess(ctx context.Context, id, version string) (*model.Process, error)
	ListProcesses(ctx context.Context, opts model.ListOptions) ([]*model.Process, int, error)
	ListProcessVersions(ctx context.Context, id string) ([]*model.Process, error)
	SetProcessVisibility(ctx context.Context, id string, v model.Visibility, at time.Time) error
	DeleteProcess(ctx context.Context, id string) error

	// Jobs
	CreateJob(ctx context.Context, job *model.Job, first *model.StatusEvent) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error)
	ListJobsByStatus(ctx context.Context, statuses ...model.JobStatus) ([]*model.Job, error)
	CountActiveJobs(ctx context.Context, processID string) (int, error)
	MutateJob(ctx context.Context, id string, fn JobMutation) (*model.Job, error)
	ListJobEvents(ctx context.Context, id string) ([]model.StatusEvent, error)
	DeleteJob(ctx context.Context, id string) error
	ListJobsFinishedBefore(ctx context.Context, before time.Time) ([]*model.Job, error)

	// Logs
	AppendLogs(ctx context.Context, jobID string, lines []model.LogLine) error
	ListLogs(ctx context.Context, jobID string, after int64, limit int) ([]model.LogLine, error)

	// Vault metadata
	CreateVaultFile(ctx context.Context, f *model.VaultFile) error
	GetVaultFile(ctx context.Context, id string) (*model.VaultFile, error)
	ConsumeVaultFile(ctx context.Context, id, jobID string, at time.Time) (bool, error)
	DeleteVaultFile(ctx context.Context, id string) error
	ListVaultFilesExpiredBefore(ctx context.Context, at time.Time) ([]*model.VaultFile, error)
	VaultUsage(ctx context.Context) (int64, error)

	// Work queue
	Enqueue(ctx context.Context, msg *QueueMessage) error
	Checkout(ctx context.Context, workerID string, backends []model.BackendKind, lease time.Duration) (*QueueMessage, error)
	ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error
	Ack(ctx context.Context, jobID string) error
	Requeue(ctx context.Context, jobID string) error
	ListExpiredLeases(ctx context.Context, at time.Time) ([]*QueueMessage, error)

	// Workers
	CreateWorker(ctx context.Context, w *model.Worker) error
	GetWorker(ctx context.Context, id string) (*model.Worker, error)
	UpdateWorker(ctx context.Context, w *model.Worker) error
	DeleteWorker(ctx context.Context, id string) error
	ListWorkers(ctx context.Context) ([]*model.Worker, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
