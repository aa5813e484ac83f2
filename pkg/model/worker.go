package model

import "time"

// Worker represents a process that pulls execution units from the queue.
type Worker struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Hostname     string            `json:"hostname"`
	State        WorkerState       `json:"state"`
	Backends     []BackendKind     `json:"backends"`
	Labels       map[string]string `json:"labels,omitempty"`
	LastSeen     time.Time         `json:"last_seen"`
	CurrentJob   string            `json:"current_job,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// Supports reports whether the worker can run the given backend.
func (w *Worker) Supports(b BackendKind) bool {
	for _, k := range w.Backends {
		if k == b {
			return true
		}
	}
	return false
}

// WorkerState represents the lifecycle state of a Worker.
type WorkerState string

const (
	WorkerStateOnline   WorkerState = "online"
	WorkerStateOffline  WorkerState = "offline"
	WorkerStateDraining WorkerState = "draining"
)

// ValidWorkerTransitions defines the allowed state transitions for Workers.
var ValidWorkerTransitions = map[WorkerState][]WorkerState{
	WorkerStateOnline:   {WorkerStateOffline, WorkerStateDraining},
	WorkerStateDraining: {WorkerStateOffline},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s WorkerState) CanTransitionTo(next WorkerState) bool {
	for _, allowed := range ValidWorkerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
