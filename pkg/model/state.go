package model

// JobStatus represents the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusAccepted  JobStatus = "accepted"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDismissed JobStatus = "dismissed"
)

// String returns the string representation of the job status.
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the job is in a final state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusDismissed:
		return true
	}
	return false
}

// IsValid reports whether s is one of the known job states.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusAccepted, JobStatusRunning, JobStatusSucceeded, JobStatusFailed, JobStatusDismissed:
		return true
	}
	return false
}

// ValidJobTransitions defines the allowed state transitions for Jobs.
var ValidJobTransitions = map[JobStatus][]JobStatus{
	JobStatusAccepted: {JobStatusRunning, JobStatusDismissed},
	JobStatusRunning:  {JobStatusSucceeded, JobStatusFailed, JobStatusDismissed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Actor identifies who recorded a job transition.
type Actor string

const (
	ActorWorker Actor = "worker" // the worker executing the job
	ActorRelay  Actor = "relay"  // the remote delegation adapter
	ActorClient Actor = "client" // the submitter or an authorized party
	ActorSystem Actor = "system" // reaper, forced undeploy
)

// MayTransition reports whether the actor is allowed to move a job into to.
// Execution progress belongs to the executor; dismissal to clients and the system.
func (a Actor) MayTransition(to JobStatus) bool {
	switch to {
	case JobStatusRunning, JobStatusSucceeded:
		return a == ActorWorker || a == ActorRelay
	case JobStatusFailed:
		return a == ActorWorker || a == ActorRelay || a == ActorSystem
	case JobStatusDismissed:
		return true
	}
	return false
}
