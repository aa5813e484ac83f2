package model

import "testing"

func TestJobStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		state    JobStatus
		terminal bool
	}{
		{JobStatusAccepted, false},
		{JobStatusRunning, false},
		{JobStatusSucceeded, true},
		{JobStatusFailed, true},
		{JobStatusDismissed, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.terminal {
			t.Errorf("JobStatus(%q).IsTerminal() = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}

func TestJobStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  JobStatus
		to    JobStatus
		valid bool
	}{
		{JobStatusAccepted, JobStatusRunning, true},
		{JobStatusAccepted, JobStatusDismissed, true},
		{JobStatusRunning, JobStatusSucceeded, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusDismissed, true},

		{JobStatusAccepted, JobStatusSucceeded, false},
		{JobStatusRunning, JobStatusAccepted, false},
		{JobStatusSucceeded, JobStatusRunning, false},
		{JobStatusFailed, JobStatusDismissed, false},
		{JobStatusDismissed, JobStatusRunning, false},
		{JobStatusRunning, JobStatusRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("%s → %s = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestActor_MayTransition(t *testing.T) {
	tests := []struct {
		actor Actor
		to    JobStatus
		want  bool
	}{
		{ActorWorker, JobStatusRunning, true},
		{ActorRelay, JobStatusSucceeded, true},
		{ActorClient, JobStatusRunning, false},
		{ActorClient, JobStatusSucceeded, false},
		{ActorClient, JobStatusDismissed, true},
		{ActorSystem, JobStatusFailed, true},
		{ActorSystem, JobStatusSucceeded, false},
		{ActorWorker, JobStatusAccepted, false},
	}
	for _, tt := range tests {
		if got := tt.actor.MayTransition(tt.to); got != tt.want {
			t.Errorf("%s may → %s = %v, want %v", tt.actor, tt.to, got, tt.want)
		}
	}
}
