package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: ErrNotFound, Message: "Process 'echo' not found"}
	want := "NOT_FOUND: Process 'echo' not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("Job", "job_abc")
	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Message != "Job 'job_abc' not found" {
		t.Errorf("Message = %q, want %q", err.Message, "Job 'job_abc' not found")
	}
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("Invalid request",
		FieldError{Field: "inputs.reads", Message: "required"},
		FieldError{Field: "inputs.threshold", Message: "expected int"},
	)
	if err.Code != ErrValidation {
		t.Errorf("Code = %q, want %q", err.Code, ErrValidation)
	}
	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
}

func TestIsCode_Wrapped(t *testing.T) {
	err := fmt.Errorf("deploy: %w", NewConflictError("process %q exists", "echo"))
	if !IsCode(err, ErrConflict) {
		t.Error("IsCode(wrapped conflict, CONFLICT) = false, want true")
	}
	if IsCode(err, ErrNotFound) {
		t.Error("IsCode(wrapped conflict, NOT_FOUND) = true, want false")
	}
	if got := CodeOf(errors.New("boom")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %q, want %q", got, ErrInternal)
	}
}

func TestNewNotReadyError(t *testing.T) {
	err := NewNotReadyError("job_1", JobStatusRunning)
	if err.Code != ErrNotReady {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotReady)
	}
	want := "job 'job_1' is running, results are not available"
	if err.Message != want {
		t.Errorf("Message = %q, want %q", err.Message, want)
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{
		Entity: "Job",
		ID:     "job_123",
		From:   "succeeded",
		To:     "running",
	}
	want := "invalid Job state transition: succeeded → running (entity job_123)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
