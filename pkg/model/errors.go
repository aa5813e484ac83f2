package model

import (
	"errors"
	"fmt"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation        ErrorCode = "VALIDATION_ERROR"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrConflict          ErrorCode = "CONFLICT"
	ErrUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrExpired           ErrorCode = "EXPIRED"
	ErrPackageMismatch   ErrorCode = "PACKAGE_MISMATCH"
	ErrQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"
	ErrRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"
	ErrNotReady          ErrorCode = "NOT_READY"
	ErrInternal          ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the GoWPS API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// NewConflictError creates a CONFLICT APIError.
func NewConflictError(format string, args ...any) *APIError {
	return &APIError{Code: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

// NewPackageMismatchError reports CWL/WPS merge conflicts, one detail per field.
func NewPackageMismatchError(details ...FieldError) *APIError {
	return &APIError{
		Code:    ErrPackageMismatch,
		Message: "application package does not match process description",
		Details: details,
	}
}

// NewAuthorizationError creates an UNAUTHORIZED APIError.
func NewAuthorizationError(msg string) *APIError {
	return &APIError{Code: ErrUnauthorized, Message: msg}
}

// NewExpiredError creates an EXPIRED APIError.
func NewExpiredError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrExpired,
		Message: fmt.Sprintf("%s '%s' has expired", resource, id),
	}
}

// NewQuotaExceededError creates a QUOTA_EXCEEDED APIError.
func NewQuotaExceededError(msg string) *APIError {
	return &APIError{Code: ErrQuotaExceeded, Message: msg}
}

// NewNotReadyError creates a NOT_READY APIError for job artifacts.
func NewNotReadyError(jobID string, status JobStatus) *APIError {
	return &APIError{
		Code:    ErrNotReady,
		Message: fmt.Sprintf("job '%s' is %s, results are not available", jobID, status),
	}
}

// CodeOf returns the ErrorCode carried by err, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrInternal
}

// IsCode reports whether err wraps an APIError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}
