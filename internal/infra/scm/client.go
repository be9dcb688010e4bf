// Package scm retrieves source files from code hosts for triage.
package scm

import (
	"context"

	"github.com/openctemio/sast-triage/pkg/domain/triage"
)

const defaultUserAgent = "sast-triage/1.0"

// Retriever fetches file contents at a fixed repository and branch.
type Retriever interface {
	// GetFile returns the file at path. A missing file is ErrNotFound.
	GetFile(ctx context.Context, path string) (string, error)

	// TestConnection verifies access to the repository and branch.
	TestConnection(ctx context.Context) triage.ConnectionResult
}

// Common errors
var (
	ErrAuthFailed       = NewSCMError("authentication failed", "AUTH_FAILED")
	ErrRateLimited      = NewSCMError("rate limit exceeded", "RATE_LIMITED")
	ErrNotFound         = NewSCMError("resource not found", "NOT_FOUND")
	ErrPermissionDenied = NewSCMError("permission denied", "PERMISSION_DENIED")
	ErrNotConfigured    = NewSCMError("source retrieval not configured", "NOT_CONFIGURED")
)

// SCMError represents an error from a code host.
type SCMError struct {
	Message string
	Code    string
	Wrapped error
}

// NewSCMError creates a new SCMError
func NewSCMError(message, code string) *SCMError {
	return &SCMError{Message: message, Code: code}
}

// Error implements the error interface
func (e *SCMError) Error() string {
	if e.Wrapped != nil {
		return e.Message + ": " + e.Wrapped.Error()
	}
	return e.Message
}

// Wrap wraps an underlying error
func (e *SCMError) Wrap(err error) *SCMError {
	return &SCMError{
		Message: e.Message,
		Code:    e.Code,
		Wrapped: err,
	}
}

// Is matches errors with the same code, so wrapped sentinels compare equal.
func (e *SCMError) Is(target error) bool {
	t, ok := target.(*SCMError)
	return ok && t.Code == e.Code
}

// Unwrap returns the wrapped error
func (e *SCMError) Unwrap() error {
	return e.Wrapped
}
