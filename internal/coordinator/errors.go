package coordinator

import (
	"errors"
	"fmt"

	"deepresearch/internal/registry"
)

var (
	// ErrWorkerFailure wraps an error returned by a worker capability.
	ErrWorkerFailure = errors.New("worker failure")
	// ErrFocusAreaTimeout marks a focus area that exceeded TASK_TIMEOUT.
	ErrFocusAreaTimeout = errors.New("focus area timed out")
	// ErrAllFocusAreasFailed is the task-level failure.
	ErrAllFocusAreasFailed = errors.New("all focus areas failed")

	ErrNotFound        = registry.ErrNotFound
	ErrForbidden       = errors.New("task belongs to another principal")
	ErrAlreadyFinished = errors.New("task already finished")
	ErrShuttingDown    = errors.New("coordinator shutting down")
)

// ValidationError rejects a request before any task is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
