package workflow

import (
	"context"
	"errors"
)

// Store errors.
var (
	// ErrExecutionNotFound is returned when no execution exists for an
	// incident.
	ErrExecutionNotFound = errors.New("workflow execution not found")
	// ErrConcurrentExecution is returned when a second execution is
	// started for an incident already under execution.
	ErrConcurrentExecution = errors.New("incident already has an active workflow execution")
	// ErrNoPendingWait is returned when a signal arrives for an
	// execution that is not suspended waiting for it.
	ErrNoPendingWait = errors.New("no pending wait for this incident")
)

// ExecutionStore persists workflow executions. Save overwrites the full
// (state, context, status) snapshot; it is called after every transition.
type ExecutionStore interface {
	Save(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, incidentID string) (*Execution, error)
	// ListActive returns all executions with status active, used to
	// resume in-flight workflows on startup.
	ListActive(ctx context.Context) ([]*Execution, error)
}
