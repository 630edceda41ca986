package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Failure reason codes carried by terminal jobs.
const (
	ReasonCancelled       = "Cancelled"
	ReasonWorkerLost      = "WorkerLost"
	ReasonProviderTimeout = "ProviderTimeout"
	ReasonTargetDeleted   = "TargetDeleted"
)

var (
	// ErrNotFound is returned for operations on unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyTerminal is returned when cancelling a completed or failed job.
	ErrAlreadyTerminal = errors.New("job already terminal")
	// ErrQueueFull is returned when the submission queue is at capacity.
	ErrQueueFull = errors.New("job queue is full")
)

// ValidationError rejects a malformed submission synchronously; the job
// never enters the queue.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: %s", e.Reason)
}

// ConflictError rejects a submission overlapping an active job for the
// same asset and attribute.
type ConflictError struct {
	ExistingJobID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting active job %s for the same target range", e.ExistingJobID)
}

// CycleError reports a circular attribute dependency graph.
type CycleError struct {
	Attributes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("attribute dependency cycle involving %s", strings.Join(e.Attributes, ", "))
}

// UnresolvedReferenceError reports an expression identifier matching no
// tag and no attribute.
type UnresolvedReferenceError struct {
	Identifier string
	Attribute  string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("attribute %s: unresolved reference %q", e.Attribute, e.Identifier)
}

// InertAttributeError reports an attribute with neither a source tag nor a
// transformation; such attributes cannot be evaluated.
type InertAttributeError struct {
	Attribute string
}

func (e *InertAttributeError) Error() string {
	return fmt.Sprintf("attribute %s has no source tag and no transformation", e.Attribute)
}
