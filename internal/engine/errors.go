package engine

import "fmt"

// ValidationError reports malformed or unacceptable input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// InvalidStateError reports an operation attempted against an entity whose
// current status does not allow it.
type InvalidStateError struct {
	Entity string
	ID     string
	Status string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s is %s; cannot %s", e.Entity, e.ID, e.Status, e.Op)
}

// ConflictError reports an operation that would violate a uniqueness rule,
// such as opening a second live version on one instance.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// ConcurrentModificationError reports a write that lost an optimistic
// concurrency race. Callers should re-read and retry.
type ConcurrentModificationError struct {
	Entity string
	ID     string
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently", e.Entity, e.ID)
}

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}
