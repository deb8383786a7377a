package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrVersionConflict signals an optimistic concurrency failure: the row
	// was modified by another writer between read and update.
	ErrVersionConflict = errors.New("version conflict")
	// ErrQueueFull signals that the background analysis queue has no free
	// slot and the work item was rejected.
	ErrQueueFull = errors.New("queue full")
)
