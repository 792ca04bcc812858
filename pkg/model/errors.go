package model

import "errors"

var (
	// ErrNotFound is returned when a document, revision or checkpoint does not exist.
	ErrNotFound = errors.New("syncbase: not found")
	// ErrConflict is returned when an operation collides with state that
	// forbids it, e.g. closing a store with active replications or opening
	// a second transaction while one is open.
	ErrConflict = errors.New("syncbase: conflict")
	// ErrClosed is returned by any operation attempted after the owning
	// component has been closed or stopped.
	ErrClosed = errors.New("syncbase: closed")
	// ErrCheckpointMissing is returned by Checkpoint.Fetch when the remote
	// has no _local doc yet; callers treat it as "start from zero".
	ErrCheckpointMissing = errors.New("syncbase: checkpoint missing")
)
