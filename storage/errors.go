package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrActiveJobExists is returned when a project already has a
	// queued or running job.
	ErrActiveJobExists = errors.New("project already has an active job")
)
