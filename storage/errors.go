package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrVersionConflict is returned when a conditional update loses the
	// optimistic version check. The caller must re-read and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicateKey is returned when a unique constraint is violated.
	ErrDuplicateKey = errors.New("duplicate key")
)
