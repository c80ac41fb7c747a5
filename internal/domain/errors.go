package domain

import "errors"

var (
	// ErrValidation marks input rejected at construction time.
	ErrValidation = errors.New("validation error")

	// ErrStateConflict marks an illegal status transition.
	ErrStateConflict = errors.New("state conflict")

	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("not found")
)
