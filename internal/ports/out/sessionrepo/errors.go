package sessionrepo

import "errors"

var (
	// ErrNotFound indicates no session exists for the run id.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyExists indicates a session already exists for the run id.
	ErrAlreadyExists = errors.New("session already exists")

	// ErrVersionConflict indicates the session changed since it was read.
	ErrVersionConflict = errors.New("session version conflict")
)
