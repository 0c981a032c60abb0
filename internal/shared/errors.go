package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the request lost a race or repeats a completed one.
	ErrConflict = errors.New("conflict")
)
