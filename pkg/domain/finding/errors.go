package finding

import "errors"

var (
	// ErrNotFound is returned when a finding is not found.
	ErrNotFound = errors.New("finding not found")

	// ErrNoHistory is returned when no history exists for a stable key.
	ErrNoHistory = errors.New("no history for finding")
)
