package report

import "errors"

var (
	// ErrNotFound is returned when a report is not found.
	ErrNotFound = errors.New("report not found")

	// ErrDuplicateRunDate is returned when a report with the same run date
	// was already committed for the account.
	ErrDuplicateRunDate = errors.New("report with this run date already exists")
)
