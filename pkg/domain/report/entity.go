// Package report defines the Report entity: one ingested export file,
// immutable once its batch commits.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/scantrail/api/pkg/domain/shared"
)

// Format identifies the detected source format of an export file.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Outcome records how ingestion of the file ended.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeFailed    Outcome = "failed"
)

// Report represents one ingested export file within a batch.
type Report struct {
	id           shared.ID
	accountID    shared.ID
	filename     string
	format       Format
	runDate      time.Time
	uploadedAt   time.Time
	findingCount int
	skippedCount int
	outcome      Outcome
}

// New creates a new Report for a file entering ingestion.
func New(accountID shared.ID, filename string, format Format, runDate time.Time) (*Report, error) {
	if accountID.IsZero() {
		return nil, fmt.Errorf("%w: account id is required", shared.ErrValidation)
	}
	if strings.TrimSpace(filename) == "" {
		return nil, fmt.Errorf("%w: filename is required", shared.ErrValidation)
	}
	if runDate.IsZero() {
		return nil, fmt.Errorf("%w: run date is required", shared.ErrValidation)
	}

	return &Report{
		id:         shared.NewID(),
		accountID:  accountID,
		filename:   filename,
		format:     format,
		runDate:    runDate.UTC(),
		uploadedAt: time.Now().UTC(),
	}, nil
}

// Reconstitute recreates a Report from persistence.
func Reconstitute(
	id, accountID shared.ID,
	filename string,
	format Format,
	runDate, uploadedAt time.Time,
	findingCount, skippedCount int,
	outcome Outcome,
) *Report {
	return &Report{
		id:           id,
		accountID:    accountID,
		filename:     filename,
		format:       format,
		runDate:      runDate,
		uploadedAt:   uploadedAt,
		findingCount: findingCount,
		skippedCount: skippedCount,
		outcome:      outcome,
	}
}

// Getters.
func (r *Report) ID() shared.ID         { return r.id }
func (r *Report) AccountID() shared.ID  { return r.accountID }
func (r *Report) Filename() string      { return r.filename }
func (r *Report) Format() Format        { return r.format }
func (r *Report) RunDate() time.Time    { return r.runDate }
func (r *Report) UploadedAt() time.Time { return r.uploadedAt }
func (r *Report) FindingCount() int     { return r.findingCount }
func (r *Report) SkippedCount() int     { return r.skippedCount }
func (r *Report) Outcome() Outcome      { return r.outcome }

// Commit finalizes the report's counts and outcome before persistence.
func (r *Report) Commit(findingCount, skippedCount int) {
	r.findingCount = findingCount
	r.skippedCount = skippedCount
	r.outcome = OutcomeCommitted
}
