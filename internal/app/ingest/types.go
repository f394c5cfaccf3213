// Package ingest implements batch ingestion of scan exports: run-date
// resolution, record normalization, snapshot replacement and the historical
// diff that derives remediated findings.
package ingest

import (
	"time"

	"github.com/scantrail/api/pkg/domain/report"
	"github.com/scantrail/api/pkg/domain/shared"
)

// State tracks where a batch is in its lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateArchiving  State = "archiving"
	StateReplacing  State = "replacing"
	StateDiffing    State = "diffing"
	StateCommitted  State = "committed"
	StateFailed     State = "failed"
)

// FileInput is one export file submitted for ingestion. The filename carries
// the report run date (MM-DD-YYYY plus extension).
type FileInput struct {
	Filename string `validate:"required,max=512"`
	Data     []byte `validate:"required"`
}

// UploadCommand is a request to ingest a batch of export files for one account.
type UploadCommand struct {
	AccountID string      `validate:"required,uuid"`
	BatchID   string      `validate:"omitempty,uuid"`
	Files     []FileInput `validate:"required,min=1,dive"`
}

// SkipDiagnostic explains why a single record was dropped during
// normalization. Skips never abort the batch.
type SkipDiagnostic struct {
	Index      int    `json:"index"`
	FindingARN string `json:"finding_arn,omitempty"`
	Reason     string `json:"reason"`
}

// FileResult summarizes the ingestion of one export file.
type FileResult struct {
	Filename    string           `json:"filename"`
	ReportID    shared.ID        `json:"report_id"`
	RunDate     time.Time        `json:"run_date"`
	Format      report.Format    `json:"format"`
	Created     int              `json:"created"`
	Refreshed   int              `json:"refreshed"`
	Fixed       int              `json:"fixed"`
	Skipped     int              `json:"skipped"`
	Diagnostics []SkipDiagnostic `json:"diagnostics,omitempty"`
}

// Output is the final result of a committed batch.
type Output struct {
	BatchID   shared.ID    `json:"batch_id"`
	AccountID shared.ID    `json:"account_id"`
	State     State        `json:"state"`
	Files     []FileResult `json:"files"`
}
