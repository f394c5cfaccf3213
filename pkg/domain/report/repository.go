package report

import (
	"context"
	"database/sql"
	"time"

	"github.com/scantrail/api/pkg/domain/finding"
	"github.com/scantrail/api/pkg/domain/shared"
)

// Repository defines persistence for reports.
type Repository interface {
	// CreateInTx persists a report inside the batch transaction.
	CreateInTx(ctx context.Context, tx *sql.Tx, r *Report) error

	// SetFixedSummaryInTx caches the diff engine's fixed-set aggregates on
	// the report row that triggered them.
	SetFixedSummaryInTx(ctx context.Context, tx *sql.Tx, id shared.ID, summary finding.FixedSummary) error

	// GetByID retrieves a report by its ID.
	GetByID(ctx context.Context, id shared.ID) (*Report, error)

	// ExistsByRunDate reports whether a committed report with the given run
	// date already exists for the account.
	ExistsByRunDate(ctx context.Context, accountID shared.ID, runDate time.Time) (bool, error)

	// ListByAccount retrieves reports for an account, newest run date first.
	ListByAccount(ctx context.Context, accountID shared.ID, limit int) ([]*Report, error)
}
