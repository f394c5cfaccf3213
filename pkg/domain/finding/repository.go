package finding

import (
	"context"
	"database/sql"

	"github.com/scantrail/api/pkg/domain/shared"
	"github.com/scantrail/api/pkg/pagination"
)

// Repository defines persistence for the live finding snapshot.
//
// The *InTx variants participate in the orchestrator's batch transaction;
// the plain read methods run against the committed snapshot.
type Repository interface {
	// ListByAccountInTx loads the full live snapshot for an account inside
	// the batch transaction (the pre-replacement set P).
	ListByAccountInTx(ctx context.Context, tx *sql.Tx, accountID shared.ID) ([]*Finding, error)

	// CreateInTx persists a new live finding and its children.
	CreateInTx(ctx context.Context, tx *sql.Tx, f *Finding) error

	// UpdateInTx refreshes an existing live finding in place and replaces
	// its children wholesale.
	UpdateInTx(ctx context.Context, tx *sql.Tx, f *Finding) error

	// DeleteByStableKeysInTx removes findings absent from the new snapshot.
	DeleteByStableKeysInTx(ctx context.Context, tx *sql.Tx, accountID shared.ID, stableKeys []string) error

	// List retrieves live findings with filtering and pagination.
	List(ctx context.Context, filter Filter, opts ListOptions, page pagination.Pagination) (pagination.Result[*Finding], error)

	// GetByStableKey retrieves a live finding by its correlation key.
	GetByStableKey(ctx context.Context, accountID shared.ID, stableKey string) (*Finding, error)
}

// HistoryRepository defines persistence for the append-only history trail.
type HistoryRepository interface {
	// CreateBatchInTx appends history snapshots inside the batch transaction.
	CreateBatchInTx(ctx context.Context, tx *sql.Tx, records []*HistoryRecord) error

	// ListFixed retrieves fixed findings with filtering and pagination.
	ListFixed(ctx context.Context, filter FixedFilter, opts ListOptions, page pagination.Pagination) (pagination.Result[FixedEntry], error)

	// SummarizeFixed aggregates the filtered fixed set (counts per severity,
	// fix availability, average days active).
	SummarizeFixed(ctx context.Context, filter FixedFilter) (FixedSummary, error)

	// ListByStableKey retrieves all history snapshots sharing a stable key,
	// most recent first.
	ListByStableKey(ctx context.Context, accountID shared.ID, stableKey string) ([]*HistoryRecord, error)

	// ListByVulnerabilityID retrieves history snapshots by vulnerability
	// identifier (e.g. CVE), most recent first.
	ListByVulnerabilityID(ctx context.Context, accountID shared.ID, vulnerabilityID string) ([]*HistoryRecord, error)
}
