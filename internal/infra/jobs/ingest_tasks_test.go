package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/scantrail/api/internal/app/ingest"
	"github.com/scantrail/api/internal/config"
	"github.com/scantrail/api/internal/infra/fetchers"
	"github.com/scantrail/api/pkg/domain/finding"
	"github.com/scantrail/api/pkg/domain/report"
	"github.com/scantrail/api/pkg/domain/shared"
	"github.com/scantrail/api/pkg/logger"
	"github.com/scantrail/api/pkg/validator"
)

type failingDB struct {
	err error
}

func (db failingDB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.err
}

// stubReportRepo satisfies report.Repository for paths that never reach the
// transaction.
type stubReportRepo struct{}

func (stubReportRepo) CreateInTx(ctx context.Context, tx *sql.Tx, r *report.Report) error {
	return nil
}

func (stubReportRepo) SetFixedSummaryInTx(ctx context.Context, tx *sql.Tx, id shared.ID, summary finding.FixedSummary) error {
	return nil
}

func (stubReportRepo) GetByID(ctx context.Context, id shared.ID) (*report.Report, error) {
	return nil, report.ErrNotFound
}

func (stubReportRepo) ExistsByRunDate(ctx context.Context, accountID shared.ID, runDate time.Time) (bool, error) {
	return false, nil
}

func (stubReportRepo) ListByAccount(ctx context.Context, accountID shared.ID, limit int) ([]*report.Report, error) {
	return nil, nil
}

type stubFindingRepo struct {
	finding.Repository
}

type stubHistoryRepo struct {
	finding.HistoryRepository
}

type stubFetcher struct {
	files []fetchers.File
}

func (s stubFetcher) Fetch(ctx context.Context, location string, opts fetchers.FetchOptions) ([]fetchers.File, error) {
	return s.files, nil
}

func newTestHandler(t *testing.T, db ingest.TxRunner) *IngestTaskHandler {
	t.Helper()

	cfg := config.IngestConfig{
		MaxFilesPerBatch: 10,
		ParseConcurrency: 2,
		MaxFileSize:      1 << 20,
	}
	svc := ingest.NewService(
		db,
		func(ctx context.Context, tx *sql.Tx, accountID shared.ID) error { return nil },
		stubReportRepo{}, stubFindingRepo{}, stubHistoryRepo{},
		nil, validator.New(), logger.NewNop(), cfg,
	)

	local := stubFetcher{files: []fetchers.File{{
		Name: "03-15-2024.json",
		Data: []byte(`{"findings": [{
			"findingArn": "arn/A", "title": "finding A", "severity": "high", "status": "active",
			"firstObservedAt": "2024-03-01T00:00:00Z", "lastObservedAt": "2024-03-10T00:00:00Z"
		}]}`),
	}}}

	return NewIngestTaskHandler(svc, local, nil, cfg, logger.NewNop())
}

func ingestTask(t *testing.T, payload IngestBatchPayload) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	return asynq.NewTask(TypeIngestBatch, data)
}

func TestHandleIngestBatchRetriesTransientFailures(t *testing.T) {
	db := failingDB{err: fmt.Errorf("%w: failed to begin transaction: connection refused", shared.ErrUnavailable)}
	handler := newTestHandler(t, db)

	task := ingestTask(t, IngestBatchPayload{
		AccountID: shared.NewID().String(),
		BatchID:   shared.NewID().String(),
		Location:  "/exports",
	})

	err := handler.HandleIngestBatch(context.Background(), task)
	if err == nil {
		t.Fatal("expected failure")
	}
	if errors.Is(err, asynq.SkipRetry) {
		t.Errorf("storage-down failure must stay retryable, got %v", err)
	}
	if !shared.IsRetryable(err) {
		t.Errorf("retryable marker lost: %v", err)
	}
}

func TestHandleIngestBatchSkipsRetryOnRejectedInput(t *testing.T) {
	handler := newTestHandler(t, failingDB{err: errors.New("must not be reached")})

	task := ingestTask(t, IngestBatchPayload{
		AccountID: "not-a-uuid",
		BatchID:   shared.NewID().String(),
		Location:  "/exports",
	})

	err := handler.HandleIngestBatch(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("rejected input must not be retried, got %v", err)
	}
}
