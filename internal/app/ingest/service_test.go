package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/scantrail/api/internal/config"
	"github.com/scantrail/api/pkg/domain/finding"
	"github.com/scantrail/api/pkg/domain/report"
	"github.com/scantrail/api/pkg/domain/shared"
	"github.com/scantrail/api/pkg/logger"
	"github.com/scantrail/api/pkg/pagination"
	"github.com/scantrail/api/pkg/validator"
)

// =============================================================================
// In-memory store with transactional semantics
// =============================================================================

// memStore backs the mock repositories. The fake transaction runner snapshots
// and restores it so rollback behavior can be asserted.
type memStore struct {
	reports   map[string]*report.Report
	summaries map[string]finding.FixedSummary
	live      map[string]*finding.Finding // stable key -> finding
	history   []*finding.HistoryRecord
}

func newMemStore() *memStore {
	return &memStore{
		reports:   make(map[string]*report.Report),
		summaries: make(map[string]finding.FixedSummary),
		live:      make(map[string]*finding.Finding),
	}
}

func (s *memStore) clone() *memStore {
	c := newMemStore()
	for k, v := range s.reports {
		c.reports[k] = v
	}
	for k, v := range s.summaries {
		c.summaries[k] = v
	}
	for k, v := range s.live {
		c.live[k] = v
	}
	c.history = append(c.history, s.history...)
	return c
}

type fakeDB struct {
	store    *memStore
	beginErr error
	txCount  int
	rollback int
}

func (db *fakeDB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if db.beginErr != nil {
		return db.beginErr
	}
	db.txCount++
	snapshot := db.store.clone()
	if err := fn(nil); err != nil {
		*db.store = *snapshot
		db.rollback++
		return err
	}
	return nil
}

// =============================================================================
// Mock repositories
// =============================================================================

type mockReportRepo struct {
	store       *memStore
	createCalls int
	createErrOn int // 1-based call index that fails, 0 disables
	createErr   error
}

func (m *mockReportRepo) CreateInTx(ctx context.Context, tx *sql.Tx, r *report.Report) error {
	m.createCalls++
	if m.createErrOn > 0 && m.createCalls == m.createErrOn {
		return m.createErr
	}
	for _, existing := range m.store.reports {
		if existing.AccountID().Equals(r.AccountID()) && existing.RunDate().Equal(r.RunDate()) {
			return report.ErrDuplicateRunDate
		}
	}
	m.store.reports[r.ID().String()] = r
	return nil
}

func (m *mockReportRepo) SetFixedSummaryInTx(ctx context.Context, tx *sql.Tx, id shared.ID, summary finding.FixedSummary) error {
	if _, ok := m.store.reports[id.String()]; !ok {
		return report.ErrNotFound
	}
	m.store.summaries[id.String()] = summary
	return nil
}

func (m *mockReportRepo) GetByID(ctx context.Context, id shared.ID) (*report.Report, error) {
	if r, ok := m.store.reports[id.String()]; ok {
		return r, nil
	}
	return nil, report.ErrNotFound
}

func (m *mockReportRepo) ExistsByRunDate(ctx context.Context, accountID shared.ID, runDate time.Time) (bool, error) {
	for _, r := range m.store.reports {
		if r.AccountID().Equals(accountID) && r.RunDate().Equal(runDate) {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockReportRepo) ListByAccount(ctx context.Context, accountID shared.ID, limit int) ([]*report.Report, error) {
	var out []*report.Report
	for _, r := range m.store.reports {
		if r.AccountID().Equals(accountID) {
			out = append(out, r)
		}
	}
	return out, nil
}

type mockFindingRepo struct {
	store     *memStore
	createErr error
}

func (m *mockFindingRepo) ListByAccountInTx(ctx context.Context, tx *sql.Tx, accountID shared.ID) ([]*finding.Finding, error) {
	var out []*finding.Finding
	for _, f := range m.store.live {
		if f.AccountID().Equals(accountID) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *mockFindingRepo) CreateInTx(ctx context.Context, tx *sql.Tx, f *finding.Finding) error {
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.store.live[f.StableKey()]; ok {
		return shared.ErrConflict
	}
	m.store.live[f.StableKey()] = f
	return nil
}

func (m *mockFindingRepo) UpdateInTx(ctx context.Context, tx *sql.Tx, f *finding.Finding) error {
	if _, ok := m.store.live[f.StableKey()]; !ok {
		return finding.ErrNotFound
	}
	m.store.live[f.StableKey()] = f
	return nil
}

func (m *mockFindingRepo) DeleteByStableKeysInTx(ctx context.Context, tx *sql.Tx, accountID shared.ID, stableKeys []string) error {
	for _, key := range stableKeys {
		delete(m.store.live, key)
	}
	return nil
}

func (m *mockFindingRepo) List(ctx context.Context, filter finding.Filter, opts finding.ListOptions, page pagination.Pagination) (pagination.Result[*finding.Finding], error) {
	var items []*finding.Finding
	for _, f := range m.store.live {
		items = append(items, f)
	}
	return pagination.NewResult(items, int64(len(items)), page), nil
}

func (m *mockFindingRepo) GetByStableKey(ctx context.Context, accountID shared.ID, stableKey string) (*finding.Finding, error) {
	if f, ok := m.store.live[stableKey]; ok {
		return f, nil
	}
	return nil, finding.ErrNotFound
}

type mockHistoryRepo struct {
	store     *memStore
	createErr error
}

func (m *mockHistoryRepo) CreateBatchInTx(ctx context.Context, tx *sql.Tx, records []*finding.HistoryRecord) error {
	if m.createErr != nil && len(records) > 0 {
		return m.createErr
	}
	m.store.history = append(m.store.history, records...)
	return nil
}

func (m *mockHistoryRepo) ListFixed(ctx context.Context, filter finding.FixedFilter, opts finding.ListOptions, page pagination.Pagination) (pagination.Result[finding.FixedEntry], error) {
	return pagination.Result[finding.FixedEntry]{}, nil
}

func (m *mockHistoryRepo) SummarizeFixed(ctx context.Context, filter finding.FixedFilter) (finding.FixedSummary, error) {
	return finding.FixedSummary{}, nil
}

func (m *mockHistoryRepo) ListByStableKey(ctx context.Context, accountID shared.ID, stableKey string) ([]*finding.HistoryRecord, error) {
	var out []*finding.HistoryRecord
	for _, h := range m.store.history {
		if h.AccountID().Equals(accountID) && h.StableKey() == stableKey {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *mockHistoryRepo) ListByVulnerabilityID(ctx context.Context, accountID shared.ID, vulnerabilityID string) ([]*finding.HistoryRecord, error) {
	return nil, nil
}

// =============================================================================
// Fixtures
// =============================================================================

// testNow keeps resolved 2024 run dates inside the retention window.
var testNow = time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

func exportJSON(t *testing.T, arns ...string) []byte {
	t.Helper()
	findings := make([]map[string]any, 0, len(arns))
	for _, arn := range arns {
		findings = append(findings, map[string]any{
			"findingArn":      arn,
			"title":           "finding " + arn,
			"severity":        "high",
			"status":          "active",
			"firstObservedAt": "2024-03-01T00:00:00Z",
			"lastObservedAt":  "2024-03-10T00:00:00Z",
		})
	}
	data, err := json.Marshal(map[string]any{"findings": findings})
	if err != nil {
		t.Fatalf("marshaling fixture: %v", err)
	}
	return data
}

type testEnv struct {
	svc      *Service
	db       *fakeDB
	store    *memStore
	reports  *mockReportRepo
	findings *mockFindingRepo
	history  *mockHistoryRepo
	locks    int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemStore()
	env := &testEnv{
		store:    store,
		db:       &fakeDB{store: store},
		reports:  &mockReportRepo{store: store},
		findings: &mockFindingRepo{store: store},
		history:  &mockHistoryRepo{store: store},
	}

	lock := func(ctx context.Context, tx *sql.Tx, accountID shared.ID) error {
		env.locks++
		return nil
	}

	env.svc = NewService(
		env.db, lock, env.reports, env.findings, env.history,
		nil, validator.New(), logger.NewNop(),
		config.IngestConfig{
			RetentionDays:    730,
			MaxFilesPerBatch: 10,
			ParseConcurrency: 2,
			MaxFileSize:      1 << 20,
		},
	)
	env.svc.now = func() time.Time { return testNow }
	return env
}

func upload(t *testing.T, env *testEnv, accountID shared.ID, files ...FileInput) *Output {
	t.Helper()
	out, err := env.svc.Upload(context.Background(), UploadCommand{
		AccountID: accountID.String(),
		Files:     files,
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return out
}

// =============================================================================
// Tests
// =============================================================================

func TestUploadFirstReport(t *testing.T) {
	env := newTestEnv(t)
	accountID := shared.NewID()

	out := upload(t, env, accountID, FileInput{
		Filename: "03-15-2024.json",
		Data:     exportJSON(t, "arn/A", "arn/B"),
	})

	if out.State != StateCommitted {
		t.Errorf("state = %q, want committed", out.State)
	}
	if len(out.Files) != 1 {
		t.Fatalf("got %d file results, want 1", len(out.Files))
	}

	fr := out.Files[0]
	if fr.Created != 2 || fr.Refreshed != 0 || fr.Fixed != 0 || fr.Skipped != 0 {
		t.Errorf("counts = %+v, want 2 created only", fr)
	}
	if fr.Format != report.FormatJSON {
		t.Errorf("format = %q, want json", fr.Format)
	}

	if len(env.store.live) != 2 {
		t.Errorf("live snapshot has %d findings, want 2", len(env.store.live))
	}
	if len(env.store.history) != 0 {
		t.Errorf("first report must not create history, got %d records", len(env.store.history))
	}
	if env.locks != 1 {
		t.Errorf("account lock acquired %d times, want 1", env.locks)
	}

	r, ok := env.store.reports[fr.ReportID.String()]
	if !ok {
		t.Fatal("report row not persisted")
	}
	if r.Outcome() != report.OutcomeCommitted || r.FindingCount() != 2 {
		t.Errorf("report outcome=%q count=%d, want committed/2", r.Outcome(), r.FindingCount())
	}
}

func TestUploadDiffAgainstPreviousReport(t *testing.T) {
	env := newTestEnv(t)
	accountID := shared.NewID()

	upload(t, env, accountID, FileInput{
		Filename: "03-14-2024.json",
		Data:     exportJSON(t, "arn/A", "arn/B", "arn/C"),
	})
	out := upload(t, env, accountID, FileInput{
		Filename: "03-15-2024.json",
		Data:     exportJSON(t, "arn/B", "arn/C", "arn/D"),
	})

	fr := out.Files[0]
	if fr.Created != 1 || fr.Refreshed != 2 || fr.Fixed != 1 {
		t.Errorf("created=%d refreshed=%d fixed=%d, want 1/2/1", fr.Created, fr.Refreshed, fr.Fixed)
	}

	if _, ok := env.store.live["arn/A"]; ok {
		t.Error("fixed finding A must leave the live snapshot")
	}
	for _, key := range []string{"arn/B", "arn/C", "arn/D"} {
		if _, ok := env.store.live[key]; !ok {
			t.Errorf("finding %s missing from live snapshot", key)
		}
	}

	// The whole previous snapshot {A,B,C} is archived; only A is fixed.
	if len(env.store.history) != 3 {
		t.Fatalf("history has %d records, want 3", len(env.store.history))
	}
	for _, h := range env.store.history {
		if h.IsFixed() != (h.StableKey() == "arn/A") {
			t.Errorf("history %s fixed=%v", h.StableKey(), h.IsFixed())
		}
	}

	summary := env.store.summaries[fr.ReportID.String()]
	if summary.Total != 1 || summary.BySeverity[finding.SeverityHigh] != 1 {
		t.Errorf("fixed summary = %+v, want 1 high", summary)
	}
}

func TestUploadAppliesFilesChronologically(t *testing.T) {
	env := newTestEnv(t)
	accountID := shared.NewID()

	// Submitted newest first; the service must apply oldest first.
	out := upload(t, env, accountID,
		FileInput{Filename: "03-16-2024.json", Data: exportJSON(t, "arn/B")},
		FileInput{Filename: "03-15-2024.json", Data: exportJSON(t, "arn/A", "arn/B")},
	)

	if len(out.Files) != 2 {
		t.Fatalf("got %d file results, want 2", len(out.Files))
	}
	if out.Files[0].Filename != "03-15-2024.json" {
		t.Errorf("first applied file = %q, want the older report", out.Files[0].Filename)
	}
	if out.Files[1].Fixed != 1 {
		t.Errorf("second report fixed = %d, want 1 (A disappeared)", out.Files[1].Fixed)
	}

	if len(env.store.live) != 1 {
		t.Errorf("live snapshot has %d findings, want only B", len(env.store.live))
	}
	if env.db.txCount != 1 {
		t.Errorf("batch ran in %d transactions, want 1", env.db.txCount)
	}

	for _, h := range env.store.history {
		if h.StableKey() == "arn/A" && h.IsFixed() {
			want := time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)
			if !h.FixedAt().Equal(want) {
				t.Errorf("A fixed at %v, want the newer run date %v", h.FixedAt(), want)
			}
		}
	}
}

func TestUploadRejectsDuplicateRunDate(t *testing.T) {
	env := newTestEnv(t)
	accountID := shared.NewID()

	upload(t, env, accountID, FileInput{
		Filename: "03-15-2024.json",
		Data:     exportJSON(t, "arn/A"),
	})

	_, err := env.svc.Upload(context.Background(), UploadCommand{
		AccountID: accountID.String(),
		Files: []FileInput{{
			Filename: "exports/03-15-2024.csv",
			Data:     []byte("findingArn,title,severity\n"),
		}},
	})
	if !errors.Is(err, report.ErrDuplicateRunDate) {
		t.Fatalf("error = %v, want %v", err, report.ErrDuplicateRunDate)
	}
	if len(env.store.reports) != 1 {
		t.Errorf("duplicate upload must not persist a report, have %d", len(env.store.reports))
	}
}

func TestUploadRollsBackWholeBatch(t *testing.T) {
	env := newTestEnv(t)
	accountID := shared.NewID()

	// Second report row insert fails; the first file's work must vanish too.
	env.reports.createErrOn = 2
	env.reports.createErr = errors.New("disk full")

	_, err := env.svc.Upload(context.Background(), UploadCommand{
		AccountID: accountID.String(),
		Files: []FileInput{
			{Filename: "03-15-2024.json", Data: exportJSON(t, "arn/A")},
			{Filename: "03-16-2024.json", Data: exportJSON(t, "arn/B")},
		},
	})
	if err == nil {
		t.Fatal("expected batch failure")
	}

	if env.db.rollback != 1 {
		t.Errorf("rollbacks = %d, want 1", env.db.rollback)
	}
	if len(env.store.reports) != 0 || len(env.store.live) != 0 || len(env.store.history) != 0 {
		t.Errorf("rolled-back batch left state behind: %d reports, %d live, %d history",
			len(env.store.reports), len(env.store.live), len(env.store.history))
	}
}

func TestUploadRollsBackWhenReplaceFailsAfterArchive(t *testing.T) {
	env := newTestEnv(t)
	accountID := shared.NewID()

	upload(t, env, accountID, FileInput{
		Filename: "03-14-2024.json",
		Data:     exportJSON(t, "arn/A"),
	})

	// The next report fixes A and creates B. Archiving the {A} snapshot
	// succeeds, then the live replacement fails; nothing from the diff may
	// survive, in particular no orphaned history records.
	env.findings.createErr = errors.New("disk full")

	_, err := env.svc.Upload(context.Background(), UploadCommand{
		AccountID: accountID.String(),
		Files:     []FileInput{{Filename: "03-15-2024.json", Data: exportJSON(t, "arn/B")}},
	})
	if err == nil {
		t.Fatal("expected batch failure")
	}

	if env.db.rollback != 1 {
		t.Errorf("rollbacks = %d, want 1", env.db.rollback)
	}
	if len(env.store.history) != 0 {
		t.Errorf("rolled-back batch left %d orphaned history records", len(env.store.history))
	}
	if _, ok := env.store.live["arn/A"]; !ok {
		t.Error("live snapshot must be restored to the previous report")
	}
	if len(env.store.reports) != 1 {
		t.Errorf("have %d reports, want only the first one", len(env.store.reports))
	}
}

func TestUploadRollsBackWhenArchiveFails(t *testing.T) {
	env := newTestEnv(t)
	accountID := shared.NewID()

	upload(t, env, accountID, FileInput{
		Filename: "03-14-2024.json",
		Data:     exportJSON(t, "arn/A"),
	})

	env.history.createErr = errors.New("disk full")

	_, err := env.svc.Upload(context.Background(), UploadCommand{
		AccountID: accountID.String(),
		Files:     []FileInput{{Filename: "03-15-2024.json", Data: exportJSON(t, "arn/B")}},
	})
	if err == nil {
		t.Fatal("expected batch failure")
	}

	if len(env.store.history) != 0 {
		t.Errorf("failed archive left %d history records", len(env.store.history))
	}
	if len(env.store.reports) != 1 || len(env.store.live) != 1 {
		t.Errorf("state after rollback: %d reports, %d live, want 1/1",
			len(env.store.reports), len(env.store.live))
	}
}

func TestUploadSurfacesRetryableStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	accountID := shared.NewID()

	env.db.beginErr = fmt.Errorf("%w: failed to begin transaction: connection refused", shared.ErrUnavailable)

	_, err := env.svc.Upload(context.Background(), UploadCommand{
		AccountID: accountID.String(),
		Files:     []FileInput{{Filename: "03-15-2024.json", Data: exportJSON(t, "arn/A")}},
	})
	if err == nil {
		t.Fatal("expected batch failure")
	}
	if !shared.IsRetryable(err) {
		t.Errorf("storage-down error must stay retryable, got %v", err)
	}
}

func TestUploadMalformedFileFailsBeforeTransaction(t *testing.T) {
	env := newTestEnv(t)
	accountID := shared.NewID()

	_, err := env.svc.Upload(context.Background(), UploadCommand{
		AccountID: accountID.String(),
		Files: []FileInput{
			{Filename: "03-15-2024.json", Data: exportJSON(t, "arn/A")},
			{Filename: "03-16-2024.json", Data: []byte("not json")},
		},
	})
	if err == nil {
		t.Fatal("expected parse failure")
	}
	if env.db.txCount != 0 {
		t.Errorf("malformed input must fail before the transaction opens, ran %d", env.db.txCount)
	}
	if len(env.store.reports) != 0 {
		t.Error("failed batch must not persist reports")
	}
}

func TestUploadRecordsSkipDiagnostics(t *testing.T) {
	env := newTestEnv(t)
	accountID := shared.NewID()

	data, err := json.Marshal(map[string]any{
		"findings": []map[string]any{
			{
				"findingArn": "arn/A", "title": "finding A", "severity": "high", "status": "active",
				"firstObservedAt": "2024-03-01T00:00:00Z", "lastObservedAt": "2024-03-10T00:00:00Z",
			},
			{ // no title
				"findingArn": "arn/B", "severity": "high", "status": "active",
				"firstObservedAt": "2024-03-01T00:00:00Z", "lastObservedAt": "2024-03-10T00:00:00Z",
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	out := upload(t, env, accountID, FileInput{Filename: "03-15-2024.json", Data: data})

	fr := out.Files[0]
	if fr.Created != 1 || fr.Skipped != 1 {
		t.Errorf("created=%d skipped=%d, want 1/1", fr.Created, fr.Skipped)
	}
	if len(fr.Diagnostics) != 1 || fr.Diagnostics[0].FindingARN != "arn/B" {
		t.Errorf("diagnostics = %+v, want one for arn/B", fr.Diagnostics)
	}

	r := env.store.reports[fr.ReportID.String()]
	if r.SkippedCount() != 1 {
		t.Errorf("report skipped count = %d, want 1", r.SkippedCount())
	}
}

func TestUploadValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		cmd     UploadCommand
		wantErr error
	}{
		{
			name:    "invalid account id",
			cmd:     UploadCommand{AccountID: "not-a-uuid", Files: []FileInput{{Filename: "03-15-2024.json", Data: []byte("{}")}}},
			wantErr: shared.ErrValidation,
		},
		{
			name:    "no files",
			cmd:     UploadCommand{AccountID: shared.NewID().String()},
			wantErr: shared.ErrValidation,
		},
		{
			name: "bad filename",
			cmd: UploadCommand{
				AccountID: shared.NewID().String(),
				Files:     []FileInput{{Filename: "latest.json", Data: []byte("{}")}},
			},
			wantErr: ErrBadFilename,
		},
		{
			name: "duplicate run dates in batch",
			cmd: UploadCommand{
				AccountID: shared.NewID().String(),
				Files: []FileInput{
					{Filename: "03-15-2024.json", Data: []byte("{}")},
					{Filename: "03-15-2024.csv", Data: []byte("x")},
				},
			},
			wantErr: ErrDuplicateInBatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Upload(context.Background(), tt.cmd)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUploadBatchLimits(t *testing.T) {
	env := newTestEnv(t)
	accountID := shared.NewID()

	files := make([]FileInput, 11)
	for i := range files {
		files[i] = FileInput{Filename: "03-15-2024.json", Data: []byte("{}")}
	}
	_, err := env.svc.Upload(context.Background(), UploadCommand{AccountID: accountID.String(), Files: files})
	if !errors.Is(err, ErrTooManyFiles) {
		t.Errorf("error = %v, want %v", err, ErrTooManyFiles)
	}

	big := make([]byte, (1<<20)+1)
	_, err = env.svc.Upload(context.Background(), UploadCommand{
		AccountID: accountID.String(),
		Files:     []FileInput{{Filename: "03-15-2024.json", Data: big}},
	})
	if !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("error = %v, want %v", err, ErrFileTooLarge)
	}
}
