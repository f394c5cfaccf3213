package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scantrail/api/internal/config"
	"github.com/scantrail/api/internal/infra/redis"
	"github.com/scantrail/api/internal/metrics"
	"github.com/scantrail/api/pkg/domain/finding"
	"github.com/scantrail/api/pkg/domain/report"
	"github.com/scantrail/api/pkg/domain/shared"
	"github.com/scantrail/api/pkg/logger"
	"github.com/scantrail/api/pkg/parsers/scanexport"
	"github.com/scantrail/api/pkg/validator"
)

// Batch-level validation errors.
var (
	ErrTooManyFiles = errors.New("too many files in batch")
	ErrFileTooLarge = errors.New("file exceeds the maximum size")
)

// TxRunner runs a function inside a database transaction. Satisfied by
// *postgres.DB.
type TxRunner interface {
	Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// LockFunc serializes ingestion per account inside the batch transaction.
type LockFunc func(ctx context.Context, tx *sql.Tx, accountID shared.ID) error

// Service orchestrates batch ingestion: it validates and parses the
// submitted files, then applies them oldest first inside a single
// transaction so a batch either commits whole or leaves no trace.
type Service struct {
	db        TxRunner
	lock      LockFunc
	reports   report.Repository
	findings  finding.Repository
	history   finding.HistoryRepository
	progress  *redis.ProgressStore
	validator *validator.Validator
	logger    *logger.Logger
	cfg       config.IngestConfig
	now       func() time.Time
}

// NewService creates a new ingestion service. The progress store is
// optional; without it batches simply run unobserved.
func NewService(
	db TxRunner,
	lock LockFunc,
	reports report.Repository,
	findings finding.Repository,
	history finding.HistoryRepository,
	progress *redis.ProgressStore,
	v *validator.Validator,
	log *logger.Logger,
	cfg config.IngestConfig,
) *Service {
	return &Service{
		db:        db,
		lock:      lock,
		reports:   reports,
		findings:  findings,
		history:   history,
		progress:  progress,
		validator: v,
		logger:    log,
		cfg:       cfg,
		now:       time.Now,
	}
}

// parsedFile pairs a resolved file with its decoded records.
type parsedFile struct {
	resolvedFile
	raws   []scanexport.RawFinding
	format report.Format
}

// Upload ingests a batch of export files for one account. Files are applied
// in run-date order inside a single transaction; any failure rolls back the
// whole batch. Individual malformed records never fail the batch, they are
// reported as skip diagnostics on the file they came from.
func (s *Service) Upload(ctx context.Context, cmd UploadCommand) (*Output, error) {
	start := s.now()

	if err := s.validator.Validate(cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}

	accountID, err := shared.IDFromString(cmd.AccountID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid account ID", shared.ErrValidation)
	}

	batchID := shared.NewID()
	if cmd.BatchID != "" {
		batchID, err = shared.IDFromString(cmd.BatchID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid batch ID", shared.ErrValidation)
		}
	}

	log := s.logger.With("batch_id", batchID.String(), "account_id", accountID.String())

	if s.cfg.MaxFilesPerBatch > 0 && len(cmd.Files) > s.cfg.MaxFilesPerBatch {
		return nil, fmt.Errorf("%w: %d exceeds the limit of %d",
			ErrTooManyFiles, len(cmd.Files), s.cfg.MaxFilesPerBatch)
	}
	for _, f := range cmd.Files {
		if s.cfg.MaxFileSize > 0 && int64(len(f.Data)) > s.cfg.MaxFileSize {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, f.Filename, len(f.Data))
		}
	}

	s.saveProgress(ctx, batchID, accountID, StateValidating, len(cmd.Files), 0, "")

	output, err := s.run(ctx, batchID, accountID, cmd.Files, log)
	if err != nil {
		s.saveProgress(ctx, batchID, accountID, StateFailed, len(cmd.Files), 0, err.Error())
		metrics.BatchesTotal.WithLabelValues(accountID.String(), "failed").Inc()
		log.Error("batch ingestion failed", "error", err)
		return nil, err
	}

	s.saveProgress(ctx, batchID, accountID, StateCommitted, len(output.Files), len(output.Files), "")
	metrics.BatchesTotal.WithLabelValues(accountID.String(), "committed").Inc()
	metrics.BatchDuration.WithLabelValues(accountID.String()).Observe(s.now().Sub(start).Seconds())
	log.Info("batch committed",
		"files", len(output.Files),
		"duration", s.now().Sub(start).String(),
	)
	return output, nil
}

func (s *Service) run(ctx context.Context, batchID, accountID shared.ID, files []FileInput, log *logger.Logger) (*Output, error) {
	resolved, err := resolveBatch(files, s.now(), s.cfg.RetentionDays)
	if err != nil {
		return nil, err
	}

	for _, rf := range resolved {
		exists, err := s.reports.ExistsByRunDate(ctx, accountID, rf.runDate)
		if err != nil {
			return nil, fmt.Errorf("checking run date %s: %w", rf.runDate.Format("2006-01-02"), err)
		}
		if exists {
			return nil, fmt.Errorf("%w: %s (%s)", report.ErrDuplicateRunDate,
				rf.runDate.Format("2006-01-02"), rf.input.Filename)
		}
	}

	parsed, err := s.parseAll(ctx, resolved)
	if err != nil {
		return nil, err
	}

	results := make([]FileResult, 0, len(parsed))
	err = s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if err := s.lock(ctx, tx, accountID); err != nil {
			return fmt.Errorf("acquiring account lock: %w", err)
		}

		for i, pf := range parsed {
			result, err := s.applyFile(ctx, tx, batchID, accountID, pf, len(parsed), i)
			if err != nil {
				return fmt.Errorf("file %s: %w", pf.input.Filename, err)
			}
			results = append(results, result)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		log.Info("report ingested",
			"filename", r.Filename,
			"run_date", r.RunDate.Format("2006-01-02"),
			"format", string(r.Format),
			"created", r.Created,
			"refreshed", r.Refreshed,
			"fixed", r.Fixed,
			"skipped", r.Skipped,
		)
	}

	return &Output{
		BatchID:   batchID,
		AccountID: accountID,
		State:     StateCommitted,
		Files:     results,
	}, nil
}

// parseAll decodes every file in the batch, bounded by the configured
// parse concurrency. Decoding happens before the transaction opens so a
// malformed file fails fast without holding the account lock.
func (s *Service) parseAll(ctx context.Context, resolved []resolvedFile) ([]parsedFile, error) {
	parsed := make([]parsedFile, len(resolved))

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.ParseConcurrency > 0 {
		g.SetLimit(s.cfg.ParseConcurrency)
	}

	for i, rf := range resolved {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			raws, format, err := scanexport.Decode(rf.input.Filename, rf.input.Data)
			if err != nil {
				return fmt.Errorf("file %s: %w", rf.input.Filename, err)
			}

			parsed[i] = parsedFile{
				resolvedFile: rf,
				raws:         raws,
				format:       report.Format(format),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return parsed, nil
}

// applyFile ingests one report inside the batch transaction: it archives
// the previous snapshot, replaces the live set and derives fixed findings.
func (s *Service) applyFile(ctx context.Context, tx *sql.Tx, batchID, accountID shared.ID, pf parsedFile, total, done int) (FileResult, error) {
	r, err := report.New(accountID, pf.input.Filename, pf.format, pf.runDate)
	if err != nil {
		return FileResult{}, err
	}

	normalized := Normalize(accountID, r.ID(), pf.raws)

	previous, err := s.findings.ListByAccountInTx(ctx, tx, accountID)
	if err != nil {
		return FileResult{}, fmt.Errorf("loading previous snapshot: %w", err)
	}

	diff, err := Diff(previous, normalized.Findings, r.ID(), pf.runDate)
	if err != nil {
		return FileResult{}, err
	}

	r.Commit(len(normalized.Findings), len(normalized.Skipped))
	if err := s.reports.CreateInTx(ctx, tx, r); err != nil {
		return FileResult{}, err
	}

	s.saveProgress(ctx, batchID, accountID, StateArchiving, total, done, "")
	if err := s.history.CreateBatchInTx(ctx, tx, diff.Archived); err != nil {
		return FileResult{}, fmt.Errorf("archiving snapshot: %w", err)
	}

	s.saveProgress(ctx, batchID, accountID, StateReplacing, total, done, "")
	if err := s.findings.DeleteByStableKeysInTx(ctx, tx, accountID, diff.RemovedKeys); err != nil {
		return FileResult{}, fmt.Errorf("removing fixed findings: %w", err)
	}
	for _, f := range diff.Refreshed {
		if err := s.findings.UpdateInTx(ctx, tx, f); err != nil {
			return FileResult{}, fmt.Errorf("refreshing finding %s: %w", f.StableKey(), err)
		}
	}
	for _, f := range diff.Created {
		if err := s.findings.CreateInTx(ctx, tx, f); err != nil {
			return FileResult{}, fmt.Errorf("creating finding %s: %w", f.StableKey(), err)
		}
	}

	s.saveProgress(ctx, batchID, accountID, StateDiffing, total, done+1, "")
	summary := finding.NewFixedSummary(fixedEntriesFrom(diff.Archived))
	if err := s.reports.SetFixedSummaryInTx(ctx, tx, r.ID(), summary); err != nil {
		return FileResult{}, fmt.Errorf("caching fixed summary: %w", err)
	}

	acct := accountID.String()
	metrics.ReportsTotal.WithLabelValues(acct, string(pf.format)).Inc()
	metrics.FindingsTotal.WithLabelValues(acct, "created").Add(float64(len(diff.Created)))
	metrics.FindingsTotal.WithLabelValues(acct, "refreshed").Add(float64(len(diff.Refreshed)))
	metrics.FindingsTotal.WithLabelValues(acct, "fixed").Add(float64(diff.FixedCount()))
	metrics.RecordsSkippedTotal.WithLabelValues(acct).Add(float64(len(normalized.Skipped)))
	metrics.DaysActiveClampedTotal.WithLabelValues(acct).Add(float64(diff.ClampedCount))

	return FileResult{
		Filename:    pf.input.Filename,
		ReportID:    r.ID(),
		RunDate:     pf.runDate,
		Format:      pf.format,
		Created:     len(diff.Created),
		Refreshed:   len(diff.Refreshed),
		Fixed:       diff.FixedCount(),
		Skipped:     len(normalized.Skipped),
		Diagnostics: normalized.Skipped,
	}, nil
}

// fixedEntriesFrom projects the fixed subset of freshly archived snapshots.
func fixedEntriesFrom(archived []*finding.HistoryRecord) []finding.FixedEntry {
	var entries []finding.FixedEntry
	for _, h := range archived {
		if !h.IsFixed() {
			continue
		}
		entries = append(entries, finding.FixedEntry{
			StableKey:       h.StableKey(),
			FindingARN:      h.FindingARN(),
			VulnerabilityID: h.VulnerabilityID(),
			Title:           h.Title(),
			Severity:        h.Severity(),
			FixAvailable:    h.FixAvailable(),
			FirstObservedAt: h.FirstObservedAt(),
			FixedAt:         *h.FixedAt(),
			DaysActive:      *h.DaysActive(),
			ReportID:        h.ReportID(),
		})
	}
	return entries
}

// saveProgress records batch progress best-effort; a store failure or an
// absent store never affects the batch.
func (s *Service) saveProgress(ctx context.Context, batchID, accountID shared.ID, state State, total, done int, errMsg string) {
	if s.progress == nil {
		return
	}

	p := redis.BatchProgress{
		BatchID:    batchID,
		AccountID:  accountID,
		State:      string(state),
		FilesTotal: total,
		FilesDone:  done,
		Error:      errMsg,
	}
	if err := s.progress.Save(ctx, p); err != nil {
		s.logger.Warn("saving ingest progress", "batch_id", batchID.String(), "error", err)
	}
}

// Progress returns the externally visible state of a batch, if the progress
// store is configured and still holds it.
func (s *Service) Progress(ctx context.Context, batchID shared.ID) (redis.BatchProgress, error) {
	if s.progress == nil {
		return redis.BatchProgress{}, redis.ErrKeyNotFound
	}
	return s.progress.Get(ctx, batchID)
}
