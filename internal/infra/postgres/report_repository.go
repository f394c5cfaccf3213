package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scantrail/api/pkg/domain/finding"
	"github.com/scantrail/api/pkg/domain/report"
	"github.com/scantrail/api/pkg/domain/shared"
)

// ReportRepository implements report.Repository using PostgreSQL.
type ReportRepository struct {
	db *DB
}

// NewReportRepository creates a new ReportRepository.
func NewReportRepository(db *DB) *ReportRepository {
	return &ReportRepository{db: db}
}

const reportColumns = `id, account_id, filename, format, run_date, uploaded_at, finding_count, skipped_count, outcome`

// CreateInTx persists a report inside the batch transaction.
func (r *ReportRepository) CreateInTx(ctx context.Context, tx *sql.Tx, rep *report.Report) error {
	query := `
		INSERT INTO reports (id, account_id, filename, format, run_date, uploaded_at, finding_count, skipped_count, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := tx.ExecContext(ctx, query,
		rep.ID().String(),
		rep.AccountID().String(),
		rep.Filename(),
		string(rep.Format()),
		rep.RunDate(),
		rep.UploadedAt(),
		rep.FindingCount(),
		rep.SkippedCount(),
		string(rep.Outcome()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return report.ErrDuplicateRunDate
		}
		return fmt.Errorf("failed to create report: %w", err)
	}

	return nil
}

// SetFixedSummaryInTx caches the diff engine's fixed-set aggregates on the
// report row that produced them.
func (r *ReportRepository) SetFixedSummaryInTx(ctx context.Context, tx *sql.Tx, id shared.ID, summary finding.FixedSummary) error {
	data, err := toJSONB(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal fixed summary: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE reports SET fixed_summary = $1 WHERE id = $2`,
		data, id.String())
	if err != nil {
		return fmt.Errorf("failed to set fixed summary: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return report.ErrNotFound
	}
	return nil
}

// GetByID retrieves a report by its ID.
func (r *ReportRepository) GetByID(ctx context.Context, id shared.ID) (*report.Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, id.String())
	return scanReport(row)
}

// ExistsByRunDate reports whether a committed report with the given run date
// already exists for the account.
func (r *ReportRepository) ExistsByRunDate(ctx context.Context, accountID shared.ID, runDate time.Time) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM reports WHERE account_id = $1 AND run_date = $2)`

	var exists bool
	err := r.db.QueryRowContext(ctx, query, accountID.String(), runDate).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check report existence: %w", err)
	}

	return exists, nil
}

// ListByAccount retrieves reports for an account, newest run date first.
func (r *ReportRepository) ListByAccount(ctx context.Context, accountID shared.ID, limit int) ([]*report.Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE account_id = $1 ORDER BY run_date DESC`
	args := []any{accountID.String()}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []*report.Report
	for rows.Next() {
		rep, err := scanReportFromRows(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, rep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reports: %w", err)
	}
	return reports, nil
}

func scanReport(row *sql.Row) (*report.Report, error) {
	var (
		idStr, accountIDStr, filename, format, outcome string
		runDate, uploadedAt                            time.Time
		findingCount, skippedCount                     int
	)

	err := row.Scan(&idStr, &accountIDStr, &filename, &format, &runDate, &uploadedAt, &findingCount, &skippedCount, &outcome)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, report.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan report: %w", err)
	}

	return reconstituteReport(idStr, accountIDStr, filename, format, outcome, runDate, uploadedAt, findingCount, skippedCount)
}

func scanReportFromRows(rows *sql.Rows) (*report.Report, error) {
	var (
		idStr, accountIDStr, filename, format, outcome string
		runDate, uploadedAt                            time.Time
		findingCount, skippedCount                     int
	)

	err := rows.Scan(&idStr, &accountIDStr, &filename, &format, &runDate, &uploadedAt, &findingCount, &skippedCount, &outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to scan report: %w", err)
	}

	return reconstituteReport(idStr, accountIDStr, filename, format, outcome, runDate, uploadedAt, findingCount, skippedCount)
}

func reconstituteReport(idStr, accountIDStr, filename, format, outcome string, runDate, uploadedAt time.Time, findingCount, skippedCount int) (*report.Report, error) {
	id, err := shared.IDFromString(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid report id: %w", err)
	}
	accountID, err := shared.IDFromString(accountIDStr)
	if err != nil {
		return nil, fmt.Errorf("invalid account id: %w", err)
	}

	return report.Reconstitute(
		id, accountID,
		filename,
		report.Format(format),
		runDate, uploadedAt,
		findingCount, skippedCount,
		report.Outcome(outcome),
	), nil
}
