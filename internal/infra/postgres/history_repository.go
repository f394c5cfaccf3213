package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/scantrail/api/pkg/domain/finding"
	"github.com/scantrail/api/pkg/domain/shared"
	"github.com/scantrail/api/pkg/pagination"
)

// HistoryRepository implements finding.HistoryRepository using PostgreSQL.
//
// History rows are append-only. Child collections are snapshotted as JSONB
// at archival time since they never change afterwards.
type HistoryRepository struct {
	db *DB
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(db *DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

const historyColumns = `id, account_id, stable_key, finding_arn, vulnerability_id, title, description,
		severity, status, fix_available, first_observed_at, last_observed_at, report_id,
		resources, packages, reference_urls, fixed_at, days_active, archived_at`

// CreateBatchInTx appends history snapshots inside the batch transaction.
func (r *HistoryRepository) CreateBatchInTx(ctx context.Context, tx *sql.Tx, records []*finding.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO history_findings (` + historyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare history insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		resources, err := toJSONB(rec.Resources())
		if err != nil {
			return fmt.Errorf("failed to marshal resources: %w", err)
		}
		packages, err := toJSONB(rec.Packages())
		if err != nil {
			return fmt.Errorf("failed to marshal packages: %w", err)
		}
		references, err := toJSONB(rec.References())
		if err != nil {
			return fmt.Errorf("failed to marshal references: %w", err)
		}

		var daysActive sql.NullInt64
		if rec.DaysActive() != nil {
			daysActive = sql.NullInt64{Int64: int64(*rec.DaysActive()), Valid: true}
		}

		_, err = stmt.ExecContext(ctx,
			rec.ID().String(),
			rec.AccountID().String(),
			rec.StableKey(),
			nullString(rec.FindingARN()),
			nullString(rec.VulnerabilityID()),
			rec.Title(),
			nullString(rec.Description()),
			rec.Severity().String(),
			rec.Status().String(),
			rec.FixAvailable().String(),
			rec.FirstObservedAt(),
			rec.LastObservedAt(),
			rec.ReportID().String(),
			coalesceJSONB(resources),
			coalesceJSONB(packages),
			coalesceJSONB(references),
			nullTime(rec.FixedAt()),
			daysActive,
			rec.ArchivedAt(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert history record: %w", err)
		}
	}

	return nil
}

// ListFixed retrieves fixed findings with filtering and pagination.
func (r *HistoryRepository) ListFixed(ctx context.Context, filter finding.FixedFilter, opts finding.ListOptions, page pagination.Pagination) (pagination.Result[finding.FixedEntry], error) {
	baseQuery := `
		SELECT stable_key, finding_arn, vulnerability_id, title, severity, fix_available,
			first_observed_at, fixed_at, days_active, report_id
		FROM history_findings`
	countQuery := `SELECT COUNT(*) FROM history_findings`

	whereClause, args := buildFixedWhereClause(filter)
	baseQuery += " WHERE " + whereClause
	countQuery += " WHERE " + whereClause

	orderBy := defaultFixedSort
	if opts.Sort != nil && !opts.Sort.IsEmpty() {
		orderBy = opts.Sort.SQLWithDefault(defaultFixedSort)
	}
	baseQuery += " ORDER BY " + orderBy
	baseQuery += fmt.Sprintf(" LIMIT %d OFFSET %d", page.Limit(), page.Offset())

	var total int64
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return pagination.Result[finding.FixedEntry]{}, fmt.Errorf("failed to count fixed findings: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, baseQuery, args...)
	if err != nil {
		return pagination.Result[finding.FixedEntry]{}, fmt.Errorf("failed to query fixed findings: %w", err)
	}
	defer rows.Close()

	var entries []finding.FixedEntry
	for rows.Next() {
		var (
			stableKey, title, severity, fixAvail string
			arn, vulnID                          sql.NullString
			reportIDStr                          string
			firstObserved, fixedAt               time.Time
			daysActive                           int
		)
		err := rows.Scan(&stableKey, &arn, &vulnID, &title, &severity, &fixAvail,
			&firstObserved, &fixedAt, &daysActive, &reportIDStr)
		if err != nil {
			return pagination.Result[finding.FixedEntry]{}, fmt.Errorf("failed to scan fixed finding: %w", err)
		}

		reportID, err := shared.IDFromString(reportIDStr)
		if err != nil {
			return pagination.Result[finding.FixedEntry]{}, fmt.Errorf("invalid report id: %w", err)
		}

		entries = append(entries, finding.FixedEntry{
			StableKey:       stableKey,
			FindingARN:      nullStringValue(arn),
			VulnerabilityID: nullStringValue(vulnID),
			Title:           title,
			Severity:        finding.Severity(severity),
			FixAvailable:    finding.FixAvailability(fixAvail),
			FirstObservedAt: firstObserved,
			FixedAt:         fixedAt,
			DaysActive:      daysActive,
			ReportID:        reportID,
		})
	}
	if err := rows.Err(); err != nil {
		return pagination.Result[finding.FixedEntry]{}, fmt.Errorf("failed to iterate fixed findings: %w", err)
	}

	return pagination.NewResult(entries, total, page), nil
}

// SummarizeFixed aggregates the filtered fixed set.
func (r *HistoryRepository) SummarizeFixed(ctx context.Context, filter finding.FixedFilter) (finding.FixedSummary, error) {
	whereClause, args := buildFixedWhereClause(filter)

	query := `
		SELECT severity, COUNT(*), COUNT(*) FILTER (WHERE fix_available <> 'no'), COALESCE(AVG(days_active), 0)
		FROM history_findings
		WHERE ` + whereClause + `
		GROUP BY severity`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return finding.FixedSummary{}, fmt.Errorf("failed to summarize fixed findings: %w", err)
	}
	defer rows.Close()

	summary := finding.FixedSummary{BySeverity: make(map[finding.Severity]int)}
	var weightedDays float64
	for rows.Next() {
		var severity string
		var count, withFix int
		var avgDays float64
		if err := rows.Scan(&severity, &count, &withFix, &avgDays); err != nil {
			return finding.FixedSummary{}, fmt.Errorf("failed to scan fixed summary: %w", err)
		}
		summary.Total += count
		summary.BySeverity[finding.Severity(severity)] = count
		summary.WithFix += withFix
		weightedDays += avgDays * float64(count)
	}
	if err := rows.Err(); err != nil {
		return finding.FixedSummary{}, fmt.Errorf("failed to iterate fixed summary: %w", err)
	}

	if summary.Total > 0 {
		summary.AvgDaysActive = weightedDays / float64(summary.Total)
	}
	return summary, nil
}

// ListByStableKey retrieves all history snapshots sharing a stable key,
// most recent first.
func (r *HistoryRepository) ListByStableKey(ctx context.Context, accountID shared.ID, stableKey string) ([]*finding.HistoryRecord, error) {
	query := `SELECT ` + historyColumns + ` FROM history_findings
		WHERE account_id = $1 AND stable_key = $2
		ORDER BY archived_at DESC`
	return r.queryHistory(ctx, query, accountID.String(), stableKey)
}

// ListByVulnerabilityID retrieves history snapshots by vulnerability
// identifier, most recent first.
func (r *HistoryRepository) ListByVulnerabilityID(ctx context.Context, accountID shared.ID, vulnerabilityID string) ([]*finding.HistoryRecord, error) {
	query := `SELECT ` + historyColumns + ` FROM history_findings
		WHERE account_id = $1 AND vulnerability_id = $2
		ORDER BY archived_at DESC`
	return r.queryHistory(ctx, query, accountID.String(), vulnerabilityID)
}

func (r *HistoryRepository) queryHistory(ctx context.Context, query string, args ...any) ([]*finding.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []*finding.HistoryRecord
	for rows.Next() {
		rec, err := scanHistoryFromRows(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return records, nil
}

func scanHistoryFromRows(rows *sql.Rows) (*finding.HistoryRecord, error) {
	var (
		idStr, accountIDStr, stableKey, title       string
		severity, status, fixAvailable, reportIDStr string
		findingARN, vulnerabilityID, description    sql.NullString
		firstObservedAt, lastObservedAt, archivedAt time.Time
		resourcesJSON, packagesJSON, referencesJSON []byte
		fixedAt                                     sql.NullTime
		daysActive                                  sql.NullInt64
	)

	err := rows.Scan(
		&idStr, &accountIDStr, &stableKey, &findingARN, &vulnerabilityID, &title, &description,
		&severity, &status, &fixAvailable, &firstObservedAt, &lastObservedAt, &reportIDStr,
		&resourcesJSON, &packagesJSON, &referencesJSON, &fixedAt, &daysActive, &archivedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan history record: %w", err)
	}

	id, err := shared.IDFromString(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid history id: %w", err)
	}
	accountID, err := shared.IDFromString(accountIDStr)
	if err != nil {
		return nil, fmt.Errorf("invalid account id: %w", err)
	}
	reportID, err := shared.IDFromString(reportIDStr)
	if err != nil {
		return nil, fmt.Errorf("invalid report id: %w", err)
	}

	var resources []finding.Resource
	if err := fromJSONB(resourcesJSON, &resources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resources: %w", err)
	}
	var packages []finding.Package
	if err := fromJSONB(packagesJSON, &packages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal packages: %w", err)
	}
	var references []finding.Reference
	if err := fromJSONB(referencesJSON, &references); err != nil {
		return nil, fmt.Errorf("failed to unmarshal references: %w", err)
	}

	return finding.ReconstituteHistory(
		id, accountID,
		stableKey,
		nullStringValue(findingARN),
		nullStringValue(vulnerabilityID),
		title,
		nullStringValue(description),
		finding.Severity(severity),
		finding.Status(status),
		finding.FixAvailability(fixAvailable),
		firstObservedAt, lastObservedAt,
		reportID,
		archivedAt,
		nullTimeValue(fixedAt),
		nullIntValue(daysActive),
		resources, packages, references,
	), nil
}

// buildFixedWhereClause builds the WHERE clause for fixed-set queries.
// Always includes the fixed_at predicate so only remediation snapshots match.
func buildFixedWhereClause(filter finding.FixedFilter) (string, []any) {
	conditions := []string{"fixed_at IS NOT NULL"}
	var args []any
	argIndex := 1

	if filter.AccountID != nil {
		conditions = append(conditions, fmt.Sprintf("account_id = $%d", argIndex))
		args = append(args, filter.AccountID.String())
		argIndex++
	}

	if len(filter.Severities) > 0 {
		placeholders := make([]string, len(filter.Severities))
		for i, sev := range filter.Severities {
			placeholders[i] = fmt.Sprintf("$%d", argIndex)
			args = append(args, sev.String())
			argIndex++
		}
		conditions = append(conditions, fmt.Sprintf("severity IN (%s)", strings.Join(placeholders, ", ")))
	}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = fmt.Sprintf("$%d", argIndex)
			args = append(args, st.String())
			argIndex++
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}

	if filter.FixAvailable != nil {
		conditions = append(conditions, fmt.Sprintf("fix_available = $%d", argIndex))
		args = append(args, filter.FixAvailable.String())
		argIndex++
	}

	if filter.ResourceType != nil && *filter.ResourceType != "" {
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM jsonb_array_elements(resources) res WHERE res->>'type' = $%d)", argIndex))
		args = append(args, *filter.ResourceType)
		argIndex++
	}

	if filter.Platform != nil && *filter.Platform != "" {
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM jsonb_array_elements(resources) res WHERE res->>'platform' = $%d)", argIndex))
		args = append(args, *filter.Platform)
		argIndex++
	}

	if filter.ResourceID != nil && *filter.ResourceID != "" {
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM jsonb_array_elements(resources) res WHERE res->>'identifier' = $%d)", argIndex))
		args = append(args, *filter.ResourceID)
		argIndex++
	}

	if filter.Search != nil && *filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf(
			"(title ILIKE $%d OR description ILIKE $%d OR vulnerability_id ILIKE $%d)", argIndex, argIndex, argIndex))
		args = append(args, wrapLikePattern(*filter.Search))
		argIndex++
	}

	if filter.FixedAfter != nil {
		conditions = append(conditions, fmt.Sprintf("fixed_at >= $%d", argIndex))
		args = append(args, *filter.FixedAfter)
		argIndex++
	}

	if filter.FixedUntil != nil {
		conditions = append(conditions, fmt.Sprintf("fixed_at <= $%d", argIndex))
		args = append(args, *filter.FixedUntil)
		argIndex++
	}

	return strings.Join(conditions, " AND "), args
}

// coalesceJSONB substitutes an empty JSON array for nil child collections so
// the NOT NULL JSONB columns stay consistent.
func coalesceJSONB(data []byte) []byte {
	if len(data) == 0 || string(data) == "null" {
		return []byte("[]")
	}
	return data
}
