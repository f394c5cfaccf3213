package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/scantrail/api/pkg/domain/finding"
	"github.com/scantrail/api/pkg/domain/shared"
	"github.com/scantrail/api/pkg/pagination"
)

// FindingRepository implements finding.Repository using PostgreSQL.
type FindingRepository struct {
	db *DB
}

// NewFindingRepository creates a new FindingRepository.
func NewFindingRepository(db *DB) *FindingRepository {
	return &FindingRepository{db: db}
}

const findingColumns = `id, account_id, stable_key, finding_arn, vulnerability_id, title, description,
		severity, status, fix_available, first_observed_at, last_observed_at, report_id, created_at, updated_at`

// ListByAccountInTx loads the full live snapshot for an account inside the
// batch transaction, children included.
func (r *FindingRepository) ListByAccountInTx(ctx context.Context, tx *sql.Tx, accountID shared.ID) ([]*finding.Finding, error) {
	query := `SELECT ` + findingColumns + ` FROM findings WHERE account_id = $1`

	rows, err := tx.QueryContext(ctx, query, accountID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var findings []*finding.Finding
	for rows.Next() {
		f, err := scanFindingFromRows(rows)
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate findings: %w", err)
	}

	if err := loadChildrenInTx(ctx, tx, findings); err != nil {
		return nil, err
	}
	return findings, nil
}

// CreateInTx persists a new live finding and its children.
func (r *FindingRepository) CreateInTx(ctx context.Context, tx *sql.Tx, f *finding.Finding) error {
	query := `
		INSERT INTO findings (` + findingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := tx.ExecContext(ctx, query,
		f.ID().String(),
		f.AccountID().String(),
		f.StableKey(),
		nullString(f.FindingARN()),
		nullString(f.VulnerabilityID()),
		f.Title(),
		nullString(f.Description()),
		f.Severity().String(),
		f.Status().String(),
		f.FixAvailable().String(),
		f.FirstObservedAt(),
		f.LastObservedAt(),
		f.ReportID().String(),
		f.CreatedAt(),
		f.UpdatedAt(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: finding with stable key %q already exists", shared.ErrConflict, f.StableKey())
		}
		return fmt.Errorf("failed to create finding: %w", err)
	}

	return insertChildrenInTx(ctx, tx, f)
}

// UpdateInTx refreshes an existing live finding in place and replaces its
// children wholesale.
func (r *FindingRepository) UpdateInTx(ctx context.Context, tx *sql.Tx, f *finding.Finding) error {
	query := `
		UPDATE findings SET
			finding_arn = $1, vulnerability_id = $2, title = $3, description = $4,
			severity = $5, status = $6, fix_available = $7,
			last_observed_at = $8, report_id = $9, updated_at = $10
		WHERE id = $11
	`

	result, err := tx.ExecContext(ctx, query,
		nullString(f.FindingARN()),
		nullString(f.VulnerabilityID()),
		f.Title(),
		nullString(f.Description()),
		f.Severity().String(),
		f.Status().String(),
		f.FixAvailable().String(),
		f.LastObservedAt(),
		f.ReportID().String(),
		f.UpdatedAt(),
		f.ID().String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update finding: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return finding.ErrNotFound
	}

	if err := deleteChildrenInTx(ctx, tx, f.ID()); err != nil {
		return err
	}
	return insertChildrenInTx(ctx, tx, f)
}

// DeleteByStableKeysInTx removes findings absent from the new snapshot.
// Children go with them via FK cascade.
func (r *FindingRepository) DeleteByStableKeysInTx(ctx context.Context, tx *sql.Tx, accountID shared.ID, stableKeys []string) error {
	if len(stableKeys) == 0 {
		return nil
	}

	query := `DELETE FROM findings WHERE account_id = $1 AND stable_key = ANY($2)`
	if _, err := tx.ExecContext(ctx, query, accountID.String(), pq.Array(stableKeys)); err != nil {
		return fmt.Errorf("failed to delete findings: %w", err)
	}
	return nil
}

// List retrieves live findings matching the filter with pagination.
func (r *FindingRepository) List(ctx context.Context, filter finding.Filter, opts finding.ListOptions, page pagination.Pagination) (pagination.Result[*finding.Finding], error) {
	baseQuery := `SELECT ` + findingColumns + ` FROM findings`
	countQuery := `SELECT COUNT(*) FROM findings`

	whereClause, args := buildFindingWhereClause(filter)
	if whereClause != "" {
		baseQuery += " WHERE " + whereClause
		countQuery += " WHERE " + whereClause
	}

	orderBy := defaultFindingSort
	if opts.Sort != nil && !opts.Sort.IsEmpty() {
		orderBy = opts.Sort.SQLWithDefault(defaultFindingSort)
	}
	baseQuery += " ORDER BY " + orderBy
	baseQuery += fmt.Sprintf(" LIMIT %d OFFSET %d", page.Limit(), page.Offset())

	var total int64
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return pagination.Result[*finding.Finding]{}, fmt.Errorf("failed to count findings: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, baseQuery, args...)
	if err != nil {
		return pagination.Result[*finding.Finding]{}, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var findings []*finding.Finding
	for rows.Next() {
		f, err := scanFindingFromRows(rows)
		if err != nil {
			return pagination.Result[*finding.Finding]{}, err
		}
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return pagination.Result[*finding.Finding]{}, fmt.Errorf("failed to iterate findings: %w", err)
	}

	if err := r.loadChildren(ctx, findings); err != nil {
		return pagination.Result[*finding.Finding]{}, err
	}

	return pagination.NewResult(findings, total, page), nil
}

// GetByStableKey retrieves a live finding by its correlation key.
func (r *FindingRepository) GetByStableKey(ctx context.Context, accountID shared.ID, stableKey string) (*finding.Finding, error) {
	query := `SELECT ` + findingColumns + ` FROM findings WHERE account_id = $1 AND stable_key = $2`

	rows, err := r.db.QueryContext(ctx, query, accountID.String(), stableKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query finding: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to query finding: %w", err)
		}
		return nil, finding.ErrNotFound
	}

	f, err := scanFindingFromRows(rows)
	if err != nil {
		return nil, err
	}

	if err := r.loadChildren(ctx, []*finding.Finding{f}); err != nil {
		return nil, err
	}
	return f, nil
}

// buildFindingWhereClause builds the WHERE clause for live finding filters.
func buildFindingWhereClause(filter finding.Filter) (string, []any) {
	var conditions []string
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
			"EXISTS (SELECT 1 FROM finding_resources fr WHERE fr.finding_id = findings.id AND fr.type = $%d)", argIndex))
		args = append(args, *filter.ResourceType)
		argIndex++
	}

	if filter.Platform != nil && *filter.Platform != "" {
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM finding_resources fr WHERE fr.finding_id = findings.id AND fr.platform = $%d)", argIndex))
		args = append(args, *filter.Platform)
		argIndex++
	}

	if filter.ResourceID != nil && *filter.ResourceID != "" {
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM finding_resources fr WHERE fr.finding_id = findings.id AND fr.identifier = $%d)", argIndex))
		args = append(args, *filter.ResourceID)
		argIndex++
	}

	if filter.Search != nil && *filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf(
			"(title ILIKE $%d OR description ILIKE $%d OR vulnerability_id ILIKE $%d)", argIndex, argIndex, argIndex))
		args = append(args, wrapLikePattern(*filter.Search))
		argIndex++
	}

	if filter.ObservedAfter != nil {
		conditions = append(conditions, fmt.Sprintf("last_observed_at >= $%d", argIndex))
		args = append(args, *filter.ObservedAfter)
		argIndex++
	}

	if filter.ObservedUntil != nil {
		conditions = append(conditions, fmt.Sprintf("first_observed_at <= $%d", argIndex))
		args = append(args, *filter.ObservedUntil)
		argIndex++
	}

	return strings.Join(conditions, " AND "), args
}

// scanFindingFromRows scans a finding row without children.
func scanFindingFromRows(rows *sql.Rows) (*finding.Finding, error) {
	var (
		idStr, accountIDStr, stableKey, title             string
		severity, status, fixAvailable, reportIDStr       string
		findingARN, vulnerabilityID, description          sql.NullString
		firstObservedAt, lastObservedAt, createdAt, updAt time.Time
	)

	err := rows.Scan(
		&idStr, &accountIDStr, &stableKey, &findingARN, &vulnerabilityID, &title, &description,
		&severity, &status, &fixAvailable, &firstObservedAt, &lastObservedAt, &reportIDStr,
		&createdAt, &updAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan finding: %w", err)
	}

	id, err := shared.IDFromString(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid finding id: %w", err)
	}
	accountID, err := shared.IDFromString(accountIDStr)
	if err != nil {
		return nil, fmt.Errorf("invalid account id: %w", err)
	}
	reportID, err := shared.IDFromString(reportIDStr)
	if err != nil {
		return nil, fmt.Errorf("invalid report id: %w", err)
	}

	return finding.Reconstitute(
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
		createdAt, updAt,
	), nil
}

// querier covers both *sql.Tx and *DB for child loading.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *FindingRepository) loadChildren(ctx context.Context, findings []*finding.Finding) error {
	return loadChildren(ctx, r.db, findings)
}

func loadChildrenInTx(ctx context.Context, tx *sql.Tx, findings []*finding.Finding) error {
	return loadChildren(ctx, tx, findings)
}

// loadChildren batch-loads resources, packages and references for the given
// findings and attaches them.
func loadChildren(ctx context.Context, q querier, findings []*finding.Finding) error {
	if len(findings) == 0 {
		return nil
	}

	ids := make([]string, len(findings))
	byID := make(map[string]*finding.Finding, len(findings))
	for i, f := range findings {
		ids[i] = f.ID().String()
		byID[f.ID().String()] = f
	}

	resources := make(map[string][]finding.Resource)
	rows, err := q.QueryContext(ctx,
		`SELECT finding_id, identifier, COALESCE(type, ''), COALESCE(platform, '') FROM finding_resources WHERE finding_id = ANY($1) ORDER BY id`,
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query finding resources: %w", err)
	}
	for rows.Next() {
		var fid string
		var res finding.Resource
		if err := rows.Scan(&fid, &res.Identifier, &res.Type, &res.Platform); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan finding resource: %w", err)
		}
		resources[fid] = append(resources[fid], res)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to iterate finding resources: %w", err)
	}
	rows.Close()

	packages := make(map[string][]finding.Package)
	rows, err = q.QueryContext(ctx,
		`SELECT finding_id, name, COALESCE(version, ''), COALESCE(fixed_version, ''), COALESCE(ecosystem, '') FROM finding_packages WHERE finding_id = ANY($1) ORDER BY id`,
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query finding packages: %w", err)
	}
	for rows.Next() {
		var fid string
		var pkg finding.Package
		if err := rows.Scan(&fid, &pkg.Name, &pkg.Version, &pkg.FixedVersion, &pkg.Ecosystem); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan finding package: %w", err)
		}
		packages[fid] = append(packages[fid], pkg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to iterate finding packages: %w", err)
	}
	rows.Close()

	references := make(map[string][]finding.Reference)
	rows, err = q.QueryContext(ctx,
		`SELECT finding_id, url FROM finding_references WHERE finding_id = ANY($1) ORDER BY id`,
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query finding references: %w", err)
	}
	for rows.Next() {
		var fid string
		var ref finding.Reference
		if err := rows.Scan(&fid, &ref.URL); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan finding reference: %w", err)
		}
		references[fid] = append(references[fid], ref)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to iterate finding references: %w", err)
	}
	rows.Close()

	for fid, f := range byID {
		f.SetChildren(resources[fid], packages[fid], references[fid])
	}
	return nil
}

// insertChildrenInTx inserts all child rows for a finding.
func insertChildrenInTx(ctx context.Context, tx *sql.Tx, f *finding.Finding) error {
	for _, res := range f.Resources() {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO finding_resources (finding_id, identifier, type, platform) VALUES ($1, $2, $3, $4)`,
			f.ID().String(), res.Identifier, nullString(res.Type), nullString(res.Platform))
		if err != nil {
			return fmt.Errorf("failed to insert finding resource: %w", err)
		}
	}

	for _, pkg := range f.Packages() {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO finding_packages (finding_id, name, version, fixed_version, ecosystem) VALUES ($1, $2, $3, $4, $5)`,
			f.ID().String(), pkg.Name, nullString(pkg.Version), nullString(pkg.FixedVersion), nullString(pkg.Ecosystem))
		if err != nil {
			return fmt.Errorf("failed to insert finding package: %w", err)
		}
	}

	for _, ref := range f.References() {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO finding_references (finding_id, url) VALUES ($1, $2)`,
			f.ID().String(), ref.URL)
		if err != nil {
			return fmt.Errorf("failed to insert finding reference: %w", err)
		}
	}

	return nil
}

// deleteChildrenInTx removes all child rows for a finding.
func deleteChildrenInTx(ctx context.Context, tx *sql.Tx, id shared.ID) error {
	for _, table := range []string{"finding_resources", "finding_packages", "finding_references"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE finding_id = $1`, id.String()); err != nil {
			return fmt.Errorf("failed to delete %s: %w", table, err)
		}
	}
	return nil
}
