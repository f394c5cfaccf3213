package finding

import (
	"fmt"
	"time"

	"github.com/scantrail/api/pkg/domain/shared"
)

// HistoryRecord is an immutable snapshot of a finding taken at the moment it
// was superseded or found fixed, tagged with the report that triggered the
// archival. History records are never updated or deleted; they form the
// provenance trail.
type HistoryRecord struct {
	id              shared.ID
	accountID       shared.ID
	stableKey       string
	findingARN      string
	vulnerabilityID string
	title           string
	description     string
	severity        Severity
	status          Status
	fixAvailable    FixAvailability
	firstObservedAt time.Time
	lastObservedAt  time.Time
	reportID        shared.ID
	archivedAt      time.Time
	fixedAt         *time.Time
	daysActive      *int
	resources       []Resource
	packages        []Package
	references      []Reference
}

// Archive snapshots a live finding into a HistoryRecord tagged with the
// incoming report.
func Archive(f *Finding, reportID shared.ID) (*HistoryRecord, error) {
	if reportID.IsZero() {
		return nil, fmt.Errorf("%w: report id is required", shared.ErrValidation)
	}

	return &HistoryRecord{
		id:              shared.NewID(),
		accountID:       f.AccountID(),
		stableKey:       f.StableKey(),
		findingARN:      f.FindingARN(),
		vulnerabilityID: f.VulnerabilityID(),
		title:           f.Title(),
		description:     f.Description(),
		severity:        f.Severity(),
		status:          f.Status(),
		fixAvailable:    f.FixAvailable(),
		firstObservedAt: f.FirstObservedAt(),
		lastObservedAt:  f.LastObservedAt(),
		reportID:        reportID,
		archivedAt:      time.Now().UTC(),
		resources:       f.Resources(),
		packages:        f.Packages(),
		references:      f.References(),
	}, nil
}

// ReconstituteHistory recreates a HistoryRecord from persistence.
func ReconstituteHistory(
	id, accountID shared.ID,
	stableKey, findingARN, vulnerabilityID, title, description string,
	severity Severity,
	status Status,
	fixAvailable FixAvailability,
	firstObservedAt, lastObservedAt time.Time,
	reportID shared.ID,
	archivedAt time.Time,
	fixedAt *time.Time,
	daysActive *int,
	resources []Resource,
	packages []Package,
	references []Reference,
) *HistoryRecord {
	return &HistoryRecord{
		id:              id,
		accountID:       accountID,
		stableKey:       stableKey,
		findingARN:      findingARN,
		vulnerabilityID: vulnerabilityID,
		title:           title,
		description:     description,
		severity:        severity,
		status:          status,
		fixAvailable:    fixAvailable,
		firstObservedAt: firstObservedAt,
		lastObservedAt:  lastObservedAt,
		reportID:        reportID,
		archivedAt:      archivedAt,
		fixedAt:         fixedAt,
		daysActive:      daysActive,
		resources:       resources,
		packages:        packages,
		references:      references,
	}
}

// Getters.
func (h *HistoryRecord) ID() shared.ID                 { return h.id }
func (h *HistoryRecord) AccountID() shared.ID          { return h.accountID }
func (h *HistoryRecord) StableKey() string             { return h.stableKey }
func (h *HistoryRecord) FindingARN() string            { return h.findingARN }
func (h *HistoryRecord) VulnerabilityID() string       { return h.vulnerabilityID }
func (h *HistoryRecord) Title() string                 { return h.title }
func (h *HistoryRecord) Description() string           { return h.description }
func (h *HistoryRecord) Severity() Severity            { return h.severity }
func (h *HistoryRecord) Status() Status                { return h.status }
func (h *HistoryRecord) FixAvailable() FixAvailability { return h.fixAvailable }
func (h *HistoryRecord) FirstObservedAt() time.Time    { return h.firstObservedAt }
func (h *HistoryRecord) LastObservedAt() time.Time     { return h.lastObservedAt }
func (h *HistoryRecord) ReportID() shared.ID           { return h.reportID }
func (h *HistoryRecord) ArchivedAt() time.Time         { return h.archivedAt }
func (h *HistoryRecord) FixedAt() *time.Time           { return h.fixedAt }
func (h *HistoryRecord) DaysActive() *int              { return h.daysActive }
func (h *HistoryRecord) Resources() []Resource         { return h.resources }
func (h *HistoryRecord) Packages() []Package           { return h.packages }
func (h *HistoryRecord) References() []Reference       { return h.references }

// IsFixed reports whether this snapshot recorded the finding's remediation.
func (h *HistoryRecord) IsFixed() bool { return h.fixedAt != nil }

// MarkFixed stamps the effective fixed date on a freshly created snapshot
// before it is persisted. The effective date is the later of the triggering
// report's run date and the finding's own last-observed timestamp; duration
// below zero indicates inconsistent input and is clamped.
// Returns true when clamping occurred.
func (h *HistoryRecord) MarkFixed(reportRunDate time.Time) bool {
	fixed := reportRunDate.UTC()
	if h.lastObservedAt.After(fixed) {
		fixed = h.lastObservedAt.UTC()
	}

	days := int(fixed.Sub(h.firstObservedAt).Hours() / 24)
	clamped := days < 0
	if clamped {
		days = 0
	}

	h.fixedAt = &fixed
	h.daysActive = &days
	return clamped
}

// FixedEntry is the query-layer projection of a remediated finding.
type FixedEntry struct {
	StableKey       string          `json:"stable_key"`
	FindingARN      string          `json:"finding_arn,omitempty"`
	VulnerabilityID string          `json:"vulnerability_id,omitempty"`
	Title           string          `json:"title"`
	Severity        Severity        `json:"severity"`
	FixAvailable    FixAvailability `json:"fix_available"`
	FirstObservedAt time.Time       `json:"first_observed_at"`
	FixedAt         time.Time       `json:"fixed_at"`
	DaysActive      int             `json:"days_active"`
	ReportID        shared.ID       `json:"report_id"`
}

// FixedSummary aggregates a set of fixed findings for the summary view.
type FixedSummary struct {
	Total         int              `json:"total"`
	BySeverity    map[Severity]int `json:"by_severity"`
	WithFix       int              `json:"with_fix"`
	AvgDaysActive float64          `json:"avg_days_active"`
}

// NewFixedSummary aggregates fixed entries into a summary.
func NewFixedSummary(entries []FixedEntry) FixedSummary {
	summary := FixedSummary{
		BySeverity: make(map[Severity]int),
	}

	var totalDays int
	for _, e := range entries {
		summary.Total++
		summary.BySeverity[e.Severity]++
		if e.FixAvailable != FixNotAvailable {
			summary.WithFix++
		}
		totalDays += e.DaysActive
	}

	if summary.Total > 0 {
		summary.AvgDaysActive = float64(totalDays) / float64(summary.Total)
	}
	return summary
}

// Timeline is the full history of one correlated finding, most recent first,
// together with its current live status ("fixed" when absent from the live
// snapshot).
type Timeline struct {
	StableKey     string           `json:"stable_key"`
	CurrentStatus string           `json:"current_status"`
	History       []*HistoryRecord `json:"history"`
}
