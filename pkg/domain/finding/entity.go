// Package finding defines the live Finding entity, its child collections
// and the append-only history trail derived from successive report uploads.
package finding

import (
	"fmt"
	"strings"
	"time"

	"github.com/scantrail/api/pkg/domain/shared"
)

// Finding is a normalized vulnerability instance in the live snapshot.
// The same real-world vulnerability is correlated across uploads by its
// stable key; on re-observation the mutable fields are refreshed in place
// while the first-observed timestamp is preserved.
type Finding struct {
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
	resources       []Resource
	packages        []Package
	references      []Reference
	createdAt       time.Time
	updatedAt       time.Time
}

// ComposeStableKey builds the fallback correlation key used when the scanner
// did not assign an ARN-like identifier: vulnerability id plus the first
// resource identifier.
func ComposeStableKey(vulnerabilityID, resourceID string) string {
	return strings.TrimSpace(vulnerabilityID) + "|" + strings.TrimSpace(resourceID)
}

// NewFinding creates a new live Finding.
func NewFinding(
	accountID shared.ID,
	stableKey string,
	title string,
	severity Severity,
	status Status,
	firstObservedAt, lastObservedAt time.Time,
	reportID shared.ID,
) (*Finding, error) {
	if accountID.IsZero() {
		return nil, fmt.Errorf("%w: account id is required", shared.ErrValidation)
	}
	if strings.TrimSpace(stableKey) == "" {
		return nil, fmt.Errorf("%w: stable key is required", shared.ErrValidation)
	}
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("%w: title is required", shared.ErrValidation)
	}
	if !severity.IsValid() {
		return nil, fmt.Errorf("%w: invalid severity %q", shared.ErrValidation, severity)
	}
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: invalid status %q", shared.ErrValidation, status)
	}
	if firstObservedAt.IsZero() || lastObservedAt.IsZero() {
		return nil, fmt.Errorf("%w: observation timestamps are required", shared.ErrValidation)
	}
	if lastObservedAt.Before(firstObservedAt) {
		lastObservedAt = firstObservedAt
	}

	now := time.Now().UTC()
	return &Finding{
		id:              shared.NewID(),
		accountID:       accountID,
		stableKey:       stableKey,
		title:           title,
		severity:        severity,
		status:          status,
		fixAvailable:    FixNotAvailable,
		firstObservedAt: firstObservedAt.UTC(),
		lastObservedAt:  lastObservedAt.UTC(),
		reportID:        reportID,
		createdAt:       now,
		updatedAt:       now,
	}, nil
}

// Reconstitute recreates a Finding from persistence.
func Reconstitute(
	id, accountID shared.ID,
	stableKey, findingARN, vulnerabilityID, title, description string,
	severity Severity,
	status Status,
	fixAvailable FixAvailability,
	firstObservedAt, lastObservedAt time.Time,
	reportID shared.ID,
	createdAt, updatedAt time.Time,
) *Finding {
	return &Finding{
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
		createdAt:       createdAt,
		updatedAt:       updatedAt,
	}
}

// Getters.
func (f *Finding) ID() shared.ID                 { return f.id }
func (f *Finding) AccountID() shared.ID          { return f.accountID }
func (f *Finding) StableKey() string             { return f.stableKey }
func (f *Finding) FindingARN() string            { return f.findingARN }
func (f *Finding) VulnerabilityID() string       { return f.vulnerabilityID }
func (f *Finding) Title() string                 { return f.title }
func (f *Finding) Description() string           { return f.description }
func (f *Finding) Severity() Severity            { return f.severity }
func (f *Finding) Status() Status                { return f.status }
func (f *Finding) FixAvailable() FixAvailability { return f.fixAvailable }
func (f *Finding) FirstObservedAt() time.Time    { return f.firstObservedAt }
func (f *Finding) LastObservedAt() time.Time     { return f.lastObservedAt }
func (f *Finding) ReportID() shared.ID           { return f.reportID }
func (f *Finding) Resources() []Resource         { return f.resources }
func (f *Finding) Packages() []Package           { return f.packages }
func (f *Finding) References() []Reference       { return f.references }
func (f *Finding) CreatedAt() time.Time          { return f.createdAt }
func (f *Finding) UpdatedAt() time.Time          { return f.updatedAt }

// SetFindingARN records the scanner-assigned ARN.
func (f *Finding) SetFindingARN(arn string) {
	f.findingARN = arn
	f.touch()
}

// SetVulnerabilityID records the vulnerability identifier (e.g. CVE).
func (f *Finding) SetVulnerabilityID(id string) {
	f.vulnerabilityID = id
	f.touch()
}

// SetDescription records the finding description.
func (f *Finding) SetDescription(description string) {
	f.description = description
	f.touch()
}

// SetFixAvailable records fix availability.
func (f *Finding) SetFixAvailable(fix FixAvailability) {
	f.fixAvailable = fix
	f.touch()
}

// SetChildren replaces the child collections wholesale.
func (f *Finding) SetChildren(resources []Resource, packages []Package, references []Reference) {
	f.resources = resources
	f.packages = packages
	f.references = references
	f.touch()
}

// Refresh applies a re-observation of the same finding from a newer report.
// All mutable fields take the incoming values; the first-observed timestamp
// never changes once set.
func (f *Finding) Refresh(incoming *Finding) {
	f.title = incoming.title
	f.description = incoming.description
	f.severity = incoming.severity
	f.status = incoming.status
	f.fixAvailable = incoming.fixAvailable
	f.findingARN = incoming.findingARN
	f.vulnerabilityID = incoming.vulnerabilityID
	f.reportID = incoming.reportID
	if incoming.lastObservedAt.After(f.lastObservedAt) {
		f.lastObservedAt = incoming.lastObservedAt
	}
	f.resources = incoming.resources
	f.packages = incoming.packages
	f.references = incoming.references
	f.touch()
}

func (f *Finding) touch() {
	f.updatedAt = time.Now().UTC()
}
