package finding

import (
	"time"

	"github.com/scantrail/api/pkg/domain/shared"
	"github.com/scantrail/api/pkg/pagination"
)

// Filter defines the filtering options for listing live findings.
type Filter struct {
	AccountID     *shared.ID
	Severities    []Severity
	Statuses      []Status
	ResourceType  *string
	Platform      *string
	FixAvailable  *FixAvailability
	ResourceID    *string
	Search        *string // matches title, description and vulnerability id
	ObservedAfter *time.Time
	ObservedUntil *time.Time
}

// NewFilter creates an empty filter.
func NewFilter() Filter {
	return Filter{}
}

// WithAccountID adds an account scope filter.
func (f Filter) WithAccountID(id shared.ID) Filter {
	f.AccountID = &id
	return f
}

// WithSeverities adds a severity filter.
func (f Filter) WithSeverities(severities ...Severity) Filter {
	f.Severities = severities
	return f
}

// WithStatuses adds a status filter.
func (f Filter) WithStatuses(statuses ...Status) Filter {
	f.Statuses = statuses
	return f
}

// WithResourceType adds a resource type filter.
func (f Filter) WithResourceType(t string) Filter {
	f.ResourceType = &t
	return f
}

// WithPlatform adds a resource platform filter.
func (f Filter) WithPlatform(p string) Filter {
	f.Platform = &p
	return f
}

// WithFixAvailable adds a fix-availability filter.
func (f Filter) WithFixAvailable(fix FixAvailability) Filter {
	f.FixAvailable = &fix
	return f
}

// WithResourceID adds a resource identifier filter.
func (f Filter) WithResourceID(id string) Filter {
	f.ResourceID = &id
	return f
}

// WithSearch adds a free-text search filter.
func (f Filter) WithSearch(search string) Filter {
	f.Search = &search
	return f
}

// WithObservedBetween adds an observation date range filter.
func (f Filter) WithObservedBetween(after, until time.Time) Filter {
	f.ObservedAfter = &after
	f.ObservedUntil = &until
	return f
}

// FixedFilter extends Filter with a fixed-date range for the fixed listing.
type FixedFilter struct {
	Filter
	FixedAfter *time.Time
	FixedUntil *time.Time
}

// NewFixedFilter creates an empty fixed filter.
func NewFixedFilter() FixedFilter {
	return FixedFilter{}
}

// WithFixedBetween adds a fixed date range filter.
func (f FixedFilter) WithFixedBetween(after, until time.Time) FixedFilter {
	f.FixedAfter = &after
	f.FixedUntil = &until
	return f
}

// ListOptions contains options for listing findings.
type ListOptions struct {
	Sort *pagination.SortOption
}

// AllowedSortFields returns the allowed sort fields for live findings.
func AllowedSortFields() map[string]string {
	return map[string]string{
		"severity":          "severity",
		"status":            "status",
		"title":             "title",
		"first_observed_at": "first_observed_at",
		"last_observed_at":  "last_observed_at",
	}
}

// FixedAllowedSortFields returns the allowed sort fields for fixed findings.
func FixedAllowedSortFields() map[string]string {
	return map[string]string{
		"severity":          "severity",
		"fixed_at":          "fixed_at",
		"days_active":       "days_active",
		"first_observed_at": "first_observed_at",
	}
}
