package finding

import "strings"

// Severity represents the normalized severity of a finding.
type Severity string

const (
	SeverityCritical      Severity = "critical"
	SeverityHigh          Severity = "high"
	SeverityMedium        Severity = "medium"
	SeverityLow           Severity = "low"
	SeverityInformational Severity = "informational"
	SeverityUntriaged     Severity = "untriaged"
)

// ParseSeverity normalizes a raw severity string from either export format.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical, true
	case "high":
		return SeverityHigh, true
	case "medium", "moderate":
		return SeverityMedium, true
	case "low":
		return SeverityLow, true
	case "informational", "info":
		return SeverityInformational, true
	case "untriaged":
		return SeverityUntriaged, true
	}
	return "", false
}

// String returns the string representation.
func (s Severity) String() string { return string(s) }

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow,
		SeverityInformational, SeverityUntriaged:
		return true
	}
	return false
}

// Status represents the scanner-reported status of a finding.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuppressed Status = "suppressed"
	StatusClosed     Status = "closed"
)

// ParseStatus normalizes a raw status string.
func ParseStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return StatusActive, true
	case "suppressed":
		return StatusSuppressed, true
	case "closed":
		return StatusClosed, true
	}
	return "", false
}

// String returns the string representation.
func (s Status) String() string { return string(s) }

// IsValid checks if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusSuppressed, StatusClosed:
		return true
	}
	return false
}

// FixAvailability indicates whether a fix is available for a finding.
type FixAvailability string

const (
	FixAvailable        FixAvailability = "yes"
	FixNotAvailable     FixAvailability = "no"
	FixPartialAvailable FixAvailability = "partial"
)

// ParseFixAvailability normalizes a raw fix-availability string.
// Unknown values default to "no" rather than rejecting the finding;
// the field is informational.
func ParseFixAvailability(s string) FixAvailability {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "true", "available":
		return FixAvailable
	case "partial":
		return FixPartialAvailable
	default:
		return FixNotAvailable
	}
}

// String returns the string representation.
func (f FixAvailability) String() string { return string(f) }

// Resource is a cloud resource affected by a finding.
// Replaced wholesale whenever the parent finding is refreshed.
type Resource struct {
	Identifier string `json:"identifier"`
	Type       string `json:"type"`
	Platform   string `json:"platform,omitempty"`
}

// Package is a vulnerable software package attached to a finding.
type Package struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	FixedVersion string `json:"fixed_version,omitempty"`
	Ecosystem    string `json:"ecosystem,omitempty"`
}

// Reference is a remediation reference URL attached to a finding.
type Reference struct {
	URL string `json:"url"`
}
