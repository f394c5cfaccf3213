package ingest

import (
	"fmt"
	"strings"

	"github.com/scantrail/api/pkg/domain/finding"
	"github.com/scantrail/api/pkg/domain/shared"
	"github.com/scantrail/api/pkg/parsers/scanexport"
)

// NormalizedFile is the outcome of normalizing one parsed export file.
// Records that could not be normalized are reported as diagnostics, never
// as a batch failure.
type NormalizedFile struct {
	Findings []*finding.Finding
	Skipped  []SkipDiagnostic
}

// Normalize converts raw parsed records into domain findings. A record is
// skipped when it lacks any of the required fields: a derivable stable
// correlation key, title, severity, status or the observation timestamps.
func Normalize(accountID, reportID shared.ID, raws []scanexport.RawFinding) NormalizedFile {
	var out NormalizedFile
	seen := make(map[string]int, len(raws))

	for i, raw := range raws {
		f, reason := normalizeOne(accountID, reportID, raw)
		if f == nil {
			out.Skipped = append(out.Skipped, SkipDiagnostic{
				Index:      i,
				FindingARN: raw.FindingARN,
				Reason:     reason,
			})
			continue
		}

		// Later occurrences of the same key within one file supersede
		// earlier ones; exports occasionally repeat a finding.
		if idx, dup := seen[f.StableKey()]; dup {
			out.Findings[idx].Refresh(f)
			continue
		}
		seen[f.StableKey()] = len(out.Findings)
		out.Findings = append(out.Findings, f)
	}

	return out
}

func normalizeOne(accountID, reportID shared.ID, raw scanexport.RawFinding) (*finding.Finding, string) {
	stableKey := deriveStableKey(raw)
	if stableKey == "" {
		return nil, "cannot derive stable key: no finding ARN and no vulnerability id + resource id pair"
	}

	title := strings.TrimSpace(raw.Title)
	if title == "" {
		return nil, "missing title"
	}

	severity, ok := finding.ParseSeverity(raw.Severity)
	if !ok {
		if strings.TrimSpace(raw.Severity) == "" {
			return nil, "missing severity"
		}
		return nil, fmt.Sprintf("unknown severity %q", raw.Severity)
	}
	status, ok := finding.ParseStatus(raw.Status)
	if !ok {
		if strings.TrimSpace(raw.Status) == "" {
			return nil, "missing status"
		}
		return nil, fmt.Sprintf("unknown status %q", raw.Status)
	}

	if raw.FirstObservedAt.IsZero() {
		return nil, "missing first observed timestamp"
	}
	if raw.LastObservedAt.IsZero() {
		return nil, "missing last observed timestamp"
	}

	f, err := finding.NewFinding(accountID, stableKey, title, severity, status, raw.FirstObservedAt, raw.LastObservedAt, reportID)
	if err != nil {
		return nil, fmt.Sprintf("invalid record: %v", err)
	}

	f.SetFindingARN(strings.TrimSpace(raw.FindingARN))
	f.SetVulnerabilityID(strings.TrimSpace(raw.VulnerabilityID))
	f.SetDescription(strings.TrimSpace(raw.Description))
	f.SetFixAvailable(finding.ParseFixAvailability(raw.FixAvailable))
	f.SetChildren(normalizeResources(raw.Resources), normalizePackages(raw.Packages), normalizeReferences(raw.ReferenceURLs))

	return f, ""
}

// deriveStableKey prefers the scanner-assigned ARN; without one it falls
// back to the vulnerability id paired with the first resource identifier.
func deriveStableKey(raw scanexport.RawFinding) string {
	if arn := strings.TrimSpace(raw.FindingARN); arn != "" {
		return arn
	}

	vulnID := strings.TrimSpace(raw.VulnerabilityID)
	if vulnID == "" || len(raw.Resources) == 0 {
		return ""
	}
	resourceID := strings.TrimSpace(raw.Resources[0].ID)
	if resourceID == "" {
		return ""
	}
	return finding.ComposeStableKey(vulnID, resourceID)
}

func normalizeResources(raws []scanexport.RawResource) []finding.Resource {
	var resources []finding.Resource
	for _, r := range raws {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			continue
		}
		resources = append(resources, finding.Resource{
			Identifier: id,
			Type:       strings.TrimSpace(r.Type),
			Platform:   strings.TrimSpace(r.Platform),
		})
	}
	return resources
}

func normalizePackages(raws []scanexport.RawPackage) []finding.Package {
	var packages []finding.Package
	for _, p := range raws {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		packages = append(packages, finding.Package{
			Name:         name,
			Version:      strings.TrimSpace(p.Version),
			FixedVersion: strings.TrimSpace(p.FixedVersion),
			Ecosystem:    strings.TrimSpace(p.Ecosystem),
		})
	}
	return packages
}

func normalizeReferences(urls []string) []finding.Reference {
	var references []finding.Reference
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		references = append(references, finding.Reference{URL: u})
	}
	return references
}
