package scanexport

import (
	"encoding/csv"
	"fmt"
	"strings"
)

// CSVSource parses the flattened tabular export. Each row carries one
// finding with its first resource and package inlined; multi-valued cells
// (packages, reference URLs) are separated by semicolons.
type CSVSource struct{}

// Required header columns. Matching is case-insensitive on the trimmed name.
var requiredColumns = []string{
	"finding arn",
	"severity",
	"status",
	"title",
	"first seen",
	"last seen",
}

// Format returns FormatCSV.
func (s *CSVSource) Format() Format { return FormatCSV }

// Parse decodes a tabular export.
func (s *CSVSource) Parse(data []byte) ([]RawFinding, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1 // validated against the header below

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrSchemaMismatch)
	}

	header := rows[0]
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}

	for _, required := range requiredColumns {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrSchemaMismatch, required)
		}
	}

	cell := func(row []string, name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	raws := make([]RawFinding, 0, len(rows)-1)
	for n, row := range rows[1:] {
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}
		if len(row) != len(header) {
			return nil, fmt.Errorf("%w: row %d has %d fields, header has %d",
				ErrMalformed, n+2, len(row), len(header))
		}

		firstSeen, err := parseTimeString(cell(row, "first seen"))
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrMalformed, n+2, err)
		}
		lastSeen, err := parseTimeString(cell(row, "last seen"))
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrMalformed, n+2, err)
		}

		raw := RawFinding{
			FindingARN:      cell(row, "finding arn"),
			AccountID:       cell(row, "aws account id"),
			VulnerabilityID: cell(row, "vulnerability id"),
			Type:            cell(row, "finding type"),
			Title:           cell(row, "title"),
			Description:     cell(row, "description"),
			Severity:        cell(row, "severity"),
			Status:          cell(row, "status"),
			FixAvailable:    cell(row, "fix available"),
			FirstObservedAt: firstSeen,
			LastObservedAt:  lastSeen,
			ReferenceURLs:   splitMulti(cell(row, "reference urls")),
		}

		if id := cell(row, "resource id"); id != "" {
			raw.Resources = append(raw.Resources, RawResource{
				ID:       id,
				Type:     cell(row, "resource type"),
				Platform: cell(row, "platform"),
			})
		}

		names := splitMulti(cell(row, "affected packages"))
		versions := splitMulti(cell(row, "package installed version"))
		fixed := splitMulti(cell(row, "fixed in version"))
		manager := cell(row, "package manager")
		for i, name := range names {
			pkg := RawPackage{Name: name, Ecosystem: manager}
			if i < len(versions) {
				pkg.Version = versions[i]
			}
			if i < len(fixed) {
				pkg.FixedVersion = fixed[i]
			}
			raw.Packages = append(raw.Packages, pkg)
		}

		raws = append(raws, raw)
	}

	return raws, nil
}

// splitMulti splits a semicolon-separated multi-value cell.
func splitMulti(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
