package scanexport

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Format identifies a detected export format.
type Format string

const (
	// FormatJSON is the scanner's native structured export.
	FormatJSON Format = "json"

	// FormatCSV is the flattened tabular export.
	FormatCSV Format = "csv"
)

// RawFinding is one finding record as read from an export file, before
// normalization. Fields are kept as close to the source representation as
// possible; required-field enforcement happens in the normalizer.
type RawFinding struct {
	FindingARN      string
	AccountID       string
	VulnerabilityID string
	Type            string
	Title           string
	Description     string
	Severity        string
	Status          string
	FixAvailable    string
	FirstObservedAt time.Time
	LastObservedAt  time.Time
	Resources       []RawResource
	Packages        []RawPackage
	ReferenceURLs   []string
}

// RawResource is an affected resource as read from an export file.
type RawResource struct {
	ID       string
	Type     string
	Platform string
}

// RawPackage is a vulnerable package as read from an export file.
type RawPackage struct {
	Name         string
	Version      string
	FixedVersion string
	Ecosystem    string
}

// Timestamp unmarshals scanner timestamps which appear either as RFC 3339
// strings or as epoch seconds (possibly fractional), depending on the export
// tooling that produced the file.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}

	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		parsed, err := parseTimeString(str)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}

	epoch, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q", s)
	}
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * 1e9)
	t.Time = time.Unix(sec, nsec).UTC()
	return nil
}

// timeLayouts are the accepted string timestamp layouts, tried in order.
// The console's tabular export uses the second layout.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimeString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
