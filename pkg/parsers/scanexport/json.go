package scanexport

import (
	"encoding/json"
	"fmt"
)

// JSONSource parses the scanner's native structured export: a JSON document
// with a top-level "findings" array.
type JSONSource struct{}

// jsonExport mirrors the native export document.
type jsonExport struct {
	Findings []jsonFinding `json:"findings"`
}

type jsonFinding struct {
	FindingARN      string         `json:"findingArn"`
	AccountID       string         `json:"awsAccountId"`
	Type            string         `json:"type"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Severity        string         `json:"severity"`
	Status          string         `json:"status"`
	FixAvailable    string         `json:"fixAvailable"`
	FirstObservedAt Timestamp      `json:"firstObservedAt"`
	LastObservedAt  Timestamp      `json:"lastObservedAt"`
	Resources       []jsonResource `json:"resources"`
	PackageDetails  *jsonPkgVuln   `json:"packageVulnerabilityDetails"`
}

type jsonResource struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Platform string `json:"platform"`
	Details  *struct {
		AwsEc2Instance *struct {
			Platform string `json:"platform"`
		} `json:"awsEc2Instance"`
		AwsEcrContainerImage *struct {
			Platform string `json:"platform"`
		} `json:"awsEcrContainerImage"`
	} `json:"details"`
}

type jsonPkgVuln struct {
	VulnerabilityID    string        `json:"vulnerabilityId"`
	VulnerablePackages []jsonPackage `json:"vulnerablePackages"`
	ReferenceURLs      []string      `json:"referenceUrls"`
}

type jsonPackage struct {
	Name           string `json:"name"`
	Version        string `json:"version"`
	FixedInVersion string `json:"fixedInVersion"`
	PackageManager string `json:"packageManager"`
}

// Format returns FormatJSON.
func (s *JSONSource) Format() Format { return FormatJSON }

// Parse decodes a native export document.
func (s *JSONSource) Parse(data []byte) ([]RawFinding, error) {
	// Structural validation: the document must carry the findings key, even
	// when empty. Decoding into a map first distinguishes a wrong schema
	// from a merely empty export.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, ok := probe["findings"]; !ok {
		return nil, fmt.Errorf("%w: missing top-level findings key", ErrSchemaMismatch)
	}

	var export jsonExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	raws := make([]RawFinding, 0, len(export.Findings))
	for _, jf := range export.Findings {
		raw := RawFinding{
			FindingARN:      jf.FindingARN,
			AccountID:       jf.AccountID,
			Type:            jf.Type,
			Title:           jf.Title,
			Description:     jf.Description,
			Severity:        jf.Severity,
			Status:          jf.Status,
			FixAvailable:    jf.FixAvailable,
			FirstObservedAt: jf.FirstObservedAt.Time,
			LastObservedAt:  jf.LastObservedAt.Time,
		}

		for _, jr := range jf.Resources {
			res := RawResource{
				ID:       jr.ID,
				Type:     jr.Type,
				Platform: jr.Platform,
			}
			if res.Platform == "" && jr.Details != nil {
				if jr.Details.AwsEc2Instance != nil {
					res.Platform = jr.Details.AwsEc2Instance.Platform
				} else if jr.Details.AwsEcrContainerImage != nil {
					res.Platform = jr.Details.AwsEcrContainerImage.Platform
				}
			}
			raw.Resources = append(raw.Resources, res)
		}

		if jf.PackageDetails != nil {
			raw.VulnerabilityID = jf.PackageDetails.VulnerabilityID
			raw.ReferenceURLs = jf.PackageDetails.ReferenceURLs
			for _, jp := range jf.PackageDetails.VulnerablePackages {
				raw.Packages = append(raw.Packages, RawPackage{
					Name:         jp.Name,
					Version:      jp.Version,
					FixedVersion: jp.FixedInVersion,
					Ecosystem:    jp.PackageManager,
				})
			}
		}

		raws = append(raws, raw)
	}

	return raws, nil
}
