package ingest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/scantrail/api/pkg/domain/finding"
	"github.com/scantrail/api/pkg/domain/shared"
	"github.com/scantrail/api/pkg/parsers/scanexport"
)

func rawFinding(arn string) scanexport.RawFinding {
	return scanexport.RawFinding{
		FindingARN:      arn,
		VulnerabilityID: "CVE-2024-1234",
		Title:           "openssl: buffer overflow",
		Severity:        "high",
		Status:          "active",
		FixAvailable:    "yes",
		FirstObservedAt: time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC),
		LastObservedAt:  time.Date(2024, 3, 14, 8, 0, 0, 0, time.UTC),
		Resources: []scanexport.RawResource{
			{ID: "i-0abc123", Type: "ec2-instance", Platform: "AMAZON_LINUX_2"},
		},
		Packages: []scanexport.RawPackage{
			{Name: "openssl", Version: "1.1.1", FixedVersion: "1.1.1t", Ecosystem: "rpm"},
		},
		ReferenceURLs: []string{"https://nvd.nist.gov/vuln/detail/CVE-2024-1234"},
	}
}

func TestNormalize(t *testing.T) {
	accountID := shared.NewID()
	reportID := shared.NewID()

	out := Normalize(accountID, reportID, []scanexport.RawFinding{rawFinding("arn:scan:finding/1")})
	if len(out.Skipped) != 0 {
		t.Fatalf("unexpected skips: %+v", out.Skipped)
	}
	if len(out.Findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(out.Findings))
	}

	f := out.Findings[0]
	if f.StableKey() != "arn:scan:finding/1" {
		t.Errorf("stable key = %q, want the finding ARN", f.StableKey())
	}
	if f.Severity() != finding.SeverityHigh {
		t.Errorf("severity = %q, want high", f.Severity())
	}
	if f.FixAvailable() != finding.FixAvailable {
		t.Errorf("fix available = %q, want yes", f.FixAvailable())
	}
	if !f.AccountID().Equals(accountID) || !f.ReportID().Equals(reportID) {
		t.Error("account or report attribution lost during normalization")
	}
	if len(f.Resources()) != 1 || f.Resources()[0].Identifier != "i-0abc123" {
		t.Errorf("resources = %+v", f.Resources())
	}
	if len(f.Packages()) != 1 || f.Packages()[0].FixedVersion != "1.1.1t" {
		t.Errorf("packages = %+v", f.Packages())
	}
	if len(f.References()) != 1 {
		t.Errorf("references = %+v", f.References())
	}
}

func TestNormalizeStableKeyFallback(t *testing.T) {
	raw := rawFinding("")

	out := Normalize(shared.NewID(), shared.NewID(), []scanexport.RawFinding{raw})
	if len(out.Findings) != 1 {
		t.Fatalf("got %d findings, want 1 (skips: %+v)", len(out.Findings), out.Skipped)
	}
	want := finding.ComposeStableKey("CVE-2024-1234", "i-0abc123")
	if got := out.Findings[0].StableKey(); got != want {
		t.Errorf("stable key = %q, want %q", got, want)
	}
}

func TestNormalizeSkipsUnkeyableRecord(t *testing.T) {
	raw := rawFinding("")
	raw.Resources = nil

	out := Normalize(shared.NewID(), shared.NewID(), []scanexport.RawFinding{raw})
	if len(out.Findings) != 0 {
		t.Fatalf("got %d findings, want 0", len(out.Findings))
	}
	if len(out.Skipped) != 1 {
		t.Fatalf("got %d skips, want 1", len(out.Skipped))
	}
	if !strings.Contains(out.Skipped[0].Reason, "stable key") {
		t.Errorf("skip reason = %q", out.Skipped[0].Reason)
	}
	if out.Skipped[0].Index != 0 {
		t.Errorf("skip index = %d, want 0", out.Skipped[0].Index)
	}
}

func TestNormalizeSkipsUntitledRecord(t *testing.T) {
	raw := rawFinding("arn:scan:finding/1")
	raw.Title = "   "

	out := Normalize(shared.NewID(), shared.NewID(), []scanexport.RawFinding{raw})
	if len(out.Skipped) != 1 || out.Skipped[0].Reason != "missing title" {
		t.Fatalf("skips = %+v, want one missing-title skip", out.Skipped)
	}
	if out.Skipped[0].FindingARN != "arn:scan:finding/1" {
		t.Errorf("skip should carry the finding ARN for diagnostics, got %q", out.Skipped[0].FindingARN)
	}
}

func TestNormalizeSkipsNeverAbortBatch(t *testing.T) {
	raws := make([]scanexport.RawFinding, 0, 100)
	for i := 0; i < 100; i++ {
		raw := rawFinding(fmt.Sprintf("arn:scan:finding/%d", i))
		if i < 3 {
			raw.Title = ""
		}
		raws = append(raws, raw)
	}

	out := Normalize(shared.NewID(), shared.NewID(), raws)
	if len(out.Findings) != 97 {
		t.Errorf("got %d findings, want 97", len(out.Findings))
	}
	if len(out.Skipped) != 3 {
		t.Errorf("got %d skips, want 3", len(out.Skipped))
	}
}

func TestNormalizeSkipsMissingRequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*scanexport.RawFinding)
		reason string
	}{
		{"missing severity", func(r *scanexport.RawFinding) { r.Severity = "" }, "missing severity"},
		{"unknown severity", func(r *scanexport.RawFinding) { r.Severity = "extreme" }, "unknown severity"},
		{"missing status", func(r *scanexport.RawFinding) { r.Status = "" }, "missing status"},
		{"unknown status", func(r *scanexport.RawFinding) { r.Status = "pending" }, "unknown status"},
		{"missing first observed", func(r *scanexport.RawFinding) { r.FirstObservedAt = time.Time{} }, "missing first observed"},
		{"missing last observed", func(r *scanexport.RawFinding) { r.LastObservedAt = time.Time{} }, "missing last observed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := rawFinding("arn:scan:finding/1")
			tt.mutate(&raw)

			out := Normalize(shared.NewID(), shared.NewID(), []scanexport.RawFinding{raw})
			if len(out.Findings) != 0 {
				t.Fatalf("got %d findings, want 0", len(out.Findings))
			}
			if len(out.Skipped) != 1 {
				t.Fatalf("got %d skips, want 1", len(out.Skipped))
			}
			if !strings.Contains(out.Skipped[0].Reason, tt.reason) {
				t.Errorf("skip reason = %q, want it to mention %q", out.Skipped[0].Reason, tt.reason)
			}
		})
	}
}

func TestNormalizeFixAvailabilityDefaultsToNo(t *testing.T) {
	raw := rawFinding("arn:scan:finding/1")
	raw.FixAvailable = ""

	out := Normalize(shared.NewID(), shared.NewID(), []scanexport.RawFinding{raw})
	if len(out.Findings) != 1 {
		t.Fatalf("got %d findings, want 1 (skips: %+v)", len(out.Findings), out.Skipped)
	}
	if got := out.Findings[0].FixAvailable(); got != finding.FixNotAvailable {
		t.Errorf("fix available = %q, want no fallback", got)
	}
}

func TestNormalizeMergesDuplicateKeysWithinFile(t *testing.T) {
	first := rawFinding("arn:scan:finding/1")
	second := rawFinding("arn:scan:finding/1")
	second.LastObservedAt = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	second.Severity = "critical"

	out := Normalize(shared.NewID(), shared.NewID(), []scanexport.RawFinding{first, second})
	if len(out.Findings) != 1 {
		t.Fatalf("got %d findings, want 1 merged", len(out.Findings))
	}

	f := out.Findings[0]
	if f.Severity() != finding.SeverityCritical {
		t.Errorf("severity = %q, later occurrence should win", f.Severity())
	}
	if !f.LastObservedAt().Equal(second.LastObservedAt) {
		t.Errorf("last observed = %v, want %v", f.LastObservedAt(), second.LastObservedAt)
	}
	if !f.FirstObservedAt().Equal(first.FirstObservedAt) {
		t.Errorf("first observed = %v, must stay at the earliest observation", f.FirstObservedAt())
	}
}

func TestNormalizeDropsBlankChildren(t *testing.T) {
	raw := rawFinding("arn:scan:finding/1")
	raw.Resources = append(raw.Resources, scanexport.RawResource{ID: "  "})
	raw.Packages = append(raw.Packages, scanexport.RawPackage{Name: ""})
	raw.ReferenceURLs = append(raw.ReferenceURLs, "  ")

	out := Normalize(shared.NewID(), shared.NewID(), []scanexport.RawFinding{raw})
	f := out.Findings[0]
	if len(f.Resources()) != 1 || len(f.Packages()) != 1 || len(f.References()) != 1 {
		t.Errorf("blank children should be dropped: %d resources, %d packages, %d references",
			len(f.Resources()), len(f.Packages()), len(f.References()))
	}
}
