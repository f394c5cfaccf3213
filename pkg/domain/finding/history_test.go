package finding

import (
	"testing"
	"time"

	"github.com/scantrail/api/pkg/domain/shared"
)

func newTestFinding(t *testing.T, first, last time.Time) *Finding {
	t.Helper()
	f, err := NewFinding(shared.NewID(), "arn:scan:finding/1", "openssl: buffer overflow",
		SeverityHigh, StatusActive, first, last, shared.NewID())
	if err != nil {
		t.Fatalf("NewFinding: %v", err)
	}
	return f
}

func TestArchiveSnapshotsFinding(t *testing.T) {
	first := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	last := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	f := newTestFinding(t, first, last)
	f.SetChildren(
		[]Resource{{Identifier: "i-0abc", Type: "ec2-instance"}},
		[]Package{{Name: "openssl", Version: "1.1.1"}},
		[]Reference{{URL: "https://example.com/cve"}},
	)

	reportID := shared.NewID()
	h, err := Archive(f, reportID)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}

	if h.StableKey() != f.StableKey() || !h.ReportID().Equals(reportID) {
		t.Error("snapshot lost identity or report attribution")
	}
	if !h.FirstObservedAt().Equal(first) || !h.LastObservedAt().Equal(last) {
		t.Error("snapshot lost observation timestamps")
	}
	if h.IsFixed() {
		t.Error("fresh snapshot must not be fixed")
	}
	if len(h.Resources()) != 1 || len(h.Packages()) != 1 || len(h.References()) != 1 {
		t.Error("snapshot lost children")
	}
	if h.ArchivedAt().IsZero() {
		t.Error("snapshot missing archival timestamp")
	}
}

func TestArchiveRequiresReport(t *testing.T) {
	f := newTestFinding(t, time.Now().UTC(), time.Now().UTC())
	if _, err := Archive(f, shared.ID{}); err == nil {
		t.Fatal("expected error for zero report id")
	}
}

func TestMarkFixed(t *testing.T) {
	first := time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		lastSeen    time.Time
		runDate     time.Time
		wantFixed   time.Time
		wantDays    int
		wantClamped bool
	}{
		{
			name:      "run date after last observation",
			lastSeen:  first,
			runDate:   first.AddDate(0, 0, 50),
			wantFixed: first.AddDate(0, 0, 50),
			wantDays:  50,
		},
		{
			name:      "last observation after run date",
			lastSeen:  first.AddDate(0, 0, 60),
			runDate:   first.AddDate(0, 0, 50),
			wantFixed: first.AddDate(0, 0, 60),
			wantDays:  60,
		},
		{
			name:        "run date before observations falls back to last observed",
			lastSeen:    first,
			runDate:     first.AddDate(0, 0, -5),
			wantFixed:   first, // effective date is the later last-observed
			wantDays:    0,
			wantClamped: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFinding(t, first, tt.lastSeen)
			h, err := Archive(f, shared.NewID())
			if err != nil {
				t.Fatalf("Archive: %v", err)
			}

			clamped := h.MarkFixed(tt.runDate)
			if clamped != tt.wantClamped {
				t.Errorf("clamped = %v, want %v", clamped, tt.wantClamped)
			}
			if !h.IsFixed() {
				t.Fatal("snapshot must be fixed after MarkFixed")
			}
			if !h.FixedAt().Equal(tt.wantFixed) {
				t.Errorf("fixed at = %v, want %v", h.FixedAt(), tt.wantFixed)
			}
			if *h.DaysActive() != tt.wantDays {
				t.Errorf("days active = %d, want %d", *h.DaysActive(), tt.wantDays)
			}
		})
	}
}

func TestMarkFixedClampsInconsistentObservations(t *testing.T) {
	// Stored rows can carry last < first; the duration clamps at zero
	// instead of going negative.
	now := time.Now().UTC()
	first := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	last := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	f := Reconstitute(
		shared.NewID(), shared.NewID(), "arn:scan:finding/1", "", "", "t", "",
		SeverityHigh, StatusActive, FixNotAvailable,
		first, last, shared.NewID(), now, now,
	)

	h, err := Archive(f, shared.NewID())
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}

	if !h.MarkFixed(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)) {
		t.Error("expected clamping to be reported")
	}
	if *h.DaysActive() != 0 {
		t.Errorf("days active = %d, want 0", *h.DaysActive())
	}
}

func TestNewFixedSummary(t *testing.T) {
	entries := []FixedEntry{
		{Severity: SeverityCritical, FixAvailable: FixAvailable, DaysActive: 10},
		{Severity: SeverityCritical, FixAvailable: FixNotAvailable, DaysActive: 20},
		{Severity: SeverityLow, FixAvailable: FixPartialAvailable, DaysActive: 60},
	}

	summary := NewFixedSummary(entries)
	if summary.Total != 3 {
		t.Errorf("total = %d, want 3", summary.Total)
	}
	if summary.BySeverity[SeverityCritical] != 2 || summary.BySeverity[SeverityLow] != 1 {
		t.Errorf("by severity = %v", summary.BySeverity)
	}
	if summary.WithFix != 2 {
		t.Errorf("with fix = %d, want 2 (partial counts)", summary.WithFix)
	}
	if summary.AvgDaysActive != 30 {
		t.Errorf("avg days active = %v, want 30", summary.AvgDaysActive)
	}
}

func TestNewFixedSummaryEmpty(t *testing.T) {
	summary := NewFixedSummary(nil)
	if summary.Total != 0 || summary.AvgDaysActive != 0 {
		t.Errorf("empty summary = %+v", summary)
	}
}
