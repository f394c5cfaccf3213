package finding

import (
	"errors"
	"testing"
	"time"

	"github.com/scantrail/api/pkg/domain/shared"
)

func TestNewFindingValidation(t *testing.T) {
	accountID := shared.NewID()
	reportID := shared.NewID()
	observed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		fn   func() (*Finding, error)
	}{
		{
			name: "zero account",
			fn: func() (*Finding, error) {
				return NewFinding(shared.ID{}, "key", "title", SeverityHigh, StatusActive, observed, observed, reportID)
			},
		},
		{
			name: "blank stable key",
			fn: func() (*Finding, error) {
				return NewFinding(accountID, "  ", "title", SeverityHigh, StatusActive, observed, observed, reportID)
			},
		},
		{
			name: "blank title",
			fn: func() (*Finding, error) {
				return NewFinding(accountID, "key", "", SeverityHigh, StatusActive, observed, observed, reportID)
			},
		},
		{
			name: "invalid severity",
			fn: func() (*Finding, error) {
				return NewFinding(accountID, "key", "title", Severity("extreme"), StatusActive, observed, observed, reportID)
			},
		},
		{
			name: "zero timestamps",
			fn: func() (*Finding, error) {
				return NewFinding(accountID, "key", "title", SeverityHigh, StatusActive, time.Time{}, observed, reportID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.fn()
			if !errors.Is(err, shared.ErrValidation) {
				t.Errorf("error = %v, want validation error", err)
			}
		})
	}
}

func TestNewFindingCoercesObservationOrder(t *testing.T) {
	first := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 0, -3)

	f, err := NewFinding(shared.NewID(), "key", "title", SeverityHigh, StatusActive, first, last, shared.NewID())
	if err != nil {
		t.Fatalf("NewFinding: %v", err)
	}
	if !f.LastObservedAt().Equal(first) {
		t.Errorf("last observed = %v, want coerced to first observed %v", f.LastObservedAt(), first)
	}
}

func TestRefresh(t *testing.T) {
	accountID := shared.NewID()
	firstSeen := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	existing := newTestFinding(t, firstSeen, firstSeen)
	existing.SetVulnerabilityID("CVE-2024-0001")

	newer := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	incoming, err := NewFinding(accountID, existing.StableKey(), "updated title",
		SeverityCritical, StatusActive, newer, newer, shared.NewID())
	if err != nil {
		t.Fatalf("NewFinding: %v", err)
	}
	incoming.SetChildren([]Resource{{Identifier: "i-0new"}}, nil, nil)

	existing.Refresh(incoming)

	if existing.Title() != "updated title" || existing.Severity() != SeverityCritical {
		t.Error("refresh must take the incoming mutable fields")
	}
	if !existing.FirstObservedAt().Equal(firstSeen) {
		t.Errorf("first observed = %v, must never change", existing.FirstObservedAt())
	}
	if !existing.LastObservedAt().Equal(newer) {
		t.Errorf("last observed = %v, want %v", existing.LastObservedAt(), newer)
	}
	if len(existing.Resources()) != 1 || existing.Resources()[0].Identifier != "i-0new" {
		t.Error("refresh must replace children wholesale")
	}
	if !existing.ReportID().Equals(incoming.ReportID()) {
		t.Error("refresh must re-attribute to the incoming report")
	}
}

func TestRefreshNeverMovesLastObservedBackwards(t *testing.T) {
	recent := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	existing := newTestFinding(t, recent.AddDate(0, 0, -30), recent)

	older := recent.AddDate(0, 0, -5)
	incoming, err := NewFinding(existing.AccountID(), existing.StableKey(), "title",
		SeverityHigh, StatusActive, older, older, shared.NewID())
	if err != nil {
		t.Fatalf("NewFinding: %v", err)
	}

	existing.Refresh(incoming)
	if !existing.LastObservedAt().Equal(recent) {
		t.Errorf("last observed = %v, must not move backwards from %v", existing.LastObservedAt(), recent)
	}
}

func TestComposeStableKey(t *testing.T) {
	if got := ComposeStableKey(" CVE-2024-1234 ", " i-0abc "); got != "CVE-2024-1234|i-0abc" {
		t.Errorf("ComposeStableKey = %q", got)
	}
}
