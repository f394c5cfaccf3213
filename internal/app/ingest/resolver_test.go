package ingest

import (
	"errors"
	"testing"
	"time"
)

func TestResolveRunDate(t *testing.T) {
	now := time.Date(2024, 3, 20, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		filename string
		wantDate time.Time
		wantErr  error
	}{
		{
			name:     "json export",
			filename: "03-15-2024.json",
			wantDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "gzipped csv export",
			filename: "03-15-2024.csv.gz",
			wantDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "path is stripped to basename",
			filename: "exports/acme/03-15-2024.json",
			wantDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "same day as now",
			filename: "03-20-2024.json",
			wantDate: time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "no date in filename",
			filename: "scan-results.json",
			wantErr:  ErrBadFilename,
		},
		{
			name:     "wrong date order",
			filename: "2024-03-15.json",
			wantErr:  ErrBadFilename,
		},
		{
			name:     "impossible calendar date",
			filename: "02-30-2024.json",
			wantErr:  ErrBadFilename,
		},
		{
			name:     "future run date",
			filename: "03-21-2024.json",
			wantErr:  ErrFutureRunDate,
		},
		{
			name:     "outside retention window",
			filename: "01-01-2021.json",
			wantErr:  ErrRunDateTooOld,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveRunDate(tt.filename, now, 730)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ResolveRunDate(%q) error = %v, want %v", tt.filename, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveRunDate(%q) unexpected error: %v", tt.filename, err)
			}
			if !got.Equal(tt.wantDate) {
				t.Errorf("ResolveRunDate(%q) = %v, want %v", tt.filename, got, tt.wantDate)
			}
		})
	}
}

func TestResolveRunDateRetentionDisabled(t *testing.T) {
	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)

	got, err := ResolveRunDate("01-01-2010.json", now, 0)
	if err != nil {
		t.Fatalf("unexpected error with retention disabled: %v", err)
	}
	want := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResolveBatchOrdersChronologically(t *testing.T) {
	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	files := []FileInput{
		{Filename: "03-17-2024.json", Data: []byte("{}")},
		{Filename: "03-15-2024.json", Data: []byte("{}")},
		{Filename: "03-16-2024.csv", Data: []byte("x")},
	}

	resolved, err := resolveBatch(files, now, 730)
	if err != nil {
		t.Fatalf("resolveBatch: %v", err)
	}

	wantOrder := []string{"03-15-2024.json", "03-16-2024.csv", "03-17-2024.json"}
	if len(resolved) != len(wantOrder) {
		t.Fatalf("got %d files, want %d", len(resolved), len(wantOrder))
	}
	for i, want := range wantOrder {
		if resolved[i].input.Filename != want {
			t.Errorf("position %d: got %q, want %q", i, resolved[i].input.Filename, want)
		}
	}
}

func TestResolveBatchRejectsDuplicateRunDates(t *testing.T) {
	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	files := []FileInput{
		{Filename: "03-15-2024.json", Data: []byte("{}")},
		{Filename: "03-15-2024.csv", Data: []byte("x")},
	}

	_, err := resolveBatch(files, now, 730)
	if !errors.Is(err, ErrDuplicateInBatch) {
		t.Fatalf("error = %v, want %v", err, ErrDuplicateInBatch)
	}
}

func TestResolveBatchPropagatesFileError(t *testing.T) {
	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	files := []FileInput{
		{Filename: "03-15-2024.json", Data: []byte("{}")},
		{Filename: "notes.txt", Data: []byte("x")},
	}

	_, err := resolveBatch(files, now, 730)
	if !errors.Is(err, ErrBadFilename) {
		t.Fatalf("error = %v, want %v", err, ErrBadFilename)
	}
}
