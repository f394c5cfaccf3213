package ingest

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Run-date resolution errors.
var (
	ErrBadFilename      = errors.New("filename does not carry a run date (expected MM-DD-YYYY)")
	ErrFutureRunDate    = errors.New("report run date is in the future")
	ErrRunDateTooOld    = errors.New("report run date is outside the retention window")
	ErrDuplicateInBatch = errors.New("duplicate run date within batch")
)

// runDatePattern matches the date-carrying part of an export filename.
var runDatePattern = regexp.MustCompile(`^(\d{2})-(\d{2})-(\d{4})$`)

// ResolveRunDate extracts the report run date from an export filename like
// 03-15-2024.json or 03-15-2024.csv.gz. The date must not be in the future
// and must fall inside the retention window.
func ResolveRunDate(filename string, now time.Time, retentionDays int) (time.Time, error) {
	base := filepath.Base(filename)
	base = strings.TrimSuffix(base, ".gz")
	base = strings.TrimSuffix(base, filepath.Ext(base))

	if !runDatePattern.MatchString(base) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadFilename, filename)
	}

	runDate, err := time.ParseInLocation("01-02-2006", base, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadFilename, filename)
	}

	today := now.UTC().Truncate(24 * time.Hour)
	if runDate.After(today) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrFutureRunDate, runDate.Format("2006-01-02"))
	}
	if retentionDays > 0 {
		oldest := today.AddDate(0, 0, -retentionDays)
		if runDate.Before(oldest) {
			return time.Time{}, fmt.Errorf("%w: %s is before %s", ErrRunDateTooOld,
				runDate.Format("2006-01-02"), oldest.Format("2006-01-02"))
		}
	}

	return runDate, nil
}

// resolvedFile pairs an input file with its resolved run date.
type resolvedFile struct {
	input   FileInput
	runDate time.Time
}

// resolveBatch resolves run dates for all files in a batch, rejects
// duplicates, and returns the files in chronological order so older reports
// are always applied before newer ones.
func resolveBatch(files []FileInput, now time.Time, retentionDays int) ([]resolvedFile, error) {
	seen := make(map[time.Time]string, len(files))
	resolved := make([]resolvedFile, 0, len(files))

	for _, f := range files {
		runDate, err := ResolveRunDate(f.Filename, now, retentionDays)
		if err != nil {
			return nil, err
		}

		if prev, ok := seen[runDate]; ok {
			return nil, fmt.Errorf("%w: %q and %q both resolve to %s",
				ErrDuplicateInBatch, prev, f.Filename, runDate.Format("2006-01-02"))
		}
		seen[runDate] = f.Filename

		resolved = append(resolved, resolvedFile{input: f, runDate: runDate})
	}

	sort.Slice(resolved, func(i, j int) bool {
		return resolved[i].runDate.Before(resolved[j].runDate)
	})
	return resolved, nil
}
