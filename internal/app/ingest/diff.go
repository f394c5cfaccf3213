package ingest

import (
	"time"

	"github.com/scantrail/api/pkg/domain/finding"
	"github.com/scantrail/api/pkg/domain/shared"
)

// DiffResult is the outcome of comparing the previous live snapshot against
// the normalized contents of one report.
type DiffResult struct {
	// Created are incoming findings with no previous counterpart.
	Created []*finding.Finding

	// Refreshed are previous findings updated in place from their incoming
	// counterpart; first-observed timestamps are preserved.
	Refreshed []*finding.Finding

	// Archived are history snapshots of every previous finding, tagged with
	// the triggering report. Snapshots of findings absent from the incoming
	// set additionally carry a fixed date and days-active duration.
	Archived []*finding.HistoryRecord

	// RemovedKeys are the stable keys of previous findings absent from the
	// incoming set; the live rows behind them are deleted after archival.
	RemovedKeys []string

	// ClampedCount is how many fixed durations were clamped to zero because
	// the effective fixed date preceded the first observation.
	ClampedCount int
}

// Diff compares the previous live snapshot against the incoming normalized
// findings of the report identified by reportID, run on runDate. The incoming
// set wins: previous findings it still contains are refreshed, previous
// findings it no longer contains are marked fixed, and the remainder are
// created. Every previous finding is archived regardless of outcome, so the
// per-report history trail stays complete.
func Diff(previous, incoming []*finding.Finding, reportID shared.ID, runDate time.Time) (DiffResult, error) {
	var result DiffResult

	incomingByKey := make(map[string]*finding.Finding, len(incoming))
	for _, f := range incoming {
		incomingByKey[f.StableKey()] = f
	}

	previousKeys := make(map[string]struct{}, len(previous))
	for _, prev := range previous {
		previousKeys[prev.StableKey()] = struct{}{}

		snapshot, err := finding.Archive(prev, reportID)
		if err != nil {
			return DiffResult{}, err
		}

		if in, ok := incomingByKey[prev.StableKey()]; ok {
			prev.Refresh(in)
			result.Refreshed = append(result.Refreshed, prev)
		} else {
			if snapshot.MarkFixed(runDate) {
				result.ClampedCount++
			}
			result.RemovedKeys = append(result.RemovedKeys, prev.StableKey())
		}
		result.Archived = append(result.Archived, snapshot)
	}

	for _, in := range incoming {
		if _, ok := previousKeys[in.StableKey()]; !ok {
			result.Created = append(result.Created, in)
		}
	}

	return result, nil
}

// FixedCount is how many previous findings the diff marked fixed.
func (r DiffResult) FixedCount() int { return len(r.RemovedKeys) }
