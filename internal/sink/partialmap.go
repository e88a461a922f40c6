package sink

import (
	"sort"

	"ariadl/internal/job"
)

// PartialMap is a coalesced, ordered set of completed byte intervals. It is
// never a dense bitmap (spec's own design note): insertion merges adjacent
// or overlapping intervals so the set stays O(completed ranges), not
// O(file size).
type PartialMap struct {
	intervals []job.Interval
}

// NewPartialMap builds a PartialMap from an already-coalesced slice, such as
// one loaded from a sidecar file.
func NewPartialMap(intervals []job.Interval) *PartialMap {
	pm := &PartialMap{}
	for _, iv := range intervals {
		pm.Add(iv)
	}
	return pm
}

// Add extends the map with a newly-completed interval, coalescing with any
// adjacent or overlapping neighbors. The map is only ever extended, never
// rewound, except via Reset.
func (pm *PartialMap) Add(iv job.Interval) {
	if iv.Len() <= 0 {
		return
	}
	merged := make([]job.Interval, 0, len(pm.intervals)+1)
	inserted := false
	for _, existing := range pm.intervals {
		if iv.End < existing.Start {
			if !inserted {
				merged = append(merged, iv)
				inserted = true
			}
			merged = append(merged, existing)
			continue
		}
		if existing.End < iv.Start {
			merged = append(merged, existing)
			continue
		}
		// Overlapping or touching: absorb into iv.
		if existing.Start < iv.Start {
			iv.Start = existing.Start
		}
		if existing.End > iv.End {
			iv.End = existing.End
		}
	}
	if !inserted {
		merged = append(merged, iv)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })
	pm.intervals = merged
}

// Reset discards all completed intervals, used through Sink.ResetPartial
// when a range-support lie makes a single stream replace prior coverage.
func (pm *PartialMap) Reset() {
	pm.intervals = nil
}

// Intervals returns the coalesced completed intervals in ascending order.
func (pm *PartialMap) Intervals() []job.Interval {
	out := make([]job.Interval, len(pm.intervals))
	copy(out, pm.intervals)
	return out
}

// CoveredBytes sums the length of every completed interval.
func (pm *PartialMap) CoveredBytes() int64 {
	var total int64
	for _, iv := range pm.intervals {
		total += iv.Len()
	}
	return total
}

// IsComplete reports whether the map's union equals [0, total).
func (pm *PartialMap) IsComplete(total int64) bool {
	if total == 0 {
		return true
	}
	return len(pm.intervals) == 1 && pm.intervals[0].Start == 0 && pm.intervals[0].End == total
}

// Gaps computes the complement of the map within [0, total): the ordered
// list of not-yet-fetched byte ranges.
func (pm *PartialMap) Gaps(total int64) []job.Interval {
	if total <= 0 {
		return nil
	}
	var gaps []job.Interval
	cursor := int64(0)
	for _, iv := range pm.intervals {
		if iv.Start > cursor {
			gaps = append(gaps, job.Interval{Start: cursor, End: iv.Start})
		}
		if iv.End > cursor {
			cursor = iv.End
		}
	}
	if cursor < total {
		gaps = append(gaps, job.Interval{Start: cursor, End: total})
	}
	return gaps
}
