// Package planner implements the Partition Planner: it turns a probed
// total length, a requested worker count, and the gaps left by a prior
// partial download into an ordered list of byte-range assignments. The
// gap-complement approach (rather than re-deriving ranges from scratch on
// every resume) follows the same "never a dense bitmap, always recompute
// the complement" design used by sink.PartialMap.Gaps.
package planner

import (
	"sort"

	"ariadl/internal/job"
)

// MinChunkSize is the smallest interval the planner will hand to a worker;
// below this, splitting a gap further only adds per-request overhead for no
// parallelism benefit.
const MinChunkSize int64 = 256 * 1024

// MaxWorkers caps the requested worker count the planner splits for,
// regardless of what the operator requests. Each gap's share is rounded up
// and every gap gets at least one interval, so a plan over several gaps can
// hold more intervals than this cap (at most one extra per additional gap).
const MaxWorkers = 500

// Plan computes the ordered interval assignments for a job.
//
// When rangesOK is false the origin does not support byte ranges, so the
// plan is always the single interval [0, total) — worker count is ignored
// entirely, since range support gates all partitioning.
//
// gaps must be the sorted, coalesced complement of what has already been
// written (sink.Gaps()); on a fresh job that is simply [{0, total}].
func Plan(total int64, requestedWorkers int, rangesOK bool, gaps []job.Interval) []job.Interval {
	if total <= 0 || len(gaps) == 0 {
		return nil
	}

	if !rangesOK {
		// Even on resume, a non-rangeable origin can only be refetched whole;
		// the caller is expected to have reset the partial map in that case.
		return []job.Interval{{Start: 0, End: total}}
	}

	workers := requestedWorkers
	if workers <= 0 {
		workers = 1
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}

	var totalGapBytes int64
	for _, g := range gaps {
		totalGapBytes += g.Len()
	}
	if totalGapBytes <= 0 {
		return nil
	}

	// Cap workers so no planned interval falls below MinChunkSize.
	if maxByChunkSize := int(totalGapBytes / MinChunkSize); maxByChunkSize < workers {
		if maxByChunkSize < 1 {
			maxByChunkSize = 1
		}
		workers = maxByChunkSize
	}

	plan := make([]job.Interval, 0, workers)
	for _, g := range gaps {
		share := proportionalShare(g.Len(), totalGapBytes, workers)
		plan = append(plan, splitGap(g, share)...)
	}

	sort.Slice(plan, func(i, j int) bool { return plan[i].Start < plan[j].Start })
	return plan
}

// proportionalShare returns how many pieces a gap of length gapLen should be
// split into, proportional to its share of the total outstanding bytes,
// rounded up so small gaps still get at least one worker.
func proportionalShare(gapLen, totalGapBytes int64, workers int) int {
	if workers <= 1 || gapLen <= 0 {
		return 1
	}
	share := (gapLen*int64(workers) + totalGapBytes - 1) / totalGapBytes
	if share < 1 {
		share = 1
	}
	if maxPieces := gapLen / MinChunkSize; maxPieces >= 1 && share > maxPieces {
		share = maxPieces
	}
	if share < 1 {
		share = 1
	}
	return int(share)
}

// splitGap divides one gap into n roughly-equal pieces, the last absorbing
// any remainder so the pieces exactly tile the gap.
func splitGap(g job.Interval, n int) []job.Interval {
	if n <= 1 {
		return []job.Interval{g}
	}
	length := g.Len()
	pieceSize := length / int64(n)
	if pieceSize < 1 {
		pieceSize = 1
	}
	out := make([]job.Interval, 0, n)
	cursor := g.Start
	for i := 0; i < n-1; i++ {
		end := cursor + pieceSize
		if end >= g.End {
			break
		}
		out = append(out, job.Interval{Start: cursor, End: end})
		cursor = end
	}
	out = append(out, job.Interval{Start: cursor, End: g.End})
	return out
}

// Assign stamps monotonic worker IDs onto an ordered plan, starting at 0.
func Assign(plan []job.Interval) []job.WorkerRecord {
	records := make([]job.WorkerRecord, len(plan))
	for i, iv := range plan {
		records[i] = job.WorkerRecord{
			WorkerID: i,
			Assigned: iv,
			Status:   "pending",
		}
	}
	return records
}
