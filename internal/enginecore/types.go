// Package enginecore implements the Job Controller and Chunk Worker pool:
// the pipeline that turns a planner.Plan into HTTP range fetches, retries
// and reassigns failing chunks, and feeds completed bytes to a sink. The
// actor shape (dispatcher -> workers -> aggregator, joined by channels)
// drives plain HTTP range GETs against a single origin.
package enginecore

import (
	"errors"
	"time"

	"ariadl/internal/job"
)

// chunkJob is one fetch attempt for one planned interval.
type chunkJob struct {
	workerID             int
	interval              job.Interval
	attemptForAssignment  int // attempts since this interval was last (re)dispatched
	totalAttemptsOverall  int // attempts across the interval's whole lifetime
}

// chunkResult is what a worker reports back after one fetch attempt.
// bytesWritten counts bytes the worker actually persisted to the sink
// before err (if any) occurred, so a partial, cancelled, or failed attempt
// still tells the aggregator exactly how much of the interval is safely on
// disk. rangeLied marks a result that arrived through the range-support-lie
// fallback (a 200 instead of 206 for a range request); its bytes start at
// absolute offset 0 regardless of the interval that was originally
// requested, since the origin sent back the whole resource.
type chunkResult struct {
	chunkJob     chunkJob
	bytesWritten int64
	rangeLied    bool
	err          error
	duration     time.Duration
}

// workerProgress is one worker's periodic report of its in-flight byte count
// and instantaneous transfer rate for the chunk it currently holds.
// assignmentID identifies the interval (the same id chunkJob.workerID and
// job.WorkerRecord.WorkerID use), not the physical worker goroutine, since
// the aggregator tracks state per interval and a worker moves between
// intervals over its lifetime.
type workerProgress struct {
	assignmentID      int
	bytesDoneInterval int64
	instantaneousRate float64
}

const (
	// DefaultConcurrency bounds simultaneous in-flight fetches when the
	// caller does not request a specific worker count.
	DefaultConcurrency = 10

	// MaxLocalRetriesPerAssign bounds consecutive retries on the same
	// dispatch before an interval is reassigned (re-queued).
	MaxLocalRetriesPerAssign = 2

	// MaxTotalRetriesPerChunk bounds total lifetime attempts for one
	// interval before it is declared permanently failed.
	MaxTotalRetriesPerChunk = 5

	DefaultRetryBaseDelay = 250 * time.Millisecond
	ReassignRequestBackoff = 5 * time.Second

	ProgressReportInterval = 2 * time.Second

	jobBufferSize      = 128
	resultBufferSize   = 128
	retryBufferSize    = 128
	progressBufferSize = 256

	ActorShutdownTimeout = 10 * time.Second
)

var (
	ErrDownloadCancelled   = errors.New("enginecore: download cancelled")
	ErrChunkDownloadFailed = errors.New("enginecore: chunk download failed after all attempts")
	ErrNoIntervalsPlanned  = errors.New("enginecore: plan contains no intervals")
)

// ProgressInfo is a point-in-time snapshot handed to the caller's progress
// callback.
type ProgressInfo struct {
	TotalBytes      int64
	DownloadedBytes int64
	TotalIntervals  int
	CompletedIntervals int
	FailedIntervals int
	ActiveWorkers   int
	Workers         []job.WorkerRecord
}
