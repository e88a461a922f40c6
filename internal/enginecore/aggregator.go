package enginecore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ariadl/internal/job"
	"ariadl/internal/sink"
)

// sinkWriter is the subset of *sink.Sink the aggregator and chunk workers
// need; declared as an interface so tests can substitute an in-memory fake.
type sinkWriter interface {
	WriteAt(data []byte, offset int64) (int, error)
	AddCompleted(iv job.Interval) error
	ResetPartial()
}

var _ sinkWriter = (*sink.Sink)(nil)

// aggregator consumes chunkResults, tracks which bytes workers have
// streamed directly into the sink, and drives each interval through a
// three-tier retry -> reassign -> permanent-failure policy. It also absorbs
// range-support lies: once a worker reports it had to fall back to a
// single, unranged stream, the aggregator discards whatever partial
// coverage the sink held and treats that worker's stream as the
// authoritative full-file content from offset 0.
type aggregator struct {
	resultsIn   <-chan chunkResult
	progressIn  <-chan workerProgress
	dispatcher  *dispatcher
	sink        sinkWriter
	logger      *slog.Logger

	onProgress func(ProgressInfo)

	mu         sync.Mutex
	states     map[int]*intervalState
	totalBytes int64
	completed  atomic.Int32
	permFailed atomic.Int32
	bytesDone  atomic.Int64

	rangeLieHandled bool
	rangeLied       bool

	doneChan   chan struct{}
	finalError error
}

type intervalState struct {
	interval             job.Interval
	attemptsOnAssignment int
	attemptsTotal        int
	completed            bool
	permanentlyFailed    bool
	lastFailure          time.Time
	bytesDoneInterval    int64
	instantaneousRate    float64
}

func newAggregator(resultsIn <-chan chunkResult, progressIn <-chan workerProgress, d *dispatcher, s sinkWriter, plan []job.Interval, totalBytes int64, logger *slog.Logger, onProgress func(ProgressInfo)) *aggregator {
	states := make(map[int]*intervalState, len(plan))
	for i, iv := range plan {
		states[i] = &intervalState{interval: iv}
	}
	return &aggregator{
		resultsIn:  resultsIn,
		progressIn: progressIn,
		dispatcher: d,
		sink:       s,
		logger:     logger.With("actor", "aggregator"),
		onProgress: onProgress,
		states:     states,
		totalBytes: totalBytes,
		doneChan:   make(chan struct{}),
	}
}

func (a *aggregator) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(a.doneChan)

	total := len(a.states)
	if total == 0 {
		return
	}

	ticker := time.NewTicker(ProgressReportInterval)
	defer ticker.Stop()

	for {
		if int(a.completed.Load()+a.permFailed.Load()) >= total {
			if a.permFailed.Load() > 0 && a.finalError == nil {
				a.finalError = fmt.Errorf("enginecore: %d intervals permanently failed", a.permFailed.Load())
			}
			a.sendProgress()
			return
		}

		select {
		case <-ctx.Done():
			if a.finalError == nil {
				a.finalError = ctx.Err()
			}
			return
		case result, ok := <-a.resultsIn:
			if !ok {
				return
			}
			a.process(ctx, result)
		case p, ok := <-a.progressIn:
			if ok {
				a.applyWorkerProgress(p)
			}
		case <-ticker.C:
			a.sendProgress()
		}
	}
}

func (a *aggregator) applyWorkerProgress(p workerProgress) {
	a.mu.Lock()
	if st, exists := a.states[p.assignmentID]; exists {
		st.bytesDoneInterval = p.bytesDoneInterval
		st.instantaneousRate = p.instantaneousRate
	}
	a.mu.Unlock()
}

func (a *aggregator) process(ctx context.Context, result chunkResult) {
	if result.rangeLied {
		a.handleRangeLie(ctx, result)
		return
	}

	a.mu.Lock()
	st, exists := a.states[result.chunkJob.workerID]
	if !exists || st.completed || st.permanentlyFailed {
		a.mu.Unlock()
		return
	}
	st.attemptsOnAssignment = result.chunkJob.attemptForAssignment
	st.attemptsTotal = result.chunkJob.totalAttemptsOverall
	a.mu.Unlock()

	if result.err != nil {
		a.handleFailure(ctx, st, result)
		return
	}
	a.handleSuccess(st, result)
}

// handleSuccess records an interval whose worker streamed it fully into the
// sink already; all that remains is updating the sidecar and counters.
func (a *aggregator) handleSuccess(st *intervalState, result chunkResult) {
	if err := a.sink.AddCompleted(st.interval); err != nil {
		a.logger.Warn("sidecar update failed", "interval", st.interval, "error", err)
	}

	a.mu.Lock()
	st.completed = true
	a.mu.Unlock()

	a.completed.Add(1)
	a.bytesDone.Add(result.bytesWritten)
}

// handleFailure implements the mandatory pause/failure split: whatever
// prefix of the interval the worker actually streamed to disk before
// failing is persisted as a completed sub-interval, and only the
// unwritten remainder is retried or reassigned. Attempt counters are never
// touched here; dispatchPending owns them exclusively, and requestRetry is
// called with the same semantics it always was.
func (a *aggregator) handleFailure(ctx context.Context, st *intervalState, result chunkResult) {
	a.mu.Lock()
	st.lastFailure = time.Now()
	attemptsTotal := st.attemptsTotal
	attemptsOnAssign := st.attemptsOnAssignment
	current := st.interval
	a.mu.Unlock()

	a.logger.Warn("chunk fetch failed", "interval", current, "attempt_total", attemptsTotal, "attempt_on_assign", attemptsOnAssign, "bytes_written", result.bytesWritten, "error", result.err)

	retryInterval := current
	if result.bytesWritten > 0 {
		prefix := job.Interval{Start: current.Start, End: current.Start + result.bytesWritten}
		if err := a.sink.AddCompleted(prefix); err != nil {
			a.logger.Warn("sidecar update failed", "interval", prefix, "error", err)
		}
		a.bytesDone.Add(result.bytesWritten)

		remaining := job.Interval{Start: prefix.End, End: current.End}
		if remaining.Len() <= 0 {
			a.mu.Lock()
			st.completed = true
			a.mu.Unlock()
			a.completed.Add(1)
			return
		}

		a.mu.Lock()
		st.interval = remaining
		a.mu.Unlock()
		retryInterval = remaining
	}

	if attemptsTotal >= MaxTotalRetriesPerChunk {
		a.mu.Lock()
		if !st.permanentlyFailed {
			st.permanentlyFailed = true
			a.permFailed.Add(1)
		}
		a.mu.Unlock()
		a.logger.Error("interval permanently failed", "interval", retryInterval)
		return
	}

	reassign := attemptsOnAssign >= MaxLocalRetriesPerAssign
	retryJob := result.chunkJob
	retryJob.interval = retryInterval
	a.dispatcher.requestRetry(ctx, retryJob, reassign)
}

// handleRangeLie absorbs a worker's report that the origin did not honor a
// range request: the stream it received starts at absolute offset 0 and
// supersedes whatever partial coverage the sink already held, so on the
// first such report every previously completed interval is discarded. Any
// bytes the lying stream itself managed to write are kept as a completed
// prefix; if it covers the whole resource the download is done, otherwise
// the remainder is requeued as a single interval and reassigned to any
// worker the dispatcher next frees up.
func (a *aggregator) handleRangeLie(ctx context.Context, result chunkResult) {
	a.mu.Lock()
	first := !a.rangeLieHandled
	a.rangeLieHandled = true
	a.rangeLied = true
	a.mu.Unlock()

	if first {
		a.sink.ResetPartial()
	}

	if result.bytesWritten > 0 {
		if err := a.sink.AddCompleted(job.Interval{Start: 0, End: result.bytesWritten}); err != nil {
			a.logger.Warn("sidecar update failed", "interval", job.Interval{Start: 0, End: result.bytesWritten}, "error", err)
		}
	}

	if result.err == nil && result.bytesWritten >= a.totalBytes {
		a.markAllComplete(result.bytesWritten)
		return
	}

	remaining := job.Interval{Start: result.bytesWritten, End: a.totalBytes}
	if remaining.Len() <= 0 {
		a.markAllComplete(result.bytesWritten)
		return
	}

	a.mu.Lock()
	st, exists := a.states[result.chunkJob.workerID]
	if exists {
		st.interval = remaining
	}
	a.bytesDone.Store(result.bytesWritten)
	a.mu.Unlock()

	if !exists {
		return
	}
	retryJob := result.chunkJob
	retryJob.interval = remaining
	a.dispatcher.requestRetry(ctx, retryJob, true)
}

// markAllComplete short-circuits every remaining interval once a
// single-stream fallback has covered the whole resource, so the other
// workers' in-flight ranged requests are no longer needed.
func (a *aggregator) markAllComplete(bytesWritten int64) {
	a.mu.Lock()
	for _, st := range a.states {
		st.completed = true
	}
	n := len(a.states)
	a.mu.Unlock()

	a.completed.Store(int32(n))
	a.permFailed.Store(0)
	a.bytesDone.Store(bytesWritten)
}

func (a *aggregator) sendProgress() {
	if a.onProgress == nil {
		return
	}
	a.mu.Lock()
	active := 0
	var workers []job.WorkerRecord
	for id, st := range a.states {
		status := "pending"
		if st.completed {
			status = "done"
		} else if st.permanentlyFailed {
			status = "failed"
		} else {
			active++
			status = "running"
		}
		workers = append(workers, job.WorkerRecord{
			WorkerID:          id,
			Assigned:          st.interval,
			BytesDoneInterval: st.bytesDoneInterval,
			InstantaneousRate: st.instantaneousRate,
			Status:            status,
		})
	}
	total := len(a.states)
	a.mu.Unlock()

	a.onProgress(ProgressInfo{
		TotalBytes:         a.totalBytes,
		DownloadedBytes:    a.bytesDone.Load(),
		TotalIntervals:     total,
		CompletedIntervals: int(a.completed.Load()),
		FailedIntervals:    int(a.permFailed.Load()),
		ActiveWorkers:      active,
		Workers:            workers,
	})
}
