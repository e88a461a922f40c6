package enginecore

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ariadl/internal/job"
)

// dispatcher hands out pending intervals to workers, retrying or permanently
// failing an interval according to a local-retry/total-retry cap split,
// folded into one actor since there is only one origin to reassign against
// (no multi-agent scheduling).
type dispatcher struct {
	jobsOut chan<- chunkJob
	retryIn chan chunkJob
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[int]chunkJob

	lastDispatch time.Time
	coolDown     time.Duration
}

func newDispatcher(jobsOut chan<- chunkJob, logger *slog.Logger) *dispatcher {
	return &dispatcher{
		jobsOut:  jobsOut,
		retryIn:  make(chan chunkJob, retryBufferSize),
		logger:   logger.With("actor", "dispatcher"),
		pending:  make(map[int]chunkJob),
		coolDown: 100 * time.Millisecond,
	}
}

func (d *dispatcher) run(ctx context.Context, wg *sync.WaitGroup, plan []job.Interval) {
	defer wg.Done()
	d.logger.Debug("dispatcher started")
	defer d.logger.Debug("dispatcher stopped")

	d.mu.Lock()
	for i, iv := range plan {
		d.pending[i] = chunkJob{workerID: i, interval: iv}
	}
	d.mu.Unlock()
	d.dispatchPending(ctx, true)

	ticker := time.NewTicker(d.coolDown * 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case retryJob, ok := <-d.retryIn:
			if !ok {
				d.retryIn = nil
				continue
			}
			d.mu.Lock()
			d.pending[retryJob.workerID] = retryJob
			d.mu.Unlock()
			d.dispatchPending(ctx, false)
		case <-ticker.C:
			d.mu.Lock()
			n := len(d.pending)
			d.mu.Unlock()
			if n > 0 {
				d.dispatchPending(ctx, false)
			}
		}
	}
}

func (d *dispatcher) dispatchPending(ctx context.Context, initial bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !initial && time.Since(d.lastDispatch) < d.coolDown {
		return
	}
	d.lastDispatch = time.Now()

	ids := make([]int, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		j := d.pending[id]
		j.attemptForAssignment++
		j.totalAttemptsOverall++

		select {
		case d.jobsOut <- j:
			delete(d.pending, id)
		case <-ctx.Done():
			return
		default:
			return
		}
	}
}

// requestRetry re-queues a job, resetting its per-assignment attempt
// counter when the caller signals a reassignment (a fresh dispatch slot)
// rather than an immediate local retry.
func (d *dispatcher) requestRetry(ctx context.Context, j chunkJob, reassign bool) {
	if reassign {
		j.attemptForAssignment = 0
	}
	select {
	case d.retryIn <- j:
	case <-ctx.Done():
	}
}
