package enginecore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ariadl/internal/job"
	"ariadl/internal/planner"
	"ariadl/internal/prober"
	"ariadl/internal/sink"
	"ariadl/internal/verifier"
)

// openForRead opens path for the verifier's sequential read pass, separate
// from the sink's own read/write handle.
func openForRead(path string) (*os.File, error) {
	return os.Open(path)
}

// Config configures one Run of the job controller.
type Config struct {
	Concurrency         int
	ChunkRequestTimeout time.Duration
	Logger              *slog.Logger

	// OnProgress, OnPhase, OnVerify and OnLog surface the Job Controller's
	// transitions and periodic telemetry to the Event API; all may be nil.
	OnProgress func(ProgressInfo)
	OnPhase    func(phase string)
	OnVerify   func(bytesHashed, totalBytes int64)
	OnLog      func(level, message string)
}

func (c *Config) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.ChunkRequestTimeout <= 0 {
		c.ChunkRequestTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result is the outcome of a completed Run.
type Result struct {
	Hash        string
	TotalBytes  int64
	Interrupted bool
}

// Run drives j through the full Idle -> Probing -> Planning -> Fetching ->
// Verifying -> Done state machine (side-transitioning to Paused/Stopped/
// Failed as the context and pause signal dictate), persisting progress
// through checkpoint as it goes.
//
// pauseRequested is polled between phases and before each dispatch round;
// when it returns true mid-fetch, Run flushes the sink's sidecar and
// returns with j in StatusPaused rather than erroring.
func Run(ctx context.Context, cfg Config, j *job.Job, client *http.Client, checkpoint func(*job.Job) error, pauseRequested func() bool) (Result, error) {
	cfg.setDefaults()
	logger := cfg.Logger.With("component", "enginecore", "job_id", j.ID)

	phase := func(name string) {
		logger.Info("phase transition", "phase", name)
		if cfg.OnPhase != nil {
			cfg.OnPhase(name)
		}
	}

	j.SetStatus(job.StatusActive)
	phase("probing")

	probeResult, err := prober.Probe(ctx, client, j.URL, logger)
	if err != nil {
		j.SetStatus(job.StatusFailed)
		return Result{}, fmt.Errorf("enginecore: probe failed: %w", err)
	}

	phase("planning")

	s, err := sink.Open(sink.Config{
		Path:        j.OutputPath,
		URL:         j.URL,
		TotalLength: probeResult.TotalLength,
		RangesOK:    probeResult.RangesOK,
		Logger:      logger,
	})
	if err != nil {
		j.SetStatus(job.StatusFailed)
		return Result{}, fmt.Errorf("enginecore: open sink: %w", err)
	}
	defer s.Close()

	if s.IsComplete() {
		return finish(ctx, cfg, j, s, logger, phase, checkpoint)
	}

	gaps := s.Gaps()
	plan := planner.Plan(probeResult.TotalLength, j.RequestedWorkerCount, probeResult.RangesOK, gaps)
	j.SetPlan(plan)
	if err := checkpoint(j); err != nil {
		logger.Warn("checkpoint after planning failed", "error", err)
	}

	if pauseRequested != nil && pauseRequested() {
		return pauseOut(j, s, checkpoint)
	}

	phase("fetching")

	if err := runFetch(ctx, cfg, j, s, plan, client, logger, pauseRequested); err != nil {
		if errors.Is(err, context.Canceled) {
			j.SetStatus(job.StatusStopped)
			_ = s.FlushSidecar()
			return Result{Interrupted: true}, err
		}
		j.SetStatus(job.StatusFailed)
		_ = s.FlushSidecar()
		return Result{}, err
	}

	if pauseRequested != nil && pauseRequested() {
		return pauseOut(j, s, checkpoint)
	}

	if !s.IsComplete() {
		j.SetStatus(job.StatusFailed)
		return Result{}, ErrChunkDownloadFailed
	}

	return finish(ctx, cfg, j, s, logger, phase, checkpoint)
}

func pauseOut(j *job.Job, s *sink.Sink, checkpoint func(*job.Job) error) (Result, error) {
	j.SetCompletedIntervals(s.Completed())
	j.SetStatus(job.StatusPaused)
	_ = s.FlushSidecar()
	if checkpoint != nil {
		_ = checkpoint(j)
	}
	return Result{Interrupted: true}, nil
}

func runFetch(ctx context.Context, cfg Config, j *job.Job, s *sink.Sink, plan []job.Interval, client *http.Client, logger *slog.Logger, pauseRequested func() bool) error {
	if len(plan) == 0 {
		return nil
	}

	jobsChan := make(chan chunkJob, jobBufferSize)
	resultsChan := make(chan chunkResult, resultBufferSize)
	progressChan := make(chan workerProgress, progressBufferSize)

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()

	var wg sync.WaitGroup

	d := newDispatcher(jobsChan, logger)
	wg.Add(1)
	go d.run(fetchCtx, &wg, plan)

	concurrency := cfg.Concurrency
	if concurrency > len(plan) {
		concurrency = len(plan)
	}
	for i := 0; i < concurrency; i++ {
		w := newChunkWorker(i, client, j.URL, s, jobsChan, resultsChan, progressChan, logger, cfg.ChunkRequestTimeout)
		wg.Add(1)
		go w.run(fetchCtx, &wg)
	}

	agg := newAggregator(resultsChan, progressChan, d, s, plan, s.CoveredBytes()+sumGapBytes(plan), logger, func(p ProgressInfo) {
		j.AddBytesTransferred(p.DownloadedBytes - j.BytesTransferred())
		if cfg.OnProgress != nil {
			cfg.OnProgress(p)
		}
	})
	agg.bytesDone.Store(s.CoveredBytes())
	wg.Add(1)
	go agg.run(fetchCtx, &wg)

	// watch runs the two concurrent, mutually-cancelling observers of this
	// fetch round — the aggregator's completion and the operator's pause
	// signal — as an errgroup so either one tearing down cancels fetchCtx
	// for the other, instead of hand-rolled cross-goroutine signaling.
	watch, watchCtx := errgroup.WithContext(fetchCtx)
	var loopErr error
	var paused bool
	watch.Go(func() error {
		select {
		case <-watchCtx.Done():
			return watchCtx.Err()
		case <-agg.doneChan:
			loopErr = agg.finalError
			cancelFetch()
			return nil
		}
	})
	watch.Go(func() error {
		if pauseRequested == nil {
			<-watchCtx.Done()
			return nil
		}
		pollTicker := time.NewTicker(500 * time.Millisecond)
		defer pollTicker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return nil
			case <-pollTicker.C:
				if pauseRequested() {
					paused = true
					cancelFetch()
					return nil
				}
			}
		}
	})
	_ = watch.Wait()

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(ActorShutdownTimeout):
		logger.Error("timed out waiting for fetch actors to exit")
	}

	if paused {
		// Workers cut off by the pause still report how much of their
		// interval they had written; record those prefixes as completed.
		for drained := false; !drained; {
			select {
			case res := <-resultsChan:
				if !res.rangeLied && res.bytesWritten > 0 {
					start := res.chunkJob.interval.Start
					_ = s.AddCompleted(job.Interval{Start: start, End: start + res.bytesWritten})
				}
			default:
				drained = true
			}
		}
		return nil
	}
	if loopErr == nil && ctx.Err() != nil {
		loopErr = ctx.Err()
	}

	if loopErr == nil && agg.rangeLied && cfg.OnLog != nil {
		cfg.OnLog("warn", "origin does not honor range requests; completed via single-stream fallback")
	}

	return loopErr
}

func sumGapBytes(plan []job.Interval) int64 {
	var total int64
	for _, iv := range plan {
		total += iv.Len()
	}
	return total
}

func finish(ctx context.Context, cfg Config, j *job.Job, s *sink.Sink, logger *slog.Logger, phase func(string), checkpoint func(*job.Job) error) (Result, error) {
	phase("verifying")

	if err := s.Sync(); err != nil {
		j.SetStatus(job.StatusFailed)
		return Result{}, fmt.Errorf("enginecore: sync output before verify: %w", err)
	}

	f, err := openForRead(s.Path())
	if err != nil {
		j.SetStatus(job.StatusFailed)
		return Result{}, fmt.Errorf("enginecore: reopen output for verify: %w", err)
	}
	defer f.Close()

	digest, err := verifier.Verify(ctx, f, s.CoveredBytes(), cfg.OnVerify)
	if err != nil {
		j.SetStatus(job.StatusFailed)
		return Result{}, fmt.Errorf("enginecore: verify: %w", err)
	}

	j.SetHash(digest)
	j.SetStatus(job.StatusComplete)
	if err := s.RemoveSidecar(); err != nil {
		logger.Warn("failed to remove sidecar after completion", "error", err)
	}
	if checkpoint != nil {
		_ = checkpoint(j)
	}

	phase("done")
	return Result{Hash: digest, TotalBytes: s.CoveredBytes()}, nil
}
