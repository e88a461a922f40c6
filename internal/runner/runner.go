// Package runner owns the single background task that drains the Queue
// Dispatcher and drives each job through the Job Controller in turn: the
// "one coordinator, one job at a time" shape the queue's Dispatcher.Next
// method was written to support but that nothing previously called. It also
// bridges enginecore's callback-based telemetry into the Event API, and
// gives the Command API's pause_active/resume/stop_active calls a live job
// to actually act on instead of only flipping a status byte in the queue.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ariadl/internal/anonymizer"
	"ariadl/internal/enginecore"
	"ariadl/internal/events"
	"ariadl/internal/httpclient"
	"ariadl/internal/job"
	"ariadl/internal/queue"
)

// pollInterval is how often the loop checks the dispatcher for a new
// Pending job when it has none in flight.
const pollInterval = 500 * time.Millisecond

// subscriberBufferSize bounds how many undelivered events a slow Command
// API subscriber can fall behind by before it starts missing them; a full
// subscriber drops events rather than blocking the download it's watching.
const subscriberBufferSize = 256

// Config configures a Runner.
type Config struct {
	Dispatcher      *queue.Dispatcher
	AnonymizerCfg   anonymizer.Config
	UserAgent       string
	DefaultWorkers  int
	Logger          *slog.Logger
}

func (c *Config) setDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "ariadl/1.0"
	}
	if c.DefaultWorkers <= 0 {
		c.DefaultWorkers = enginecore.DefaultConcurrency
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// activeJob tracks the one job the Runner currently has in flight.
type activeJob struct {
	id     string
	cancel context.CancelFunc
	paused chan struct{} // closed exactly once, by PauseActive
}

// Runner drains cfg.Dispatcher's FIFO one job at a time, translating
// enginecore's progress into published events.Event values and exposing
// live pause/resume/stop control over whichever job is currently running.
type Runner struct {
	cfg Config

	anonOnce sync.Once
	anonSup  *anonymizer.Supervisor
	anonErr  error
	anonEP   string

	mu     sync.Mutex
	active *activeJob

	subMu sync.Mutex
	subs  map[chan events.Event]struct{}
}

// New builds a Runner; it does nothing until Run is called.
func New(cfg Config) *Runner {
	cfg.setDefaults()
	return &Runner{
		cfg:  cfg,
		subs: make(map[chan events.Event]struct{}),
	}
}

// Run drains the dispatcher until ctx is cancelled, running at most one job
// at a time, matching the single-coordinator-task requirement.
func (r *Runner) Run(ctx context.Context) error {
	logger := r.cfg.Logger.With("component", "runner")
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if r.anonSup != nil {
				r.anonSup.Stop()
			}
			return ctx.Err()
		case <-ticker.C:
			j, err := r.cfg.Dispatcher.Next()
			if err != nil {
				logger.Error("failed to pop next job", "error", err)
				continue
			}
			if j == nil {
				continue
			}
			r.runOne(ctx, j)
		}
	}
}

// Subscribe registers a new event listener and returns its channel plus an
// unsubscribe func. Events are dropped, never blocked on, for a subscriber
// that falls behind.
func (r *Runner) Subscribe() (<-chan events.Event, func()) {
	ch := make(chan events.Event, subscriberBufferSize)
	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()

	unsubscribe := func() {
		r.subMu.Lock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
		r.subMu.Unlock()
	}
	return ch, unsubscribe
}

func (r *Runner) publish(e events.Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// PauseActive signals a genuine mid-fetch pause if id is the job currently
// running, falling back to the Dispatcher's own transition (for a job that
// is merely Pending) otherwise.
func (r *Runner) PauseActive(id string) error {
	r.mu.Lock()
	a := r.active
	r.mu.Unlock()
	if a != nil && a.id == id {
		select {
		case <-a.paused:
		default:
			close(a.paused)
		}
		return nil
	}
	return r.cfg.Dispatcher.PauseActive(id)
}

// Resume always goes through the Dispatcher: a running job is never in a
// pausable-by-resume state, so there is nothing for the Runner itself to do.
func (r *Runner) Resume(id string) error {
	return r.cfg.Dispatcher.Resume(id)
}

// StopActive cancels id's context if it is the job currently running,
// falling back to the Dispatcher's transition otherwise.
func (r *Runner) StopActive(id string) error {
	r.mu.Lock()
	a := r.active
	r.mu.Unlock()
	if a != nil && a.id == id {
		a.cancel()
		return nil
	}
	return r.cfg.Dispatcher.StopActive(id)
}

func (r *Runner) runOne(ctx context.Context, j *job.Job) {
	logger := r.cfg.Logger.With("component", "runner", "job_id", j.ID)
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a := &activeJob{id: j.ID, cancel: cancel, paused: make(chan struct{})}
	r.mu.Lock()
	r.active = a
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.active == a {
			r.active = nil
		}
		r.mu.Unlock()
	}()

	endpoint := ""
	if j.NeedsAnonymizer() {
		ep, err := r.ensureAnonymizer(jobCtx)
		if err != nil {
			logger.Error("failed to start anonymizer for job", "error", err)
			_ = r.cfg.Dispatcher.MarkFailed(j.ID)
			r.publishStatus(j, events.TypeDownloadFailed, &events.DownloadFailedPayload{Reason: err.Error()})
			return
		}
		endpoint = ep
	}

	client, err := httpclient.New(httpclient.Config{
		UseAnonymizer: j.NeedsAnonymizer(),
		SocksEndpoint: endpoint,
		UserAgent:     r.cfg.UserAgent,
	})
	if err != nil {
		logger.Error("failed to build http client", "error", err)
		_ = r.cfg.Dispatcher.MarkFailed(j.ID)
		r.publishStatus(j, events.TypeDownloadFailed, &events.DownloadFailedPayload{Reason: err.Error()})
		return
	}

	workers := j.RequestedWorkerCount
	if workers <= 0 {
		workers = r.cfg.DefaultWorkers
	}

	startedAt := time.Now()
	runCfg := enginecore.Config{
		Concurrency: workers,
		Logger:      logger,
		OnProgress: func(p enginecore.ProgressInfo) {
			r.publish(events.Event{
				Type:  events.TypeProgress,
				JobID: j.ID,
				Progress: &events.ProgressPayload{
					DownloadedBytes: p.DownloadedBytes,
					TotalBytes:      p.TotalBytes,
					Workers:         p.Workers,
				},
			})
		},
		OnPhase: func(phase string) {
			r.publish(events.Event{
				Type:  events.TypeDownloadStatus,
				JobID: j.ID,
				DownloadStatus: &events.DownloadStatusPayload{Status: phase},
			})
		},
		OnVerify: func(hashed, total int64) {
			r.publish(events.Event{
				Type:  events.TypeVerifyProgress,
				JobID: j.ID,
				Verify: &events.VerifyPayload{BytesHashed: hashed, TotalBytes: total},
			})
		},
		OnLog: func(level, message string) {
			r.publish(events.Event{
				Type:  events.TypeLog,
				JobID: j.ID,
				Log:   &events.LogPayload{Level: level, Message: message},
			})
		},
	}

	pauseRequested := func() bool {
		select {
		case <-a.paused:
			return true
		default:
			return false
		}
	}

	result, runErr := enginecore.Run(jobCtx, runCfg, j, client, r.cfg.Dispatcher.Save, pauseRequested)

	switch {
	case runErr != nil && jobCtx.Err() != nil && ctx.Err() == nil:
		// jobCtx was cancelled via StopActive, not the parent Runner context.
		_ = r.cfg.Dispatcher.StopActive(j.ID)
		r.publish(events.Event{Type: events.TypeDownloadInterrupted, JobID: j.ID, DownloadInterrupted: &events.DownloadInterruptedPayload{URL: j.URL, Path: j.OutputPath, Reason: "stopped"}})
	case runErr != nil:
		logger.Error("job failed", "error", runErr)
		_ = r.cfg.Dispatcher.MarkFailed(j.ID)
		r.publish(events.Event{Type: events.TypeDownloadFailed, JobID: j.ID, DownloadFailed: &events.DownloadFailedPayload{Reason: runErr.Error()}})
	case result.Interrupted:
		_ = r.cfg.Dispatcher.Save(j)
		r.publish(events.Event{Type: events.TypeDownloadInterrupted, JobID: j.ID, DownloadInterrupted: &events.DownloadInterruptedPayload{URL: j.URL, Path: j.OutputPath, Reason: "paused"}})
	default:
		_ = r.cfg.Dispatcher.MarkComplete(j.ID)
		r.publish(events.Event{
			Type:  events.TypeComplete,
			JobID: j.ID,
			Complete: &events.CompletePayload{
				URL:           j.URL,
				Path:          j.OutputPath,
				Hash:          result.Hash,
				TimeTakenSecs: time.Since(startedAt).Seconds(),
			},
		})
	}
}

func (r *Runner) publishStatus(j *job.Job, t events.Type, failed *events.DownloadFailedPayload) {
	r.publish(events.Event{Type: t, JobID: j.ID, DownloadFailed: failed})
}

// ensureAnonymizer lazily starts the single shared anonymizer supervisor the
// first time a job needs it, reusing it for every subsequent job so repeated
// .onion downloads don't each pay a fresh bootstrap.
func (r *Runner) ensureAnonymizer(ctx context.Context) (string, error) {
	r.anonOnce.Do(func() {
		sup := anonymizer.New(r.cfg.AnonymizerCfg, func(p anonymizer.Phase, detail string) {
			r.publish(events.Event{
				Type: events.TypeAnonymizerState,
				AnonymizerState: &events.AnonymizerStatePayload{
					State:   string(p),
					Message: detail,
				},
			})
		})
		if err := sup.Start(ctx); err != nil {
			r.anonErr = fmt.Errorf("runner: start anonymizer: %w", err)
			return
		}
		r.anonSup = sup
		r.anonEP = sup.Endpoint()
	})
	return r.anonEP, r.anonErr
}
