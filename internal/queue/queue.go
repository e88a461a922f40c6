// Package queue implements the Queue Dispatcher: a durable FIFO of jobs
// backed by bbolt (marshal to JSON, persist inside a db.Update, mirror in an
// in-memory map guarded by a mutex), plus a stage/pause/resume/stop command
// surface.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"ariadl/internal/job"
)

var bucketName = []byte("jobs")

var (
	ErrJobNotFound   = errors.New("queue: job not found")
	ErrQueueClosed   = errors.New("queue: dispatcher is closed")
)

// record is the on-disk shape of one job, since job.Job carries an
// unexported mutex that json.Marshal cannot see.
type record struct {
	ID                   string          `json:"id"`
	URL                  string          `json:"url"`
	OutputPath           string          `json:"output_path"`
	RequestedWorkerCount int             `json:"requested_worker_count"`
	ForceAnonymizer      bool            `json:"force_anonymizer"`
	Status               job.Status      `json:"status"`
	PlannedIntervals     []job.Interval  `json:"planned_intervals"`
	CompletedIntervals   []job.Interval  `json:"completed_intervals"`
	BytesTransferred     int64           `json:"bytes_transferred"`
	Hash                 string          `json:"hash"`
}

func toRecord(j *job.Job) record {
	return record{
		ID:                   j.ID,
		URL:                  j.URL,
		OutputPath:           j.OutputPath,
		RequestedWorkerCount: j.RequestedWorkerCount,
		ForceAnonymizer:      j.ForceAnonymizer,
		Status:               j.Status(),
		PlannedIntervals:     j.Plan(),
		CompletedIntervals:   j.CompletedIntervals(),
		BytesTransferred:     j.BytesTransferred(),
		Hash:                 j.Hash(),
	}
}

func fromRecord(r record) *job.Job {
	j := job.New(r.URL, r.OutputPath, r.RequestedWorkerCount, r.ForceAnonymizer)
	j.ID = r.ID
	j.SetStatus(r.Status)
	j.SetPlan(r.PlannedIntervals)
	j.SetCompletedIntervals(r.CompletedIntervals)
	j.AddBytesTransferred(r.BytesTransferred)
	j.SetHash(r.Hash)
	return j
}

// Config configures Dispatcher construction.
type Config struct {
	DBPath string
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Dispatcher owns the durable job queue and serializes all mutating
// commands through a single mutex, so only one goroutine is ever staging,
// pausing, resuming, or stopping a job at a time.
type Dispatcher struct {
	mu     sync.Mutex
	db     *bbolt.DB
	order  []string // FIFO order of job IDs, pending jobs only
	jobs   map[string]*job.Job
	logger *slog.Logger
	closed bool
}

// Open opens (creating if absent) the bbolt-backed queue database and
// replays any persisted jobs into memory.
func Open(cfg Config) (*Dispatcher, error) {
	cfg.setDefaults()

	db, err := bbolt.Open(cfg.DBPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue: open db at %s: %w", cfg.DBPath, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: create bucket: %w", err)
	}

	d := &Dispatcher{
		db:     db,
		jobs:   make(map[string]*job.Job),
		logger: cfg.Logger.With("component", "queue"),
	}

	if err := d.loadFromDB(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

func (d *Dispatcher) loadFromDB() error {
	return d.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.ForEach(func(k, v []byte) error {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				d.logger.Error("dropping corrupted job record", "job_id", string(k), "error", err)
				return nil
			}
			j := fromRecord(r)
			d.jobs[j.ID] = j
			if j.Status() == job.StatusPending {
				d.order = append(d.order, j.ID)
			}
			return nil
		})
	})
}

func (d *Dispatcher) persist(j *job.Job) error {
	data, err := json.Marshal(toRecord(j))
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", j.ID, err)
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(j.ID), data)
	})
}

// Stage enqueues a new job as Pending and persists it durably before
// returning, so a crash immediately after Stage never loses the request.
func (d *Dispatcher) Stage(j *job.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrQueueClosed
	}
	if err := d.persist(j); err != nil {
		return err
	}
	d.jobs[j.ID] = j
	d.order = append(d.order, j.ID)
	d.logger.Info("job staged", "job_id", j.ID, "url", j.URL)
	return nil
}

// Next pops the oldest Pending job for the job controller to run, or
// returns nil, nil if the queue is empty.
func (d *Dispatcher) Next() (*job.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrQueueClosed
	}
	if len(d.order) == 0 {
		return nil, nil
	}
	id := d.order[0]
	d.order = d.order[1:]
	j, ok := d.jobs[id]
	if !ok {
		return nil, fmt.Errorf("queue: %w: %s", ErrJobNotFound, id)
	}
	return j, nil
}

// Get retrieves a job by ID regardless of its queue position.
func (d *Dispatcher) Get(id string) (*job.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// List returns a snapshot of every known job. The order of the returned
// jobs is not defined.
func (d *Dispatcher) List() []*job.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*job.Job, 0, len(d.jobs))
	for _, j := range d.jobs {
		out = append(out, j)
	}
	return out
}

// PauseActive marks a job Paused and persists the transition. It only
// changes the recorded status; a running enginecore.Run is not signalled
// (runner.Runner.PauseActive does that for the job it is running).
func (d *Dispatcher) PauseActive(id string) error {
	return d.transition(id, job.StatusPaused)
}

// Resume re-queues a Paused job at the back of the FIFO.
func (d *Dispatcher) Resume(id string) error {
	d.mu.Lock()
	j, ok := d.jobs[id]
	if !ok {
		d.mu.Unlock()
		return ErrJobNotFound
	}
	j.SetStatus(job.StatusPending)
	err := d.persist(j)
	if err == nil {
		d.order = append(d.order, id)
	}
	d.mu.Unlock()
	return err
}

// StopActive marks a job Stopped; it will not be resumed automatically and
// is expected to leave its sidecar intact so a fresh Stage of the same URL
// can pick up where it left off.
func (d *Dispatcher) StopActive(id string) error {
	return d.transition(id, job.StatusStopped)
}

// MarkComplete and MarkFailed record terminal outcomes.
func (d *Dispatcher) MarkComplete(id string) error { return d.transition(id, job.StatusComplete) }
func (d *Dispatcher) MarkFailed(id string) error   { return d.transition(id, job.StatusFailed) }

func (d *Dispatcher) transition(id string, status job.Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.SetStatus(status)
	if err := d.persist(j); err != nil {
		return err
	}
	d.logger.Info("job status transitioned", "job_id", id, "status", status)
	return nil
}

// Save persists the current in-memory state of j, used by the job
// controller to checkpoint progress (plan, completed intervals, bytes)
// without changing status.
func (d *Dispatcher) Save(j *job.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.persist(j)
}

// Close closes the underlying database handle.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return d.db.Close()
}
