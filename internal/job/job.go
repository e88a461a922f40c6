// Package job defines the data model shared by the queue dispatcher and
// the job controller: the Job itself, its byte intervals, and the
// per-worker telemetry record.
package job

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a Job's lifecycle state. Transitions are monotonic within one
// run except Active->Paused->Pending (resume re-queues it) and
// Pending/Paused->Stopped.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Interval is a half-open byte range [Start, End) of absolute file offsets.
type Interval struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of bytes covered by the interval.
func (iv Interval) Len() int64 { return iv.End - iv.Start }

// Overlaps reports whether iv and other share any byte offset.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start < other.End && other.Start < iv.End
}

// WorkerRecord is a snapshot of one chunk worker's progress, bounded by the
// lifetime of the job that owns it.
type WorkerRecord struct {
	WorkerID           int      `json:"worker_id"`
	Assigned           Interval `json:"assigned"`
	BytesDoneInterval  int64    `json:"bytes_done_interval"`
	InstantaneousRate  float64  `json:"instantaneous_rate_bps"`
	Status             string   `json:"status"` // pending, running, done, failed
}

var reservedFilenameChars = regexp.MustCompile(`[\\/:*?"<>|]`)

// Job is one download the queue dispatcher and job controller cooperate on.
// The Inputs are immutable once staged; State is mutated only by the
// controller that currently owns the job.
type Job struct {
	ID string `json:"id"`

	// Immutable inputs.
	URL                   string `json:"url"`
	OutputPath            string `json:"output_path"`
	RequestedWorkerCount  int    `json:"requested_worker_count"`
	ForceAnonymizer       bool   `json:"force_anonymizer"`

	mu                sync.RWMutex
	status            Status
	plannedIntervals  []Interval
	completedIntervals []Interval
	bytesTransferred  int64
	startedAt         time.Time
	finishedAt        time.Time
	hash              string
}

// New creates a Pending job with a fresh ID.
func New(rawURL, outputPath string, workerCount int, forceAnonymizer bool) *Job {
	return &Job{
		ID:                   uuid.NewString(),
		URL:                  rawURL,
		OutputPath:           outputPath,
		RequestedWorkerCount: workerCount,
		ForceAnonymizer:      forceAnonymizer,
		status:               StatusPending,
	}
}

// NeedsAnonymizer reports whether the job's URL requires the anonymizer,
// either because the operator forced it or the host is a .onion address.
func (j *Job) NeedsAnonymizer() bool {
	if j.ForceAnonymizer {
		return true
	}
	u, err := url.Parse(j.URL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Hostname()), ".onion")
}

func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

func (j *Job) SetStatus(s Status) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = s
	switch s {
	case StatusActive:
		if j.startedAt.IsZero() {
			j.startedAt = time.Now()
		}
	case StatusComplete, StatusFailed, StatusStopped:
		j.finishedAt = time.Now()
	}
}

func (j *Job) SetPlan(intervals []Interval) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.plannedIntervals = intervals
}

func (j *Job) Plan() []Interval {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Interval, len(j.plannedIntervals))
	copy(out, j.plannedIntervals)
	return out
}

func (j *Job) SetCompletedIntervals(intervals []Interval) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.completedIntervals = intervals
}

func (j *Job) CompletedIntervals() []Interval {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Interval, len(j.completedIntervals))
	copy(out, j.completedIntervals)
	return out
}

func (j *Job) AddBytesTransferred(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.bytesTransferred += n
}

func (j *Job) BytesTransferred() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.bytesTransferred
}

func (j *Job) SetHash(h string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.hash = h
}

func (j *Job) Hash() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.hash
}

func (j *Job) Elapsed() time.Duration {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.startedAt.IsZero() {
		return 0
	}
	end := j.finishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(j.startedAt)
}

// DeriveFilename produces a filesystem-safe filename for the nth staged URL,
// sanitized against path-separator and reserved characters, falling back to
// target_<n>.bin when the URL has no usable path segment.
func DeriveFilename(rawURL string, index int) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return defaultFilename(index)
	}
	segments := strings.Split(strings.TrimRight(u.Path, "/"), "/")
	name := segments[len(segments)-1]
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultFilename(index)
	}
	name = reservedFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, ". ")
	if name == "" {
		return defaultFilename(index)
	}
	return name
}

func defaultFilename(index int) string {
	return "target_" + strconv.Itoa(index) + ".bin"
}
