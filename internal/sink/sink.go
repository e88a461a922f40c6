// Package sink implements the Sink / Partial-State Store: a pre-allocated
// random-access output file plus a sidecar file recording completed byte
// intervals, using positional writes with no global lock and an atomic
// marshal-then-durable-write idiom for persisting progress.
package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"ariadl/internal/job"
)

// SidecarExt is the suffix used for the partial-state file.
const SidecarExt = ".ariapart"

var (
	ErrSizeMismatch = errors.New("sink: existing output size does not match total length")
)

// sidecarState is the on-disk shape of the sidecar file.
type sidecarState struct {
	URL                string          `json:"url"`
	TotalLength        int64           `json:"total_length"`
	RangesOK           bool            `json:"ranges_ok"`
	CompletedIntervals []job.Interval  `json:"completed_intervals"`
}

// Sink owns the output file and its partial-map sidecar for one job run.
// Only the job controller writes the sidecar; workers propose interval
// completions through AddCompleted.
type Sink struct {
	mu          sync.Mutex
	path        string
	sidecarPath string
	file        *os.File
	totalLength int64
	rangesOK    bool
	url         string
	partial     *PartialMap

	updatesSinceFlush int
	flushEvery        int
	logger            *slog.Logger
}

// Config configures sink construction.
type Config struct {
	Path        string
	URL         string
	TotalLength int64
	RangesOK    bool
	FlushEvery  int // persist the sidecar every N AddCompleted calls
	Logger      *slog.Logger
}

func (c *Config) setDefaults() {
	if c.FlushEvery <= 0 {
		c.FlushEvery = 16
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Open opens (or creates) the output file, pre-sizes it to TotalLength, and
// adopts a matching sidecar if one exists. A sidecar whose URL or
// TotalLength disagrees with cfg is discarded and the output file is reset
// to an empty pre-sized file, since a mismatch means the sidecar describes a
// different resource than the one being fetched now.
func Open(cfg Config) (*Sink, error) {
	cfg.setDefaults()
	sidecarPath := cfg.Path + SidecarExt

	s := &Sink{
		path:        cfg.Path,
		sidecarPath: sidecarPath,
		totalLength: cfg.TotalLength,
		rangesOK:    cfg.RangesOK,
		url:         cfg.URL,
		partial:     NewPartialMap(nil),
		flushEvery:  cfg.FlushEvery,
		logger:      cfg.Logger.With("component", "sink"),
	}

	adopted := false
	if existing, err := loadSidecar(sidecarPath); err == nil {
		if existing.URL == cfg.URL && existing.TotalLength == cfg.TotalLength {
			s.partial = NewPartialMap(existing.CompletedIntervals)
			adopted = true
			s.logger.Info("adopted sidecar", "covered_bytes", s.partial.CoveredBytes())
		} else {
			s.logger.Info("sidecar mismatch, discarding", "sidecar_url", existing.URL, "sidecar_len", existing.TotalLength)
			_ = os.Remove(sidecarPath)
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("sink: create output dir: %w", err)
	}

	flags := os.O_RDWR | os.O_CREATE
	if !adopted {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(cfg.Path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open output: %w", err)
	}
	s.file = f

	if !adopted {
		if err := f.Truncate(cfg.TotalLength); err != nil {
			f.Close()
			return nil, fmt.Errorf("sink: preallocate output: %w", err)
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("sink: stat output: %w", err)
		}
		if info.Size() != cfg.TotalLength {
			if err := f.Truncate(cfg.TotalLength); err != nil {
				f.Close()
				return nil, fmt.Errorf("sink: resize output: %w", err)
			}
		}
	}

	return s, nil
}

func loadSidecar(path string) (*sidecarState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st sidecarState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// WriteAt writes data at an absolute offset using the OS's positional write,
// so no cross-worker lock is required on the file itself.
func (s *Sink) WriteAt(data []byte, offset int64) (int, error) {
	return s.file.WriteAt(data, offset)
}

// Completed returns the coalesced completed intervals.
func (s *Sink) Completed() []job.Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial.Intervals()
}

// Gaps returns the not-yet-fetched ranges within [0, TotalLength).
func (s *Sink) Gaps() []job.Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial.Gaps(s.totalLength)
}

// IsComplete reports whether the partial map covers the whole file.
func (s *Sink) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial.IsComplete(s.totalLength)
}

// CoveredBytes reports the durably-written byte count.
func (s *Sink) CoveredBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial.CoveredBytes()
}

// AddCompleted records a newly-completed interval and periodically persists
// the sidecar. Call FlushSidecar directly to force a persist (e.g. on
// pause/stop).
func (s *Sink) AddCompleted(iv job.Interval) error {
	s.mu.Lock()
	s.partial.Add(iv)
	s.updatesSinceFlush++
	shouldFlush := s.updatesSinceFlush >= s.flushEvery
	if shouldFlush {
		s.updatesSinceFlush = 0
	}
	s.mu.Unlock()

	if shouldFlush {
		return s.FlushSidecar()
	}
	return nil
}

// ResetPartial discards all completed intervals, used when an origin answers
// a range request with the whole resource and that single stream replaces
// whatever coverage was recorded.
func (s *Sink) ResetPartial() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial.Reset()
}

// FlushSidecar persists the partial map atomically: write to a temp file in
// the same directory, then rename over the sidecar path.
func (s *Sink) FlushSidecar() error {
	s.mu.Lock()
	state := sidecarState{
		URL:                s.url,
		TotalLength:        s.totalLength,
		RangesOK:           s.rangesOK,
		CompletedIntervals: s.partial.Intervals(),
	}
	s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("sink: marshal sidecar: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.sidecarPath), filepath.Base(s.sidecarPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("sink: create temp sidecar: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sink: write temp sidecar: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sink: sync temp sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sink: close temp sidecar: %w", err)
	}
	if err := os.Rename(tmpPath, s.sidecarPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sink: rename sidecar: %w", err)
	}
	return nil
}

// Sync fsyncs the output file, required before verification can be trusted.
func (s *Sink) Sync() error {
	return s.file.Sync()
}

// RemoveSidecar deletes the sidecar file, called on job Complete.
func (s *Sink) RemoveSidecar() error {
	err := os.Remove(s.sidecarPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Close closes the underlying output file handle.
func (s *Sink) Close() error {
	return s.file.Close()
}

// Path returns the output file path.
func (s *Sink) Path() string { return s.path }
