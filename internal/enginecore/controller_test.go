package enginecore

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ariadl/internal/job"
	"ariadl/internal/originfixture"
)

// patternBytePeriod mirrors originfixture's own deterministic byte-pattern
// period, so a test can predict the exact byte at an absolute file offset
// without importing the (test-only) fixture's unexported formula.
const patternBytePeriod = 251

func expectedPatternByte(pos int64) byte {
	p := int(pos % patternBytePeriod)
	return byte((p*31 + 7) % 256)
}

func noopCheckpoint(*job.Job) error { return nil }

func neverPause() bool { return false }

func TestRunSucceedsAgainstRangeCapableOrigin(t *testing.T) {
	fx := originfixture.New(originfixture.Config{TotalSize: 2_000_000, RangesSupported: true})
	defer fx.Close()

	out := filepath.Join(t.TempDir(), "out.bin")
	j := job.New(fx.URL(), out, 4, false)

	res, err := Run(context.Background(), Config{Concurrency: 4}, j, http.DefaultClient, noopCheckpoint, neverPause)
	require.NoError(t, err)
	assert.Equal(t, job.StatusComplete, j.Status())
	assert.NotEmpty(t, res.Hash)
	assert.Equal(t, int64(2_000_000), res.TotalBytes)
	assert.True(t, fx.RequestCount() > 1, "a chunked fetch should issue more than one request")
}

func TestRunFallsBackToSingleStreamWhenOriginLiesAboutRanges(t *testing.T) {
	fx := originfixture.New(originfixture.Config{TotalSize: 150_000, RangesSupported: true, LieAboutRanges: true})
	defer fx.Close()

	out := filepath.Join(t.TempDir(), "out.bin")
	j := job.New(fx.URL(), out, 4, false)

	var logs []string
	cfg := Config{
		Concurrency: 4,
		OnLog: func(level, message string) {
			logs = append(logs, level+": "+message)
		},
	}

	res, err := Run(context.Background(), cfg, j, http.DefaultClient, noopCheckpoint, neverPause)
	require.NoError(t, err)
	assert.Equal(t, job.StatusComplete, j.Status())
	assert.Equal(t, int64(150_000), res.TotalBytes)

	found := false
	for _, l := range logs {
		if strings.Contains(l, "single-stream fallback") {
			found = true
		}
	}
	assert.True(t, found, "expected a log event reporting the single-stream fallback, got %v", logs)
}

func TestRunRetriesThroughTransientFailures(t *testing.T) {
	fx := originfixture.New(originfixture.Config{TotalSize: 3_000_000, RangesSupported: true, FailureRate: 0.2})
	defer fx.Close()

	out := filepath.Join(t.TempDir(), "out.bin")
	j := job.New(fx.URL(), out, 6, false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := Run(ctx, Config{Concurrency: 6}, j, http.DefaultClient, noopCheckpoint, neverPause)
	require.NoError(t, err)
	assert.Equal(t, job.StatusComplete, j.Status())
	assert.Equal(t, int64(3_000_000), res.TotalBytes)
}

func TestRunOnNonRangeOriginUsesSingleStream(t *testing.T) {
	fx := originfixture.New(originfixture.Config{TotalSize: 50_000, RangesSupported: false})
	defer fx.Close()

	out := filepath.Join(t.TempDir(), "out.bin")
	j := job.New(fx.URL(), out, 8, false)

	res, err := Run(context.Background(), Config{Concurrency: 8}, j, http.DefaultClient, noopCheckpoint, neverPause)
	require.NoError(t, err)
	assert.Equal(t, job.StatusComplete, j.Status())
	assert.Equal(t, int64(50_000), res.TotalBytes)
}

func TestRunPausesMidFetchInsteadOfFailing(t *testing.T) {
	// Throttle delivery so each worker's stream takes well over a second to
	// finish its interval; this lets the test request a pause a fixed,
	// short time after Run starts and be sure it lands while workers are
	// still mid-stream, rather than racing real throughput.
	fx := originfixture.New(originfixture.Config{
		TotalSize:         2_000_000,
		RangesSupported:   true,
		ThrottleBlockSize: 4096,
		ThrottleDelay:     25 * time.Millisecond,
	})
	defer fx.Close()

	out := filepath.Join(t.TempDir(), "out.bin")
	j := job.New(fx.URL(), out, 8, false)

	var checkpointed []job.Status
	checkpoint := func(cj *job.Job) error {
		checkpointed = append(checkpointed, cj.Status())
		return nil
	}

	start := time.Now()
	pauseAfter := func() bool { return time.Since(start) > 150*time.Millisecond }

	res, err := Run(context.Background(), Config{Concurrency: 8}, j, http.DefaultClient, checkpoint, pauseAfter)
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, job.StatusPaused, j.Status())
	assert.NotContains(t, checkpointed, job.StatusStopped)
	assert.NotContains(t, checkpointed, job.StatusFailed)

	// The planner hands worker 0 the interval starting at byte 0, and at
	// 4096 bytes/25ms that worker cannot possibly have reached the end of
	// its 285,714-byte interval by the time the pause lands a few hundred
	// milliseconds in. Reading the output file directly (bypassing the
	// sink's own bookkeeping) proves bytes were streamed to disk
	// progressively, not buffered and flushed only on completion.
	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 64)
	n, err := f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	for i, b := range buf {
		assert.Equal(t, expectedPatternByte(int64(i)), b, "byte %d mismatched the expected pattern", i)
	}

	sum := int64(0)
	for _, iv := range j.CompletedIntervals() {
		sum += iv.Len()
	}
	assert.Greater(t, sum, int64(0), "some prefix of the interval should have been persisted as completed before the pause")
	assert.Less(t, sum, int64(2_000_000), "the pause should have landed before the whole download finished")
}

func TestRunReportsProgressDuringFetch(t *testing.T) {
	fx := originfixture.New(originfixture.Config{TotalSize: 500_000, RangesSupported: true})
	defer fx.Close()

	out := filepath.Join(t.TempDir(), "out.bin")
	j := job.New(fx.URL(), out, 4, false)

	var samples []ProgressInfo
	cfg := Config{
		Concurrency: 4,
		OnProgress: func(p ProgressInfo) {
			samples = append(samples, p)
		},
	}

	_, err := Run(context.Background(), cfg, j, http.DefaultClient, noopCheckpoint, neverPause)
	require.NoError(t, err)
	require.NotEmpty(t, samples)
	last := samples[len(samples)-1]
	assert.Equal(t, last.TotalIntervals, last.CompletedIntervals)
	assert.Zero(t, last.FailedIntervals)
}

func TestRunResumesFromExistingSidecar(t *testing.T) {
	fx := originfixture.New(originfixture.Config{TotalSize: 400_000, RangesSupported: true})
	defer fx.Close()

	out := filepath.Join(t.TempDir(), "out.bin")
	j1 := job.New(fx.URL(), out, 4, false)

	alwaysPause := func() bool { return true }
	_, err := Run(context.Background(), Config{Concurrency: 4}, j1, http.DefaultClient, noopCheckpoint, alwaysPause)
	require.NoError(t, err)
	require.Equal(t, job.StatusPaused, j1.Status())

	requestsBeforeResume := fx.RequestCount()

	j2 := job.New(fx.URL(), out, 4, false)
	res, err := Run(context.Background(), Config{Concurrency: 4}, j2, http.DefaultClient, noopCheckpoint, neverPause)
	require.NoError(t, err)
	assert.Equal(t, job.StatusComplete, j2.Status())
	assert.Equal(t, int64(400_000), res.TotalBytes)
	assert.True(t, fx.RequestCount() > requestsBeforeResume)
}

func TestRunPropagatesContextCancellation(t *testing.T) {
	fx := originfixture.New(originfixture.Config{TotalSize: 5_000_000, RangesSupported: true})
	defer fx.Close()

	out := filepath.Join(t.TempDir(), "out.bin")
	j := job.New(fx.URL(), out, 8, false)

	ctx, cancel := context.WithCancel(context.Background())

	type runOutcome struct {
		err error
	}
	done := make(chan runOutcome, 1)
	go func() {
		_, err := Run(ctx, Config{Concurrency: 8}, j, http.DefaultClient, noopCheckpoint, neverPause)
		done <- runOutcome{err: err}
	}()

	// Let the probe/plan/fetch phases get underway before cutting the context,
	// so the cancellation lands inside runFetch rather than before it starts.
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case outcome := <-done:
		assert.Error(t, outcome.err)
		assert.Contains(t, []job.Status{job.StatusStopped, job.StatusFailed}, j.Status())
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
