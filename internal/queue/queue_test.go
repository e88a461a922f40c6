package queue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ariadl/internal/job"
)

func openTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	d, err := Open(Config{DBPath: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestStageThenNextFIFO(t *testing.T) {
	d := openTestDispatcher(t)

	j1 := job.New("https://example.com/1.bin", "/tmp/1.bin", 2, false)
	j2 := job.New("https://example.com/2.bin", "/tmp/2.bin", 2, false)
	require.NoError(t, d.Stage(j1))
	require.NoError(t, d.Stage(j2))

	got1, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, j1.ID, got1.ID)

	got2, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, j2.ID, got2.ID)

	empty, err := d.Next()
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestGetUnknownJobErrors(t *testing.T) {
	d := openTestDispatcher(t)
	_, err := d.Get("does-not-exist")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestPauseResumeStopTransitions(t *testing.T) {
	d := openTestDispatcher(t)
	j := job.New("https://example.com/1.bin", "/tmp/1.bin", 2, false)
	require.NoError(t, d.Stage(j))
	_, err := d.Next()
	require.NoError(t, err)
	j.SetStatus(job.StatusActive)

	require.NoError(t, d.PauseActive(j.ID))
	got, err := d.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPaused, got.Status())

	require.NoError(t, d.Resume(j.ID))
	got, err = d.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status())

	// Resume re-queues at the back of the FIFO.
	next, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, j.ID, next.ID)

	require.NoError(t, d.StopActive(j.ID))
	got, err = d.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusStopped, got.Status())
}

func TestMarkCompleteAndFailed(t *testing.T) {
	d := openTestDispatcher(t)
	j := job.New("https://example.com/1.bin", "/tmp/1.bin", 2, false)
	require.NoError(t, d.Stage(j))

	require.NoError(t, d.MarkComplete(j.ID))
	got, err := d.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusComplete, got.Status())

	j2 := job.New("https://example.com/2.bin", "/tmp/2.bin", 2, false)
	require.NoError(t, d.Stage(j2))
	require.NoError(t, d.MarkFailed(j2.ID))
	got2, err := d.Get(j2.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got2.Status())
}

func TestTransitionUnknownJobErrors(t *testing.T) {
	d := openTestDispatcher(t)
	assert.ErrorIs(t, d.PauseActive("nope"), ErrJobNotFound)
	assert.ErrorIs(t, d.Resume("nope"), ErrJobNotFound)
	assert.ErrorIs(t, d.StopActive("nope"), ErrJobNotFound)
}

func TestSavePersistsProgressAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	d1, err := Open(Config{DBPath: dbPath})
	require.NoError(t, err)

	j := job.New("https://example.com/1.bin", "/tmp/1.bin", 2, false)
	require.NoError(t, d1.Stage(j))
	j.SetPlan([]job.Interval{{Start: 0, End: 100}})
	j.AddBytesTransferred(42)
	require.NoError(t, d1.Save(j))
	require.NoError(t, d1.Close())

	d2, err := Open(Config{DBPath: dbPath})
	require.NoError(t, err)
	defer d2.Close()

	reloaded, err := d2.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), reloaded.BytesTransferred())
	assert.Equal(t, []job.Interval{{Start: 0, End: 100}}, reloaded.Plan())
}

func TestListReturnsAllKnownJobs(t *testing.T) {
	d := openTestDispatcher(t)
	j1 := job.New("https://example.com/1.bin", "/tmp/1.bin", 2, false)
	j2 := job.New("https://example.com/2.bin", "/tmp/2.bin", 2, false)
	require.NoError(t, d.Stage(j1))
	require.NoError(t, d.Stage(j2))

	all := d.List()
	assert.Len(t, all, 2)
}

func TestOperationsAfterCloseFail(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	d, err := Open(Config{DBPath: dbPath})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	j := job.New("https://example.com/1.bin", "/tmp/1.bin", 2, false)
	assert.ErrorIs(t, d.Stage(j), ErrQueueClosed)
	_, err = d.Next()
	assert.ErrorIs(t, err, ErrQueueClosed)
}
