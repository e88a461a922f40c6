package sink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ariadl/internal/job"
)

func TestOpenPreallocatesOutputFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	s, err := Open(Config{Path: path, URL: "https://example.com/a.bin", TotalLength: 1024})
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), info.Size())
	assert.False(t, s.IsComplete())
	assert.Equal(t, []job.Interval{{Start: 0, End: 1024}}, s.Gaps())
}

func TestWriteAtAndAddCompletedTracksProgress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	s, err := Open(Config{Path: path, URL: "https://example.com/a.bin", TotalLength: 10})
	require.NoError(t, err)
	defer s.Close()

	n, err := s.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, s.AddCompleted(job.Interval{Start: 0, End: 5}))

	assert.Equal(t, int64(5), s.CoveredBytes())
	assert.False(t, s.IsComplete())

	_, err = s.WriteAt([]byte("world"), 5)
	require.NoError(t, err)
	require.NoError(t, s.AddCompleted(job.Interval{Start: 5, End: 10}))

	assert.True(t, s.IsComplete())
	assert.Empty(t, s.Gaps())
}

func TestFlushSidecarAndReopenResumesProgress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	cfg := Config{Path: path, URL: "https://example.com/a.bin", TotalLength: 20}

	s1, err := Open(cfg)
	require.NoError(t, err)
	_, err = s1.WriteAt([]byte("0123456789"), 0)
	require.NoError(t, err)
	require.NoError(t, s1.AddCompleted(job.Interval{Start: 0, End: 10}))
	require.NoError(t, s1.FlushSidecar())
	require.NoError(t, s1.Close())

	require.FileExists(t, path+SidecarExt)

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, int64(10), s2.CoveredBytes())
	assert.Equal(t, []job.Interval{{Start: 10, End: 20}}, s2.Gaps())
}

func TestOpenDiscardsMismatchedSidecar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	s1, err := Open(Config{Path: path, URL: "https://example.com/a.bin", TotalLength: 20})
	require.NoError(t, err)
	require.NoError(t, s1.AddCompleted(job.Interval{Start: 0, End: 20}))
	require.NoError(t, s1.FlushSidecar())
	require.NoError(t, s1.Close())

	// Same path, different total length: the prior sidecar no longer applies.
	s2, err := Open(Config{Path: path, URL: "https://example.com/a.bin", TotalLength: 30})
	require.NoError(t, err)
	defer s2.Close()

	assert.False(t, s2.IsComplete())
	assert.Equal(t, []job.Interval{{Start: 0, End: 30}}, s2.Gaps())
}

func TestRemoveSidecarIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	s, err := Open(Config{Path: path, URL: "https://example.com/a.bin", TotalLength: 10})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.RemoveSidecar())
	require.NoError(t, s.RemoveSidecar())
}
