package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalLenAndOverlaps(t *testing.T) {
	iv := Interval{Start: 10, End: 20}
	assert.Equal(t, int64(10), iv.Len())

	cases := []struct {
		name   string
		other  Interval
		expect bool
	}{
		{"fully inside", Interval{12, 18}, true},
		{"overlapping left edge", Interval{5, 11}, true},
		{"overlapping right edge", Interval{19, 25}, true},
		{"touching, not overlapping", Interval{20, 30}, false},
		{"disjoint", Interval{30, 40}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, iv.Overlaps(tc.other))
			assert.Equal(t, tc.expect, tc.other.Overlaps(iv))
		})
	}
}

func TestNewJobDefaults(t *testing.T) {
	j := New("https://example.com/file.bin", "/tmp/file.bin", 4, false)
	require.NotEmpty(t, j.ID)
	assert.Equal(t, StatusPending, j.Status())
	assert.Equal(t, int64(0), j.BytesTransferred())
	assert.Empty(t, j.Hash())
	assert.Zero(t, j.Elapsed())
}

func TestNeedsAnonymizer(t *testing.T) {
	cases := []struct {
		name            string
		url             string
		forceAnonymizer bool
		expect          bool
	}{
		{"plain https host", "https://example.com/a.bin", false, false},
		{"onion host", "http://abcdefghijklmnop.onion/a.bin", false, true},
		{"onion host mixed case", "http://ABCDEFG.ONION/a.bin", false, true},
		{"forced on clearnet host", "https://example.com/a.bin", true, true},
		{"malformed url", "://bad", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j := New(tc.url, "/tmp/out", 1, tc.forceAnonymizer)
			assert.Equal(t, tc.expect, j.NeedsAnonymizer())
		})
	}
}

func TestStatusTransitionsTrackTimestamps(t *testing.T) {
	j := New("https://example.com/a.bin", "/tmp/out", 1, false)
	assert.Zero(t, j.Elapsed())

	j.SetStatus(StatusActive)
	assert.NotZero(t, j.Elapsed())

	j.SetStatus(StatusComplete)
	elapsedAtComplete := j.Elapsed()
	assert.GreaterOrEqual(t, int64(elapsedAtComplete), int64(0))
}

func TestPlanAndCompletedIntervalsAreCopies(t *testing.T) {
	j := New("https://example.com/a.bin", "/tmp/out", 1, false)
	plan := []Interval{{Start: 0, End: 10}}
	j.SetPlan(plan)

	got := j.Plan()
	require.Len(t, got, 1)
	got[0].End = 999
	assert.Equal(t, int64(10), j.Plan()[0].End, "mutating the returned slice must not affect internal state")

	j.SetCompletedIntervals([]Interval{{Start: 0, End: 5}})
	assert.Equal(t, []Interval{{Start: 0, End: 5}}, j.CompletedIntervals())
}

func TestAddBytesTransferredAccumulates(t *testing.T) {
	j := New("https://example.com/a.bin", "/tmp/out", 1, false)
	j.AddBytesTransferred(100)
	j.AddBytesTransferred(50)
	assert.Equal(t, int64(150), j.BytesTransferred())
}

func TestDeriveFilename(t *testing.T) {
	cases := []struct {
		name   string
		url    string
		index  int
		expect string
	}{
		{"simple path", "https://example.com/path/to/file.zip", 0, "file.zip"},
		{"no path", "https://example.com", 2, "target_2.bin"},
		{"root path only", "https://example.com/", 1, "target_1.bin"},
		{"reserved characters sanitized", "https://example.com/weird:name%3F.bin", 0, "weird_name_.bin"},
		{"trailing slash", "https://example.com/dir/file.iso/", 0, "file.iso"},
		{"malformed url falls back", "://bad", 3, "target_3.bin"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, DeriveFilename(tc.url, tc.index))
		})
	}
}
