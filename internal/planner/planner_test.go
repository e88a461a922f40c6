package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ariadl/internal/job"
)

func TestPlanFreshDownloadRangesOK(t *testing.T) {
	gaps := []job.Interval{{Start: 0, End: 10 * MinChunkSize}}
	plan := Plan(10*MinChunkSize, 4, true, gaps)

	require.NotEmpty(t, plan)
	assertTilesGap(t, plan, gaps[0])
	assert.LessOrEqual(t, len(plan), 4)
}

func TestPlanRangesNotSupportedIsSingleStream(t *testing.T) {
	gaps := []job.Interval{{Start: 0, End: 100}}
	plan := Plan(100, 8, false, gaps)
	require.Len(t, plan, 1)
	assert.Equal(t, job.Interval{Start: 0, End: 100}, plan[0])
}

func TestPlanEmptyGapsReturnsNil(t *testing.T) {
	assert.Nil(t, Plan(100, 4, true, nil))
	assert.Nil(t, Plan(0, 4, true, []job.Interval{{Start: 0, End: 0}}))
}

func TestPlanResumeOnlyCoversGaps(t *testing.T) {
	total := int64(10 * MinChunkSize)
	gaps := []job.Interval{
		{Start: 0, End: MinChunkSize},
		{Start: 4 * MinChunkSize, End: total},
	}
	plan := Plan(total, 4, true, gaps)
	require.NotEmpty(t, plan)

	var covered int64
	for _, iv := range plan {
		covered += iv.Len()
	}
	var wanted int64
	for _, g := range gaps {
		wanted += g.Len()
	}
	assert.Equal(t, wanted, covered)
}

func TestPlanNeverProducesIntervalsBelowMinChunkSizeWhenAvoidable(t *testing.T) {
	total := int64(3 * MinChunkSize)
	plan := Plan(total, 100, true, []job.Interval{{Start: 0, End: total}})
	for _, iv := range plan {
		assert.GreaterOrEqual(t, iv.Len(), MinChunkSize/2, "no interval should be drastically smaller than MinChunkSize")
	}
	assert.LessOrEqual(t, len(plan), 3)
}

func TestPlanWorkerCountClampedToMaxWorkers(t *testing.T) {
	total := int64(MaxWorkers+10) * MinChunkSize
	plan := Plan(total, MaxWorkers+50, true, []job.Interval{{Start: 0, End: total}})
	assert.LessOrEqual(t, len(plan), MaxWorkers)
}

func TestPlanIsSortedByStart(t *testing.T) {
	total := int64(20 * MinChunkSize)
	plan := Plan(total, 6, true, []job.Interval{{Start: 0, End: total}})
	for i := 1; i < len(plan); i++ {
		assert.Less(t, plan[i-1].Start, plan[i].Start)
	}
}

func TestAssignStampsMonotonicWorkerIDs(t *testing.T) {
	plan := []job.Interval{{Start: 0, End: 10}, {Start: 10, End: 20}}
	records := Assign(plan)
	require.Len(t, records, 2)
	for i, r := range records {
		assert.Equal(t, i, r.WorkerID)
		assert.Equal(t, plan[i], r.Assigned)
		assert.Equal(t, "pending", r.Status)
	}
}

// assertTilesGap checks that plan's intervals are disjoint, ordered, and
// together exactly cover gap with no overlap or hole.
func assertTilesGap(t *testing.T, plan []job.Interval, gap job.Interval) {
	t.Helper()
	require.NotEmpty(t, plan)
	assert.Equal(t, gap.Start, plan[0].Start)
	assert.Equal(t, gap.End, plan[len(plan)-1].End)
	for i := 1; i < len(plan); i++ {
		assert.Equal(t, plan[i-1].End, plan[i].Start, "pieces must tile the gap with no hole or overlap")
	}
}
