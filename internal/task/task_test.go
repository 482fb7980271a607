package task

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsShortDescription(t *testing.T) {
	err := Validate(CreateRequest{
		Description: "too short",
		Priority:    PriorityP1,
		Phases:      []PhaseRequest{{Name: "build"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Description")
}

func TestValidateRejectsUnknownPriority(t *testing.T) {
	err := Validate(CreateRequest{
		Description: "investigate the flaky checkout test thoroughly",
		Priority:    "P9",
		Phases:      []PhaseRequest{{Name: "build"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "priority")
}

func TestValidateRejectsEmptyDeliverableString(t *testing.T) {
	err := Validate(CreateRequest{
		Description: "investigate the flaky checkout test thoroughly",
		Priority:    PriorityP1,
		Phases: []PhaseRequest{
			{Name: "build", ExpectedDeliverables: []string{"  "}},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected_deliverables")
}

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	err := Validate(CreateRequest{
		Description: "investigate the flaky checkout test thoroughly",
		Priority:    PriorityP1,
		Phases: []PhaseRequest{
			{Name: "Investigation", ExpectedDeliverables: []string{"report.md"}, SuccessCriteria: []string{"root cause found"}},
		},
	})
	assert.NoError(t, err)
}

func TestRecomputeCountersDerivesFromWorkerList(t *testing.T) {
	tk := &Task{
		Workers: []*Worker{
			{ID: "w1", Status: WorkerRunning},
			{ID: "w2", Status: WorkerCompleted},
			{ID: "w3", Status: WorkerWorking},
			{ID: "w4", Status: WorkerTerminated},
		},
		Counters: Counters{TotalSpawned: 1},
	}
	tk.RecomputeCounters()
	assert.Equal(t, 2, tk.Counters.Active)
	assert.Equal(t, 2, tk.Counters.Completed)
	assert.Equal(t, 4, tk.Counters.TotalSpawned)
}

func TestRecomputeCountersNeverShrinksTotalSpawned(t *testing.T) {
	tk := &Task{
		Workers:  []*Worker{{ID: "w1", Status: WorkerCompleted}},
		Counters: Counters{TotalSpawned: 5},
	}
	tk.RecomputeCounters()
	assert.Equal(t, 5, tk.Counters.TotalSpawned)
}

func TestWorkerByIDAndPhaseByIndexAndWorkersInPhase(t *testing.T) {
	tk := &Task{
		Phases: []*Phase{{ID: "p0", Order: 0}, {ID: "p1", Order: 1}},
		Workers: []*Worker{
			{ID: "w1", PhaseIndex: 0},
			{ID: "w2", PhaseIndex: 1},
			{ID: "w3", PhaseIndex: 0},
		},
	}
	require.NotNil(t, tk.WorkerByID("w2"))
	assert.Nil(t, tk.WorkerByID("missing"))

	require.NotNil(t, tk.PhaseByIndex(1))
	assert.Nil(t, tk.PhaseByIndex(2))
	assert.Nil(t, tk.PhaseByIndex(-1))

	assert.Len(t, tk.WorkersInPhase(0), 2)
	assert.Len(t, tk.WorkersInPhase(1), 1)
}

func TestDepthOfSentinelIsZero(t *testing.T) {
	tk := &Task{Workers: []*Worker{{ID: "w1", Depth: 3}}}
	assert.Equal(t, 0, tk.DepthOf(OrchestratorSentinel))
	assert.Equal(t, 3, tk.DepthOf("w1"))
	assert.Equal(t, 0, tk.DepthOf("unknown"))
}

func TestNewTaskWorkerReviewIDsAreUniqueAndPrefixed(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	id1 := NewTaskID(now)
	id2 := NewTaskID(now)
	assert.True(t, strings.HasPrefix(id1, "TASK-20260730-120000-"))
	assert.NotEqual(t, id1, id2)

	wid := NewWorkerID("investigator", now)
	assert.Contains(t, wid, "investigator")

	rid := NewReviewID(now)
	assert.True(t, strings.HasPrefix(rid, "REVIEW-120000-"))
}

func TestMuxSessionNameDerivesFromWorkerID(t *testing.T) {
	assert.Equal(t, "agent_w1", MuxSessionName("w1"))
}
