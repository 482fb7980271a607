package snapshot

import (
	"testing"

	"github.com/conclave-run/conclave/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutTaskThenGetTaskSummary(t *testing.T) {
	db := openTestDB(t)
	tk := &task.Task{ID: "TASK-1", Description: "investigate the flaky test", Status: task.StatusActive, CurrentPhase: 1}

	require.NoError(t, db.PutTask(tk))

	got, err := db.GetTaskSummary("TASK-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tk.Description, got.Description)
	assert.Equal(t, task.StatusActive, got.Status)
	assert.Equal(t, 1, got.CurrentPhase)
}

func TestGetTaskSummaryMissingReturnsNilNotError(t *testing.T) {
	db := openTestDB(t)
	got, err := db.GetTaskSummary("TASK-NOPE")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutWorkerThenGetWorker(t *testing.T) {
	db := openTestDB(t)
	w := &task.Worker{ID: "w1", Type: "investigator", Status: task.WorkerRunning, Progress: 40}

	require.NoError(t, db.PutWorker("TASK-1", w))

	got, err := db.GetWorker("TASK-1", "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "investigator", got.Type)
	assert.Equal(t, 40, got.Progress)
}

func TestWorkersAreScopedPerTask(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.PutWorker("TASK-1", &task.Worker{ID: "w1", Status: task.WorkerRunning}))

	got, err := db.GetWorker("TASK-2", "w1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReconcileRecomputesCountersAndMaterializesEverything(t *testing.T) {
	db := openTestDB(t)
	tk := &task.Task{
		ID:     "TASK-1",
		Status: task.StatusActive,
		Phases: []*task.Phase{{ID: "p0", Order: 0, Name: "Investigation"}},
		Workers: []*task.Worker{
			{ID: "w1", Status: task.WorkerRunning},
			{ID: "w2", Status: task.WorkerCompleted},
		},
		Reviews: []*task.Review{{ID: "REVIEW-1", PhaseIndex: 0, Status: task.ReviewPending}},
	}

	require.NoError(t, db.Reconcile(tk))

	assert.Equal(t, 1, tk.Counters.Active)
	assert.Equal(t, 1, tk.Counters.Completed)

	summary, err := db.GetTaskSummary("TASK-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Counters.Active)

	w1, err := db.GetWorker("TASK-1", "w1")
	require.NoError(t, err)
	assert.Equal(t, task.WorkerRunning, w1.Status)
}
