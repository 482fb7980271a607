package phase

import (
	"context"
	"testing"

	"github.com/conclave-run/conclave/internal/config"
	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/mux"
	"github.com/conclave-run/conclave/internal/registry"
	"github.com/conclave-run/conclave/internal/snapshot"
	"github.com/conclave-run/conclave/internal/supervisor"
	"github.com/conclave-run/conclave/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *registry.Store, *supervisor.Supervisor, *mux.FakeAdapter) {
	t.Helper()
	base := t.TempDir()
	store := registry.New(base)
	fake := mux.NewFakeAdapter()
	cfg := config.Defaults()
	cfg.WorkspaceBase = base
	cfg.MinFreeDiskBytes = 0

	snap, err := snapshot.Open(base)
	require.NoError(t, err)
	t.Cleanup(func() { _ = snap.Close() })

	sup := supervisor.New(store, fake, cfg)
	eng := New(store, snap, sup, cfg)
	return eng, store, sup, fake
}

func createTestTask(t *testing.T, eng *Engine) *task.Task {
	t.Helper()
	tk, err := eng.CreateTask(task.CreateRequest{
		Description: "rewrite the cache layer to be thread-safe",
		Priority:    task.PriorityP1,
		Phases: []task.PhaseRequest{
			{Name: "Investigation", ExpectedDeliverables: []string{"design.md"}, SuccessCriteria: []string{"documented"}},
		},
	})
	require.NoError(t, err)
	return tk
}

// TestS1SinglePhaseHappyPath exercises spec scenario S1 end to end.
func TestS1SinglePhaseHappyPath(t *testing.T) {
	eng, store, sup, _ := newTestEngine(t)
	tk := createTestTask(t, eng)

	w1, err := sup.SpawnWorker(context.Background(), supervisor.SpawnWorkerRequest{
		TaskID: tk.ID, Type: "investigator", Prompt: "analyze cache",
	})
	require.NoError(t, err)

	got, err := store.Read(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Counters.Active)

	_, err = sup.UpdateProgress(context.Background(), supervisor.UpdateProgressRequest{
		TaskID: tk.ID, WorkerID: w1.ID, Status: task.WorkerWorking, Message: "halfway", Progress: 50,
	})
	require.NoError(t, err)

	_, err = sup.UpdateProgress(context.Background(), supervisor.UpdateProgressRequest{
		TaskID: tk.ID, WorkerID: w1.ID, Status: task.WorkerCompleted, Message: "done", Progress: 100,
	})
	require.NoError(t, err)

	got, err = store.Read(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.PhaseUnderReview, got.CurrentPhasePtr().Status, "auto-submission should have triggered a review")
	require.Len(t, got.Reviews, 1)
	review := got.Reviews[0]
	require.Len(t, review.ReviewerIDs, 3)

	for _, rv := range review.ReviewerIDs {
		err := eng.SubmitReviewVerdict(tk.ID, review.ID, rv, task.VerdictApprove, nil)
		require.NoError(t, err)
	}

	got, err = store.Read(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.PhaseApproved, got.CurrentPhasePtr().Status)

	require.NoError(t, eng.AdvanceToNextPhase(tk.ID))

	got, err = store.Read(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.NotEmpty(t, got.Phases[0].Handover)
}

// TestS2RejectionWithRevisionLoop exercises spec scenario S2.
func TestS2RejectionWithRevisionLoop(t *testing.T) {
	eng, store, sup, _ := newTestEngine(t)
	tk := createTestTask(t, eng)

	w1, err := sup.SpawnWorker(context.Background(), supervisor.SpawnWorkerRequest{
		TaskID: tk.ID, Type: "investigator", Prompt: "analyze",
	})
	require.NoError(t, err)
	_, err = sup.UpdateProgress(context.Background(), supervisor.UpdateProgressRequest{
		TaskID: tk.ID, WorkerID: w1.ID, Status: task.WorkerCompleted, Progress: 100,
	})
	require.NoError(t, err)

	got, err := store.Read(tk.ID)
	require.NoError(t, err)
	review := got.Reviews[0]

	verdicts := []task.Verdict{task.VerdictNeedsRevision, task.VerdictNeedsRevision, task.VerdictReject}
	for i, rv := range review.ReviewerIDs {
		severity := map[task.Severity]int{}
		if verdicts[i] == task.VerdictReject {
			severity[task.SeverityHigh] = 1
		}
		err := eng.SubmitReviewVerdict(tk.ID, review.ID, rv, verdicts[i], severity)
		require.NoError(t, err)
	}

	got, err = store.Read(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.PhaseRevising, got.CurrentPhasePtr().Status)

	_, err = sup.SpawnWorker(context.Background(), supervisor.SpawnWorkerRequest{
		TaskID: tk.ID, Type: "fixer", Prompt: "address feedback",
	})
	require.NoError(t, err)

	require.NoError(t, eng.SubmitPhaseForReview(tk.ID))
	got, err = store.Read(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.PhaseAwaitingReview, got.CurrentPhasePtr().Status)
}

// TestS3Enforcement exercises spec scenario S3.
func TestS3Enforcement(t *testing.T) {
	eng, store, sup, _ := newTestEngine(t)
	tk := createTestTask(t, eng)

	err := eng.RejectPhaseReview()
	assert.True(t, errs.Is(err, errs.KindReviewBlocked))

	w1, err := sup.SpawnWorker(context.Background(), supervisor.SpawnWorkerRequest{
		TaskID: tk.ID, Type: "investigator", Prompt: "analyze",
	})
	require.NoError(t, err)
	_, err = sup.UpdateProgress(context.Background(), supervisor.UpdateProgressRequest{
		TaskID: tk.ID, WorkerID: w1.ID, Status: task.WorkerCompleted, Progress: 100,
	})
	require.NoError(t, err)

	got, err := store.Read(tk.ID)
	require.NoError(t, err)
	review := got.Reviews[0]

	err = eng.ApprovePhaseReview(tk.ID, review.ID, false)
	assert.True(t, errs.Is(err, errs.KindReviewBlocked))
}

// TestS4Escalation exercises spec scenario S4.
func TestS4Escalation(t *testing.T) {
	eng, store, sup, _ := newTestEngine(t)
	tk := createTestTask(t, eng)

	w1, err := sup.SpawnWorker(context.Background(), supervisor.SpawnWorkerRequest{
		TaskID: tk.ID, Type: "investigator", Prompt: "analyze",
	})
	require.NoError(t, err)
	_, err = sup.UpdateProgress(context.Background(), supervisor.UpdateProgressRequest{
		TaskID: tk.ID, WorkerID: w1.ID, Status: task.WorkerCompleted, Progress: 100,
	})
	require.NoError(t, err)

	got, err := store.Read(tk.ID)
	require.NoError(t, err)
	review := got.Reviews[0]

	for _, rv := range review.ReviewerIDs {
		require.NoError(t, sup.KillWorker(context.Background(), tk.ID, rv))
	}

	got, err = store.Read(tk.ID)
	require.NoError(t, err)
	r := got.ReviewByID(review.ID)
	assert.Equal(t, task.ReviewEscalated, r.Status)
	assert.Equal(t, task.PhaseEscalated, got.CurrentPhasePtr().Status)

	require.NoError(t, eng.ApprovePhaseReview(tk.ID, review.ID, true))
	got, err = store.Read(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.PhaseApproved, got.CurrentPhasePtr().Status)
}
