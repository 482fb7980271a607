package toolsurface

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/conclave-run/conclave/internal/config"
	"github.com/conclave-run/conclave/internal/health"
	"github.com/conclave-run/conclave/internal/mux"
	"github.com/conclave-run/conclave/internal/phase"
	"github.com/conclave-run/conclave/internal/registry"
	"github.com/conclave-run/conclave/internal/snapshot"
	"github.com/conclave-run/conclave/internal/supervisor"
	"github.com/conclave-run/conclave/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSurface(t *testing.T) *Surface {
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
	eng := phase.New(store, snap, sup, cfg)
	hd := health.New(store, snap, fake, time.Hour, eng.HandleWorkerTerminal)
	return New(eng, sup, hd, store)
}

func TestCreateTaskEnvelopeShape(t *testing.T) {
	s := newTestSurface(t)
	env := s.CreateTask(task.CreateRequest{
		Description: "investigate the flaky checkout test thoroughly",
		Priority:    task.PriorityP1,
		Phases: []task.PhaseRequest{
			{Name: "Investigation", ExpectedDeliverables: []string{"report.md"}, SuccessCriteria: []string{"root cause found"}},
		},
	})
	require.True(t, env.Success)
	assert.Equal(t, StateTaskInitialized, env.Guidance.CurrentState)
	assert.NotEmpty(t, env.Guidance.AvailableActions)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Contains(t, parsed, "success")
	assert.Contains(t, parsed, "guidance")
	assert.Contains(t, parsed, "task_id")
	assert.Nil(t, parsed["error"])
}

func TestSpawnWorkerAndUpdateProgressFlow(t *testing.T) {
	s := newTestSurface(t)
	env := s.CreateTask(task.CreateRequest{
		Description: "investigate the flaky checkout test thoroughly",
		Priority:    task.PriorityP1,
		Phases:      []task.PhaseRequest{{Name: "Investigation", ExpectedDeliverables: []string{"x"}, SuccessCriteria: []string{"y"}}},
	})
	require.True(t, env.Success)
	taskID := env.Payload["task_id"].(string)

	spawnEnv := s.SpawnWorker(context.Background(), supervisor.SpawnWorkerRequest{
		TaskID: taskID, Type: "investigator", Prompt: "look into it",
	})
	require.True(t, spawnEnv.Success)
	assert.Equal(t, StateAgentDeployed, spawnEnv.Guidance.CurrentState)
	w := spawnEnv.Payload["worker"].(*task.Worker)

	progEnv := s.UpdateProgress(context.Background(), supervisor.UpdateProgressRequest{
		TaskID: taskID, WorkerID: w.ID, Status: task.WorkerCompleted, Message: "done", Progress: 100,
	})
	require.True(t, progEnv.Success)
	assert.Equal(t, StateAgentProgressUpdated, progEnv.Guidance.CurrentState)
	assert.Contains(t, progEnv.Payload, "agent_counts")
	assert.Contains(t, progEnv.Payload, "own_update")

	statusEnv := s.GetPhaseStatus(taskID)
	require.True(t, statusEnv.Success)
	assert.Equal(t, StatePhaseUnderReview, statusEnv.Guidance.CurrentState)
}

func TestRejectPhaseReviewAlwaysBlocked(t *testing.T) {
	s := newTestSurface(t)
	env := s.RejectPhaseReview()
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "ReviewBlocked", *env.Error)
	require.NotNil(t, env.Guidance.BlockedReason)
}
