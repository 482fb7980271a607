package orchestrator

import (
	"context"
	"testing"

	"github.com/conclave-run/conclave/internal/config"
	"github.com/conclave-run/conclave/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := config.Defaults()
	cfg.WorkspaceBase = t.TempDir()
	cfg.MinFreeDiskBytes = 0
	cfg.MuxBinary = "true" // any real-but-harmless binary; FakeAdapter isn't wired here, so real Adapter shells out and fails gracefully
	cfg.HealthScanInterval = 0
	cfg.OpsAPIAddr = ":0"

	d, err := Build(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Snapshot.Close() })
	return d
}

func TestBuildWiresEveryComponent(t *testing.T) {
	d := newTestDaemon(t)
	assert.NotNil(t, d.Store)
	assert.NotNil(t, d.Snapshot)
	assert.NotNil(t, d.Supervisor)
	assert.NotNil(t, d.Phase)
	assert.NotNil(t, d.Health)
	assert.NotNil(t, d.Surface)
	assert.NotNil(t, d.OpsAPI)
}

func TestSurfaceCreateTaskIsReachableThroughWiring(t *testing.T) {
	d := newTestDaemon(t)
	env := d.Surface.CreateTask(task.CreateRequest{
		Description: "investigate the flaky checkout test thoroughly",
		Priority:    task.PriorityP1,
		Phases: []task.PhaseRequest{
			{Name: "Investigation", ExpectedDeliverables: []string{"report.md"}, SuccessCriteria: []string{"root cause found"}},
		},
	})
	require.True(t, env.Success)

	taskID, ok := env.Payload["task_id"].(string)
	require.True(t, ok)

	tk, err := d.Store.Read(taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInitialized, tk.Status)
}

func TestShutdownStopsHealthLoopAndClosesSnapshot(t *testing.T) {
	d := newTestDaemon(t)
	errCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Start(ctx, errCh)
	require.NoError(t, d.Shutdown(context.Background()))
}
