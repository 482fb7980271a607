package opsapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/conclave-run/conclave/internal/health"
	"github.com/conclave-run/conclave/internal/mux"
	"github.com/conclave-run/conclave/internal/registry"
	"github.com/conclave-run/conclave/internal/snapshot"
	"github.com/conclave-run/conclave/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *registry.Store, *health.Daemon) {
	t.Helper()
	base := t.TempDir()
	store := registry.New(base)
	fake := mux.NewFakeAdapter()
	snap, err := snapshot.Open(base)
	require.NoError(t, err)
	t.Cleanup(func() { _ = snap.Close() })

	hd := health.New(store, snap, fake, time.Hour, func(string, string) {})
	s := New(store, hd, ":0")
	return s, store, hd
}

func mkTask(t *testing.T, store *registry.Store, status task.Status, workerStatus task.WorkerStatus) *task.Task {
	t.Helper()
	now := time.Now()
	tk := &task.Task{
		ID:           task.NewTaskID(now),
		Description:  "a task long enough to pass validation rules",
		Status:       status,
		CurrentPhase: 0,
		Phases: []*task.Phase{
			{ID: "phase-0", Order: 0, Name: "build", Status: task.PhaseActive, CreatedAt: now},
		},
		Limits: task.DefaultLimits(),
	}
	base := store.TaskDir(tk.ID)
	tk.Workers = append(tk.Workers, &task.Worker{
		ID:         "investigator-000000-aaaaaa",
		Type:       "investigator",
		MuxSession: "agent_investigator-000000-aaaaaa",
		ParentID:   task.OrchestratorSentinel,
		Depth:      1,
		PhaseIndex: 0,
		Status:     workerStatus,
		StartedAt:  now,
		LastUpdate: now,
		Files: task.FileHandles{
			ProgressFile: base + "/progress/w.jsonl",
			OutputFile:   base + "/logs/w.jsonl",
		},
	})
	tk.RecomputeCounters()
	require.NoError(t, store.CreateTask(tk))
	require.NoError(t, store.AppendIndexEntry(registry.IndexEntry{TaskID: tk.ID, Status: tk.Status, WorkspacePath: base}))
	return tk
}

func TestHealthzDegradedBeforeFirstScan(t *testing.T) {
	s, store, _ := newTestServer(t)
	mkTask(t, store, task.StatusActive, task.WorkerRunning)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)
	assert.Contains(t, w.Body.String(), "no scan has completed yet")
}

func TestHealthzHealthyAfterScan(t *testing.T) {
	s, store, hd := newTestServer(t)
	mkTask(t, store, task.StatusActive, task.WorkerRunning)
	_, err := hd.TriggerScan(t.Context())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)
}

func TestMetricsReflectsFleetShapeNotTaskContent(t *testing.T) {
	s, store, _ := newTestServer(t)
	tk := mkTask(t, store, task.StatusActive, task.WorkerRunning)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "conclave_active_tasks")
	assert.Contains(t, body, "conclave_active_workers")
	assert.NotContains(t, body, tk.Description)
	assert.NotContains(t, body, tk.ID)
}
