package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetOverwritesEveryGauge(t *testing.T) {
	Set(Snapshot{ActiveTasks: 3, ActiveWorkers: 7, TotalSpawned: 12, OrphanSessions: 1})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "conclave_active_tasks 3")
	assert.Contains(t, body, "conclave_active_workers 7")
	assert.Contains(t, body, "conclave_workers_spawned_total 12")
	assert.Contains(t, body, "conclave_orphan_sessions 1")
}

func TestSetToZeroClearsPreviousValues(t *testing.T) {
	Set(Snapshot{ActiveTasks: 5, ActiveWorkers: 5, TotalSpawned: 5, OrphanSessions: 5})
	Set(Snapshot{})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "conclave_active_tasks 0")
	assert.Contains(t, body, "conclave_orphan_sessions 0")
}
