// Package metrics exposes the daemon's own Prometheus gauges (spec §4.6.2,
// the ops surface's GET /metrics). Grounded on warren/pkg/metrics/metrics.go's
// package-level prometheus.New*/MustRegister/Handler shape; the gauge set
// below is deliberately narrow — it reports fleet-shape counts only, never
// task/phase/review content, matching the same exclusion handler_health.go
// applies to external dependencies (spec §4.6's dashboard Non-goal).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conclave_active_tasks",
		Help: "Number of tasks not yet COMPLETED or FAILED",
	})

	ActiveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conclave_active_workers",
		Help: "Number of workers not in a terminal status",
	})

	TotalSpawned = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conclave_workers_spawned_total",
		Help: "Total workers ever spawned, summed across all known tasks",
	})

	OrphanSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conclave_orphan_sessions",
		Help: "Mux sessions with no matching registry entry, as of the last health scan",
	})
)

func init() {
	prometheus.MustRegister(ActiveTasks)
	prometheus.MustRegister(ActiveWorkers)
	prometheus.MustRegister(TotalSpawned)
	prometheus.MustRegister(OrphanSessions)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Snapshot is the fleet-shape tally Set expects, computed fresh by the
// caller on every scrape rather than incrementally maintained, since the
// registry itself is the source of truth (spec §3 Ownership).
type Snapshot struct {
	ActiveTasks    int
	ActiveWorkers  int
	TotalSpawned   int
	OrphanSessions int
}

// Set overwrites every gauge from a freshly computed Snapshot.
func Set(s Snapshot) {
	ActiveTasks.Set(float64(s.ActiveTasks))
	ActiveWorkers.Set(float64(s.ActiveWorkers))
	TotalSpawned.Set(float64(s.TotalSpawned))
	OrphanSessions.Set(float64(s.OrphanSessions))
}
