// Package opsapi implements the daemon's unauthenticated ops surface: GET
// /healthz and GET /metrics. Grounded on tarsy/pkg/api/handler_health.go's
// minimal-response, own-components-only health check, adapted from Echo to
// Gin per cmd/tarsy/main.go's router setup (the same framework choice the
// teacher uses for its own HTTP surface). Deliberately excludes task/phase/
// review content — that is the out-of-scope dashboard's job, not ops
// monitoring's (spec §4.6, §9 Non-goals).
package opsapi

import (
	"context"
	"net/http"
	"time"

	"github.com/conclave-run/conclave/internal/health"
	"github.com/conclave-run/conclave/internal/metrics"
	"github.com/conclave-run/conclave/internal/registry"
	"github.com/conclave-run/conclave/internal/task"
	"github.com/gin-gonic/gin"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"

	// staleAfter bounds how old LastReport can be before /healthz reports
	// degraded: a daemon whose HealthDaemon loop has wedged should look
	// unhealthy even though the process itself is still answering HTTP.
	staleAfter = 5 * time.Minute
)

// Server is the ops HTTP surface. It holds only the registry and the health
// daemon — never PhaseEngine/WorkerSupervisor/ToolSurface — since nothing it
// serves needs to mutate or expose task content.
type Server struct {
	store *registry.Store
	hd    *health.Daemon
	addr  string

	engine *gin.Engine
	srv    *http.Server
}

// New builds a Server bound to addr (spec §6.5 Config.OpsAPIAddr). The
// underlying http.Server is constructed here, synchronously, so Shutdown
// is safe to call even if it races Start's goroutine.
func New(store *registry.Store, hd *health.Daemon, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{store: store, hd: hd, addr: addr}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", s.healthzHandler)
	r.GET("/metrics", s.metricsHandler)
	s.engine = r
	s.srv = &http.Server{Addr: addr, Handler: r}

	return s
}

// Start runs the HTTP server until Shutdown is called. Returns
// http.ErrServerClosed on a clean shutdown, matching net/http.Server's
// convention.
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// healthCheck is one named component of the /healthz response body, mirroring
// tarsy's HealthCheck{Status, Message} shape.
type healthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]healthCheck `json:"checks"`
}

func (s *Server) healthzHandler(c *gin.Context) {
	checks := map[string]healthCheck{}
	status := statusHealthy

	if _, err := s.store.ListIndex(); err != nil {
		status = statusUnhealthy
		checks["registry"] = healthCheck{Status: statusUnhealthy, Message: err.Error()}
	} else {
		checks["registry"] = healthCheck{Status: statusHealthy}
	}

	last := s.hd.LastReport()
	switch {
	case last == nil:
		if status == statusHealthy {
			status = statusDegraded
		}
		checks["health_scan"] = healthCheck{Status: statusDegraded, Message: "no scan has completed yet"}
	case time.Since(last.ScannedAt) > staleAfter:
		if status == statusHealthy {
			status = statusDegraded
		}
		checks["health_scan"] = healthCheck{Status: statusDegraded, Message: "last scan is stale"}
	default:
		checks["health_scan"] = healthCheck{Status: statusHealthy}
	}

	httpStatus := http.StatusOK
	if status == statusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, healthResponse{Status: status, Checks: checks})
}

func (s *Server) metricsHandler(c *gin.Context) {
	snap, err := s.computeSnapshot()
	if err == nil {
		metrics.Set(snap)
	}
	metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

func (s *Server) computeSnapshot() (metrics.Snapshot, error) {
	entries, err := s.store.ListIndex()
	if err != nil {
		return metrics.Snapshot{}, err
	}

	snap := metrics.Snapshot{}
	for _, e := range entries {
		if e.Status != task.StatusCompleted && e.Status != task.StatusFailed {
			snap.ActiveTasks++
		}
		t, err := s.store.Read(e.TaskID)
		if err != nil {
			continue
		}
		for _, w := range t.Workers {
			snap.TotalSpawned++
			if !task.IsTerminal(w.Status) {
				snap.ActiveWorkers++
			}
		}
	}

	if last := s.hd.LastReport(); last != nil {
		snap.OrphanSessions = len(last.OrphanSessions)
	}

	return snap, nil
}
