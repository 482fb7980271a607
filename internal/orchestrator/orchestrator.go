// Package orchestrator wires every component into a running daemon: the
// StateStore-backed registry and snapshot database, the mux adapter, worker
// supervisor, phase engine, health daemon, tool surface, and ops HTTP
// server. Grounded on cmd/tarsy/main.go's load-config -> open-storage ->
// construct-services -> start-router sequencing, generalized from tarsy's
// flat main-function wiring into a single buildable/startable type so
// cmd/conclaved/main.go itself stays a thin entrypoint.
package orchestrator

import (
	"context"

	"github.com/conclave-run/conclave/internal/config"
	"github.com/conclave-run/conclave/internal/health"
	"github.com/conclave-run/conclave/internal/mux"
	"github.com/conclave-run/conclave/internal/opsapi"
	"github.com/conclave-run/conclave/internal/phase"
	"github.com/conclave-run/conclave/internal/registry"
	"github.com/conclave-run/conclave/internal/snapshot"
	"github.com/conclave-run/conclave/internal/supervisor"
	"github.com/conclave-run/conclave/internal/toolsurface"
)

// Daemon is the fully wired set of components the daemon process runs.
type Daemon struct {
	Config     *config.Config
	Store      *registry.Store
	Snapshot   *snapshot.DB
	Mux        mux.Capability
	Supervisor *supervisor.Supervisor
	Phase      *phase.Engine
	Health     *health.Daemon
	Surface    *toolsurface.Surface
	OpsAPI     *opsapi.Server

	cancelHealth context.CancelFunc
}

// Build constructs every component and wires the cycle-avoidance callbacks
// (WorkerSupervisor.OnTerminal and HealthDaemon's onTerminal both forward
// into PhaseEngine.HandleWorkerTerminal) but starts nothing yet.
func Build(cfg *config.Config) (*Daemon, error) {
	store := registry.New(cfg.WorkspaceBase)

	snap, err := snapshot.Open(cfg.WorkspaceBase)
	if err != nil {
		return nil, err
	}

	m := mux.New(cfg.MuxBinary)

	sup := supervisor.New(store, m, cfg)
	eng := phase.New(store, snap, sup, cfg)
	sup.OnTerminal(eng.HandleWorkerTerminal)

	hd := health.New(store, snap, m, cfg.HealthScanInterval, eng.HandleWorkerTerminal)

	surface := toolsurface.New(eng, sup, hd, store)

	ops := opsapi.New(store, hd, cfg.OpsAPIAddr)

	return &Daemon{
		Config:     cfg,
		Store:      store,
		Snapshot:   snap,
		Mux:        m,
		Supervisor: sup,
		Phase:      eng,
		Health:     hd,
		Surface:    surface,
		OpsAPI:     ops,
	}, nil
}

// Start launches the background health-scan loop and the ops HTTP server.
// The HTTP server runs on its own goroutine; a failure there is reported
// through errCh rather than blocking Start's caller.
func (d *Daemon) Start(ctx context.Context, errCh chan<- error) {
	healthCtx, cancel := context.WithCancel(ctx)
	d.cancelHealth = cancel
	go d.Health.Start(healthCtx)

	go func() {
		if err := d.OpsAPI.Start(); err != nil {
			errCh <- err
		}
	}()
}

// Shutdown stops the health loop, closes the HTTP server, and closes the
// snapshot database, in that order so no in-flight reconciliation writes to
// a closed bbolt handle.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if d.cancelHealth != nil {
		d.cancelHealth()
	}
	d.Health.Stop()

	if err := d.OpsAPI.Shutdown(ctx); err != nil {
		return err
	}

	return d.Snapshot.Close()
}
