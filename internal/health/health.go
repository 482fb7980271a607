// Package health implements HealthDaemon (spec §4.6): a periodic
// reconciler that scans live mux sessions, marks dead workers terminated,
// escalates reviews whose reviewers have all died without voting, and
// reports orphaned mux sessions without killing them. Grounded directly on
// tarsy/pkg/queue/orphan.go's ticker-driven scan loop, generalized from
// stale-heartbeat detection against Postgres to session/PID liveness
// detection against MuxAdapter.
package health

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/conclave-run/conclave/internal/eventlog"
	"github.com/conclave-run/conclave/internal/log"
	"github.com/conclave-run/conclave/internal/mux"
	"github.com/conclave-run/conclave/internal/registry"
	"github.com/conclave-run/conclave/internal/snapshot"
	"github.com/conclave-run/conclave/internal/task"
)

// Report is the return value of a scan, cached as the last report for
// GET /healthz freshness checks (spec §4.6, HealthReport).
type Report struct {
	ScannedAt         time.Time `json:"scanned_at"`
	TasksScanned      int       `json:"tasks_scanned"`
	WorkersTerminated int       `json:"workers_terminated"`
	ReviewsEscalated  int       `json:"reviews_escalated"`
	OrphanSessions    []string  `json:"orphan_sessions"`
}

// Daemon is HealthDaemon. It holds a weak reference to every live worker
// through the registry only — it never caches worker state itself between
// scans (spec §3 Ownership).
type Daemon struct {
	store      *registry.Store
	snap       *snapshot.DB
	mux        mux.Capability
	interval   time.Duration
	onTerminal func(taskID, workerID string)

	mu         sync.RWMutex
	lastReport *Report

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New returns a Daemon. onTerminal is invoked once per worker newly marked
// terminated by a scan, outside any registry lock, so the caller (normally
// phase.Engine's HandleWorkerTerminal) can safely take its own lock to run
// auto-submission / review-by-attrition (spec §4.1.2, §4.1.3).
func New(store *registry.Store, snap *snapshot.DB, m mux.Capability, interval time.Duration, onTerminal func(taskID, workerID string)) *Daemon {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Daemon{
		store:      store,
		snap:       snap,
		mux:        m,
		interval:   interval,
		onTerminal: onTerminal,
		stopCh:     make(chan struct{}),
	}
}

// Start runs the periodic scan loop until ctx is canceled or Stop is
// called. Safe to call once; call Stop (or cancel ctx) to end it.
func (d *Daemon) Start(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if _, err := d.TriggerScan(ctx); err != nil {
				log.Logger.Error().Err(err).Msg("health scan failed")
			}
		}
	}
}

// Stop ends the periodic loop started by Start. Idempotent.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// LastReport returns the most recently completed scan's report, or nil if
// no scan has run yet.
func (d *Daemon) LastReport() *Report {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastReport
}

// TriggerScan runs one scan immediately (spec §4.6, trigger_health_scan)
// and caches the result as LastReport.
func (d *Daemon) TriggerScan(ctx context.Context) (*Report, error) {
	report := &Report{ScannedAt: time.Now()}

	liveSessions, err := d.mux.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	live := map[string]bool{}
	for _, s := range liveSessions {
		live[s] = true
	}

	entries, err := d.store.ListIndex()
	if err != nil {
		return nil, err
	}

	registeredSessions := map[string]bool{}
	var newlyTerminal []struct{ taskID, workerID string }

	for _, entry := range entries {
		t, err := d.store.Read(entry.TaskID)
		if err != nil {
			log.Logger.Warn().Err(err).Str("task_id", entry.TaskID).Msg("health scan: could not read task registry")
			continue
		}
		report.TasksScanned++
		for _, w := range t.Workers {
			registeredSessions[w.MuxSession] = true
		}

		if t.Status != task.StatusActive && t.Status != task.StatusInitialized {
			continue
		}

		var terminatedThisTask []string
		escalatedThisTask := 0
		err = d.store.Mutate(entry.TaskID, func(tt *task.Task) error {
			for _, w := range tt.Workers {
				if task.IsTerminal(w.Status) {
					continue
				}
				if live[w.MuxSession] && pidAlive(ctx, d.mux, w) {
					continue
				}
				w.Status = task.WorkerTerminated
				now := time.Now()
				w.CompletedAt = &now
				terminatedThisTask = append(terminatedThisTask, w.ID)
			}
			if len(terminatedThisTask) > 0 {
				tt.RecomputeCounters()
			}

			for _, r := range tt.Reviews {
				if r.Status != task.ReviewInProgress {
					continue
				}
				allDeadNoVote := true
				for _, id := range r.ReviewerIDs {
					if r.HasVerdictFrom(id) {
						allDeadNoVote = false
						break
					}
					w := tt.WorkerByID(id)
					if w != nil && !task.IsTerminal(w.Status) {
						allDeadNoVote = false
						break
					}
				}
				if allDeadNoVote && len(r.ReviewerIDs) > 0 {
					r.Status = task.ReviewEscalated
					r.EscalationReason = "all reviewers died without submitting a verdict (detected by health scan)"
					if phase := tt.PhaseByIndex(r.PhaseIndex); phase != nil {
						phase.Status = task.PhaseEscalated
					}
					escalatedThisTask++
				}
			}
			return nil
		})
		if err != nil {
			log.Logger.Warn().Err(err).Str("task_id", entry.TaskID).Msg("health scan: mutation failed")
			continue
		}
		report.ReviewsEscalated += escalatedThisTask

		for _, workerID := range terminatedThisTask {
			report.WorkersTerminated++
			if err := d.recordSyntheticProgress(entry.TaskID, workerID); err != nil {
				log.Logger.Warn().Err(err).Str("worker_id", workerID).Msg("health scan: failed to append synthetic progress entry")
			}
			newlyTerminal = append(newlyTerminal, struct{ taskID, workerID string }{entry.TaskID, workerID})
		}

		if d.snap != nil {
			if fresh, rErr := d.store.Read(entry.TaskID); rErr == nil {
				_ = d.snap.Reconcile(fresh)
			}
		}
	}

	for _, name := range liveSessions {
		if strings.HasPrefix(name, "agent_") && !registeredSessions[name] {
			report.OrphanSessions = append(report.OrphanSessions, name)
		}
	}

	d.mu.Lock()
	d.lastReport = report
	d.mu.Unlock()

	for _, nt := range newlyTerminal {
		if d.onTerminal != nil {
			d.onTerminal(nt.taskID, nt.workerID)
		}
	}

	return report, nil
}

// pidAlive verifies the second half of spec §4.6's liveness check: a session
// can outlive the agent process it was started with if something else
// takes over the pane. Workers that never got a discovered PID (the
// async-discovery window right after spawn) are treated as alive by this
// check alone — session liveness already covers them.
func pidAlive(ctx context.Context, m mux.Capability, w *task.Worker) bool {
	if w.PID == nil {
		return true
	}
	pid, ok, err := m.PanePID(ctx, w.MuxSession)
	if err != nil || !ok {
		return true
	}
	return pid == *w.PID
}

// recordSyntheticProgress appends the synthetic progress entry spec §4.6
// requires when HealthDaemon (rather than the worker itself) discovers a
// death.
func (d *Daemon) recordSyntheticProgress(taskID, workerID string) error {
	t, err := d.store.Read(taskID)
	if err != nil {
		return err
	}
	w := t.WorkerByID(workerID)
	if w == nil {
		return nil
	}
	return eventlog.Append(w.Files.ProgressFile, map[string]any{
		"type":      "progress",
		"worker_id": workerID,
		"status":    task.WorkerTerminated,
		"message":   "marked terminated by health scan: mux session no longer alive",
		"progress":  w.Progress,
		"timestamp": time.Now().UTC(),
	})
}
