// Package phase implements PhaseEngine (spec §4.1): the 8-state phase state
// machine, mandatory peer review, verdict aggregation, and the enforcement
// rules that block an external caller from approving or rejecting its own
// work. Grounded on tarsy/pkg/session's stage-lifecycle shape, generalized
// from a single linear pipeline to the spec's richer review loop.
package phase

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/conclave-run/conclave/internal/config"
	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/registry"
	"github.com/conclave-run/conclave/internal/snapshot"
	"github.com/conclave-run/conclave/internal/supervisor"
	"github.com/conclave-run/conclave/internal/task"
)

const defaultReviewerCount = 3

// Engine is the PhaseEngine.
type Engine struct {
	store         *registry.Store
	snap          *snapshot.DB
	sup           *supervisor.Supervisor
	reviewerCount int
	cfg           *config.Config
}

// New returns an Engine wired to store/snap/sup. It registers itself as the
// supervisor's terminal-worker callback to implement the auto-submission
// rule (spec §4.1.2).
func New(store *registry.Store, snap *snapshot.DB, sup *supervisor.Supervisor, cfg *config.Config) *Engine {
	e := &Engine{store: store, snap: snap, sup: sup, reviewerCount: defaultReviewerCount, cfg: cfg}
	sup.OnTerminal(e.onWorkerTerminal)
	return e
}

// CreateTask validates req, initializes the on-disk workspace, and writes
// the registry with all phases PENDING except the first, which becomes
// ACTIVE (spec §4.1, create_task).
func (e *Engine) CreateTask(req task.CreateRequest) (*task.Task, error) {
	if err := task.Validate(req); err != nil {
		return nil, err
	}

	now := time.Now()
	t := &task.Task{
		ID:            task.NewTaskID(now),
		Description:   req.Description,
		Priority:      req.Priority,
		ClientWorkDir: req.ClientWorkDir,
		CreatedAt:     now,
		Status:        task.StatusInitialized,
		CurrentPhase:  0,
		Hierarchy:     map[string][]string{},
		Limits:        e.cfg.DefaultLimits,
	}
	t.WorkspacePath = e.store.TaskDir(t.ID)

	for i, pr := range req.Phases {
		status := task.PhasePending
		var startedAt *time.Time
		if i == 0 {
			status = task.PhaseActive
			n := now
			startedAt = &n
		}
		t.Phases = append(t.Phases, &task.Phase{
			ID:                   fmt.Sprintf("phase-%d", i),
			Order:                i,
			Name:                 pr.Name,
			Description:          pr.Description,
			Status:               status,
			CreatedAt:            now,
			StartedAt:            startedAt,
			ExpectedDeliverables: pr.ExpectedDeliverables,
			SuccessCriteria:      pr.SuccessCriteria,
		})
	}
	if len(t.Phases) > 0 {
		t.Status = task.StatusActive
	}

	if err := e.store.CreateTask(t); err != nil {
		return nil, err
	}
	if err := e.store.AppendIndexEntry(registry.IndexEntry{
		TaskID:        t.ID,
		Description:   t.Description,
		CreatedAt:     t.CreatedAt,
		Status:        t.Status,
		WorkspacePath: t.WorkspacePath,
	}); err != nil {
		return nil, err
	}
	if e.snap != nil {
		_ = e.snap.Reconcile(t)
	}
	return t, nil
}

// GetPhaseStatus is the read-only current-phase summary (spec §4.1,
// get_phase_status).
type PhaseStatusView struct {
	Phase           *task.Phase
	WorkersInPhase  []*task.Worker
	ActiveReview    *task.Review
	ReadyForReview  bool
}

func (e *Engine) GetPhaseStatus(taskID string) (*PhaseStatusView, error) {
	t, err := e.store.Read(taskID)
	if err != nil {
		return nil, err
	}
	phase := t.CurrentPhasePtr()
	if phase == nil {
		return nil, errs.New(errs.KindNotFound, "task has no current phase")
	}
	workers := t.WorkersInPhase(t.CurrentPhase)
	view := &PhaseStatusView{Phase: phase, WorkersInPhase: workers}
	view.ActiveReview = activeReviewForPhase(t, t.CurrentPhase)
	view.ReadyForReview = allTerminal(workers) && phase.Status == task.PhaseActive
	return view, nil
}

// CheckPhaseProgress is check_phase_progress: computes ready_for_review.
func (e *Engine) CheckPhaseProgress(taskID string) (bool, error) {
	view, err := e.GetPhaseStatus(taskID)
	if err != nil {
		return false, err
	}
	return view.ReadyForReview, nil
}

func activeReviewForPhase(t *task.Task, phaseIdx int) *task.Review {
	for _, r := range t.Reviews {
		if r.PhaseIndex == phaseIdx && (r.Status == task.ReviewPending || r.Status == task.ReviewInProgress) {
			return r
		}
	}
	return nil
}

func allTerminal(workers []*task.Worker) bool {
	if len(workers) == 0 {
		return false
	}
	for _, w := range workers {
		if !task.IsTerminal(w.Status) {
			return false
		}
	}
	return true
}

// onWorkerTerminal implements two supervisor-triggered checks that fire
// whenever any worker goes terminal:
//
//  1. Auto-submission (spec §4.1.2): if every worker in the active current
//     phase is now terminal, the phase moves to AWAITING_REVIEW and an
//     auto-review is scheduled.
//  2. Review-by-attrition (spec §4.1.3, §4.6): if the worker was a reviewer
//     on an in_progress review and every reviewer on that review has now
//     either voted or died, aggregation runs immediately rather than
//     waiting for the next HealthDaemon sweep.
func (e *Engine) onWorkerTerminal(taskID, workerID string) {
	var shouldReview bool
	err := e.store.Mutate(taskID, func(t *task.Task) error {
		w := t.WorkerByID(workerID)
		if w == nil {
			return nil
		}

		if phase := t.PhaseByIndex(w.PhaseIndex); phase != nil && phase.Status == task.PhaseActive && w.PhaseIndex == t.CurrentPhase {
			workers := t.WorkersInPhase(w.PhaseIndex)
			if allTerminal(workers) {
				phase.Status = task.PhaseAwaitingReview
				shouldReview = true
			}
		}

		for _, r := range t.Reviews {
			if r.Status != task.ReviewInProgress || !containsReviewer(r, workerID) {
				continue
			}
			if reviewReadyToAggregate(t, r) {
				aggregateVerdict(t, r)
			}
		}
		return nil
	})
	if err != nil || !shouldReview {
		return
	}
	if e.snap != nil {
		if t, rErr := e.store.Read(taskID); rErr == nil {
			_ = e.snap.Reconcile(t)
		}
	}
	// Auto-review spawn happens outside the mutation above (spawning
	// reviewers takes its own registry lock via SubmitPhaseForReview's
	// sibling operation, trigger_agentic_review).
	_, _ = e.TriggerAgenticReview(taskID)
}

// HandleWorkerTerminal lets external actors that detect a worker's death
// outside WorkerSupervisor's own call paths (namely HealthDaemon's periodic
// scan) run the same auto-submission and review-by-attrition checks as a
// supervisor-detected termination (spec §4.6 complements §4.1.2/§4.1.3).
func (e *Engine) HandleWorkerTerminal(taskID, workerID string) {
	e.onWorkerTerminal(taskID, workerID)
}

// SubmitPhaseForReview is the manual equivalent of auto-submission: ACTIVE
// or REVISING -> AWAITING_REVIEW (spec §4.1, submit_phase_for_review).
func (e *Engine) SubmitPhaseForReview(taskID string) error {
	return e.store.Mutate(taskID, func(t *task.Task) error {
		phase := t.CurrentPhasePtr()
		if phase == nil {
			return errs.New(errs.KindNotFound, "task has no current phase")
		}
		if phase.Status != task.PhaseActive && phase.Status != task.PhaseRevising {
			return errs.Wrap(errs.KindPhaseStateInvalid,
				fmt.Sprintf("submit_phase_for_review requires ACTIVE or REVISING, phase is %s", phase.Status), nil)
		}
		phase.Status = task.PhaseAwaitingReview
		return nil
	})
}

// writeHandover writes the phase handover document on APPROVED (spec §4.1,
// §6.4 handover/phase-<index>.md).
func (e *Engine) writeHandover(t *task.Task, phase *task.Phase) error {
	dir := filepath.Join(e.store.TaskDir(t.ID), "handover")
	path := filepath.Join(dir, fmt.Sprintf("phase-%d.md", phase.Order))

	var deliverables string
	for _, d := range phase.ExpectedDeliverables {
		deliverables += fmt.Sprintf("- %s\n", d)
	}

	content := fmt.Sprintf("# Handover: %s\n\nApproved at: %s\n\n## Expected deliverables\n%s\n",
		phase.Name, time.Now().UTC().Format(time.RFC3339), deliverables)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.KindInsufficientResource, "creating handover directory", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errs.Wrap(errs.KindInsufficientResource, "writing handover document", err)
	}
	phase.Handover = path
	return nil
}

// GetPhaseHandover returns the handover document contents for phaseIndex
// (spec §4.1, get_phase_handover).
func (e *Engine) GetPhaseHandover(taskID string, phaseIndex int) (string, error) {
	t, err := e.store.Read(taskID)
	if err != nil {
		return "", err
	}
	phase := t.PhaseByIndex(phaseIndex)
	if phase == nil {
		return "", errs.New(errs.KindNotFound, "phase not found")
	}
	if phase.Handover == "" {
		return "", errs.New(errs.KindNotFound, "handover not yet written for this phase")
	}
	data, err := os.ReadFile(phase.Handover)
	if err != nil {
		return "", fmt.Errorf("reading handover document: %w", err)
	}
	return string(data), nil
}

// AdvanceToNextPhase requires the current phase APPROVED; marks it
// terminal-APPROVED (handover already written at approval time), promotes
// the next phase PENDING -> ACTIVE, or completes the task if there is none
// (spec §4.1, advance_to_next_phase).
func (e *Engine) AdvanceToNextPhase(taskID string) error {
	return e.store.Mutate(taskID, func(t *task.Task) error {
		phase := t.CurrentPhasePtr()
		if phase == nil {
			return errs.New(errs.KindNotFound, "task has no current phase")
		}
		if phase.Status != task.PhaseApproved {
			return errs.Wrap(errs.KindPhaseStateInvalid,
				fmt.Sprintf("advance_to_next_phase requires APPROVED, phase is %s", phase.Status), nil)
		}
		if err := e.writeHandover(t, phase); err != nil {
			return err
		}
		next := t.CurrentPhase + 1
		if next >= len(t.Phases) {
			t.Status = task.StatusCompleted
			return nil
		}
		t.Phases[next].Status = task.PhaseActive
		now := time.Now()
		t.Phases[next].StartedAt = &now
		t.CurrentPhase = next
		return nil
	})
}
