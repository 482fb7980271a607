package toolsurface

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/eventlog"
	"github.com/conclave-run/conclave/internal/health"
	"github.com/conclave-run/conclave/internal/phase"
	"github.com/conclave-run/conclave/internal/registry"
	"github.com/conclave-run/conclave/internal/supervisor"
	"github.com/conclave-run/conclave/internal/task"
)

// Surface is ToolSurface: the single entry point every externally-invoked
// operation goes through. It never mutates state itself — every method
// delegates to PhaseEngine, WorkerSupervisor, or HealthDaemon and wraps the
// result in an Envelope.
type Surface struct {
	phase  *phase.Engine
	sup    *supervisor.Supervisor
	health *health.Daemon
	store  *registry.Store
}

// New returns a Surface wired to the given components.
func New(p *phase.Engine, s *supervisor.Supervisor, h *health.Daemon, store *registry.Store) *Surface {
	return &Surface{phase: p, sup: s, health: h, store: store}
}

// CreateTask (spec §4.1, create_task).
func (s *Surface) CreateTask(req task.CreateRequest) *Envelope {
	t, err := s.phase.CreateTask(req)
	if err != nil {
		return failFromErr(err, Guidance{
			CurrentState:     StateErrorValidation,
			NextAction:       "Fix the reported validation error and retry create_task.",
			AvailableActions: []string{"create_task - retry with corrected input"},
		})
	}
	return ok(map[string]any{"task_id": t.ID, "task": t}, Guidance{
		CurrentState:     StateTaskInitialized,
		NextAction:       "Spawn a worker into the first phase to begin work.",
		AvailableActions: []string{actionDesc("spawn_worker"), actionDesc("get_phase_status")},
	})
}

// GetPhaseStatus (spec §4.1, get_phase_status).
func (s *Surface) GetPhaseStatus(taskID string) *Envelope {
	view, err := s.phase.GetPhaseStatus(taskID)
	if err != nil {
		return envelopeForReadErr(err)
	}
	t, err := s.store.Read(taskID)
	if err != nil {
		return envelopeForReadErr(err)
	}
	g := guidanceForPhase(t, view.Phase, len(view.WorkersInPhase) > 0)
	return ok(map[string]any{
		"phase":            view.Phase,
		"workers_in_phase": view.WorkersInPhase,
		"active_review":    view.ActiveReview,
		"ready_for_review": view.ReadyForReview,
	}, g)
}

// CheckPhaseProgress (spec §4.1, check_phase_progress).
func (s *Surface) CheckPhaseProgress(taskID string) *Envelope {
	ready, err := s.phase.CheckPhaseProgress(taskID)
	if err != nil {
		return envelopeForReadErr(err)
	}
	t, err := s.store.Read(taskID)
	if err != nil {
		return envelopeForReadErr(err)
	}
	return ok(map[string]any{"ready_for_review": ready}, guidanceForPhase(t, t.CurrentPhasePtr(), true))
}

// SubmitPhaseForReview (spec §4.1, submit_phase_for_review).
func (s *Surface) SubmitPhaseForReview(taskID string) *Envelope {
	if err := s.phase.SubmitPhaseForReview(taskID); err != nil {
		return failFromErr(err, Guidance{
			CurrentState:     StateErrorPhaseNotApproved,
			NextAction:       "submit_phase_for_review requires the phase to be ACTIVE or REVISING.",
			AvailableActions: []string{actionDesc("get_phase_status")},
		})
	}
	return s.GetPhaseStatus(taskID)
}

// TriggerAgenticReview (spec §4.1, trigger_agentic_review).
func (s *Surface) TriggerAgenticReview(taskID string) *Envelope {
	r, err := s.phase.TriggerAgenticReview(taskID)
	if err != nil {
		return failFromErr(err, Guidance{
			CurrentState:     StateErrorPhaseNotApproved,
			NextAction:       "trigger_agentic_review requires the phase to be AWAITING_REVIEW.",
			AvailableActions: []string{actionDesc("get_phase_status")},
		})
	}
	t, err := s.store.Read(taskID)
	if err != nil {
		return envelopeForReadErr(err)
	}
	return ok(map[string]any{"review": r}, guidanceForPhase(t, t.CurrentPhasePtr(), true))
}

// SubmitReviewVerdict (spec §4.1, submit_review_verdict).
func (s *Surface) SubmitReviewVerdict(taskID, reviewID, reviewerID string, verdict task.Verdict, severityCounts map[task.Severity]int) *Envelope {
	if err := s.phase.SubmitReviewVerdict(taskID, reviewID, reviewerID, verdict, severityCounts); err != nil {
		return failFromErr(err, Guidance{
			CurrentState:     StatePhaseUnderReview,
			NextAction:       "The verdict could not be recorded; check review status.",
			AvailableActions: []string{actionDesc("get_review_status")},
		})
	}
	t, err := s.store.Read(taskID)
	if err != nil {
		return envelopeForReadErr(err)
	}
	return ok(map[string]any{}, guidanceForPhase(t, t.CurrentPhasePtr(), true))
}

// GetReviewStatus (spec §4.1, get_review_status).
func (s *Surface) GetReviewStatus(taskID, reviewID string) *Envelope {
	r, err := s.phase.GetReviewStatus(taskID, reviewID)
	if err != nil {
		return envelopeForReadErr(err)
	}
	t, err := s.store.Read(taskID)
	if err != nil {
		return envelopeForReadErr(err)
	}
	return ok(map[string]any{"review": r}, guidanceForPhase(t, t.CurrentPhasePtr(), true))
}

// AbortStalledReview (spec §4.1, abort_stalled_review).
func (s *Surface) AbortStalledReview(taskID, reviewID string) *Envelope {
	if err := s.phase.AbortStalledReview(taskID, reviewID); err != nil {
		return envelopeForReadErr(err)
	}
	return s.GetPhaseStatus(taskID)
}

// ApprovePhaseReview (spec §4.1.4, approve_phase_review). Normally blocked.
func (s *Surface) ApprovePhaseReview(taskID, reviewID string, forceEscalated bool) *Envelope {
	if err := s.phase.ApprovePhaseReview(taskID, reviewID, forceEscalated); err != nil {
		reason := "Manual approval is blocked unless the review is escalated and force_escalated=true."
		return failFromErr(err, Guidance{
			CurrentState:     StatePhaseEscalated,
			NextAction:       reason,
			AvailableActions: []string{actionDesc("abort_stalled_review"), actionDesc("trigger_agentic_review")},
		})
	}
	return s.GetPhaseStatus(taskID)
}

// RejectPhaseReview (spec §4.1.4, reject_phase_review). Always blocked.
func (s *Surface) RejectPhaseReview() *Envelope {
	err := s.phase.RejectPhaseReview()
	return failFromErr(err, Guidance{
		CurrentState:     StatePhaseUnderReview,
		NextAction:       "reject_phase_review is always blocked; rejection only happens via reviewer verdicts.",
		AvailableActions: []string{actionDesc("abort_stalled_review"), actionDesc("trigger_agentic_review")},
	})
}

// AdvanceToNextPhase (spec §4.1, advance_to_next_phase).
func (s *Surface) AdvanceToNextPhase(taskID string) *Envelope {
	if err := s.phase.AdvanceToNextPhase(taskID); err != nil {
		return failFromErr(err, Guidance{
			CurrentState:     StateErrorPhaseNotApproved,
			NextAction:       "advance_to_next_phase requires the current phase to be APPROVED.",
			AvailableActions: []string{actionDesc("get_phase_status")},
		})
	}
	t, err := s.store.Read(taskID)
	if err != nil {
		return envelopeForReadErr(err)
	}
	if t.Status == task.StatusCompleted {
		return ok(map[string]any{"task": t}, Guidance{
			CurrentState:     StateTaskCompleted,
			NextAction:       "Task is complete; no further action is needed.",
			AvailableActions: []string{actionDesc("list_tasks")},
		})
	}
	return ok(map[string]any{"task": t}, guidanceForPhase(t, t.CurrentPhasePtr(), false))
}

// GetPhaseHandover (spec §4.1, get_phase_handover).
func (s *Surface) GetPhaseHandover(taskID string, phaseIndex int) *Envelope {
	doc, err := s.phase.GetPhaseHandover(taskID, phaseIndex)
	if err != nil {
		return envelopeForReadErr(err)
	}
	return ok(map[string]any{"handover": doc}, Guidance{
		CurrentState:     StatePhaseApprovedReadyToAdvance,
		NextAction:       "Review the handover document before starting the next phase's work.",
		AvailableActions: []string{actionDesc("get_phase_status")},
	})
}

// SpawnWorker (spec §4.2, spawn_worker).
func (s *Surface) SpawnWorker(ctx context.Context, req supervisor.SpawnWorkerRequest) *Envelope {
	w, err := s.sup.SpawnWorker(ctx, req)
	if err != nil {
		return failFromErr(err, Guidance{
			CurrentState:     StateErrorValidation,
			NextAction:       "spawn_worker was rejected; check capacity limits and phase state.",
			AvailableActions: []string{actionDesc("get_phase_status")},
		})
	}
	return ok(map[string]any{"worker": w}, Guidance{
		CurrentState:     StateAgentDeployed,
		NextAction:       "Poll get_worker_output or wait for update_progress calls from the worker.",
		AvailableActions: []string{actionDesc("get_worker_output"), actionDesc("kill_worker"), actionDesc("check_phase_progress")},
	})
}

// SpawnChild (spec §4.2, spawn_child).
func (s *Surface) SpawnChild(ctx context.Context, taskID, parentWorkerID, workerType, prompt string) *Envelope {
	w, err := s.sup.SpawnChild(ctx, taskID, parentWorkerID, workerType, prompt)
	if err != nil {
		return failFromErr(err, Guidance{
			CurrentState:     StateErrorValidation,
			NextAction:       "spawn_child was rejected; check max_depth and phase state.",
			AvailableActions: []string{actionDesc("get_phase_status")},
		})
	}
	return ok(map[string]any{"worker": w}, Guidance{
		CurrentState:     StateAgentDeployed,
		NextAction:       "Poll get_worker_output or wait for update_progress calls from the worker.",
		AvailableActions: []string{actionDesc("get_worker_output"), actionDesc("kill_worker")},
	})
}

// GetWorkerOutput (spec §4.2, get_worker_output).
func (s *Surface) GetWorkerOutput(ctx context.Context, req supervisor.GetWorkerOutputRequest) *Envelope {
	res, err := s.sup.GetWorkerOutput(ctx, req)
	if err != nil {
		return envelopeForReadErr(err)
	}
	return ok(map[string]any{"output": res}, Guidance{
		CurrentState:     StatePhaseActiveAgentsWorking,
		NextAction:       "Continue polling, or call update_progress once the worker reports a terminal status.",
		AvailableActions: []string{actionDesc("get_worker_output"), actionDesc("kill_worker")},
	})
}

// KillWorker (spec §4.2, kill_worker).
func (s *Surface) KillWorker(ctx context.Context, taskID, workerID string) *Envelope {
	if err := s.sup.KillWorker(ctx, taskID, workerID); err != nil {
		return envelopeForReadErr(err)
	}
	return ok(map[string]any{}, Guidance{
		CurrentState:     StateAgentTerminated,
		NextAction:       "Check check_phase_progress; if every worker in the phase is now terminal, the phase auto-submits for review.",
		AvailableActions: []string{actionDesc("check_phase_progress"), actionDesc("spawn_worker")},
	})
}

// UpdateProgress (spec §4.2, update_progress). Returns the bounded minimal
// coordination response (spec §6.2.3), not the full Envelope payload shape.
func (s *Surface) UpdateProgress(ctx context.Context, req supervisor.UpdateProgressRequest) *Envelope {
	resp, err := s.sup.UpdateProgress(ctx, req)
	if err != nil {
		return envelopeForReadErr(err)
	}
	t, err := s.store.Read(req.TaskID)
	if err != nil {
		return envelopeForReadErr(err)
	}
	state := StateAgentProgressUpdated
	next := "Continue working and reporting progress."
	actions := []string{actionDesc("update_progress"), actionDesc("report_finding")}
	if task.IsTerminal(req.Status) {
		next = "This worker is now terminal. Check check_phase_progress to see whether the phase should be submitted for review."
		actions = []string{actionDesc("check_phase_progress")}
	}
	return ok(map[string]any{
		"own_update": map[string]any{
			"worker_status": resp.WorkerStatus,
			"message":       req.Message,
			"progress":      req.Progress,
		},
		"agent_counts":    t.Counters,
		"recent_findings": recentFindings(t, 3),
	}, Guidance{CurrentState: state, NextAction: next, AvailableActions: actions})
}

// ReportFinding (spec §4.2, report_finding). Also bounded to the minimal
// coordination response shape.
func (s *Surface) ReportFinding(ctx context.Context, req supervisor.ReportFindingRequest) *Envelope {
	if _, err := s.sup.ReportFinding(ctx, req); err != nil {
		return envelopeForReadErr(err)
	}
	t, err := s.store.Read(req.TaskID)
	if err != nil {
		return envelopeForReadErr(err)
	}
	return ok(map[string]any{
		"own_finding": map[string]any{
			"finding_type": req.FindingType,
			"severity":     req.Severity,
			"message":      req.Message,
		},
		"agent_counts":    t.Counters,
		"recent_findings": recentFindings(t, 3),
	}, Guidance{
		CurrentState:     StateAgentProgressUpdated,
		NextAction:       "Continue working; findings are visible to reviewers once this phase reaches review.",
		AvailableActions: []string{actionDesc("update_progress"), actionDesc("report_finding")},
	})
}

// ListTasks is the added list_tasks operation (spec.md's §4.4 global index
// exists but names no tool that reads it; supplied here, see SPEC_FULL.md).
func (s *Surface) ListTasks() *Envelope {
	entries, err := s.store.ListIndex()
	if err != nil {
		return envelopeForReadErr(err)
	}
	return ok(map[string]any{"tasks": entries}, Guidance{
		CurrentState:     StateTaskActiveNoAgents,
		NextAction:       "Pick a task_id and call get_phase_status to see what it needs next.",
		AvailableActions: []string{actionDesc("get_phase_status"), actionDesc("create_task")},
	})
}

// TriggerHealthScan is the added trigger_health_scan operation (spec.md
// names it in passing; formalized as a first-class ToolSurface entry in
// SPEC_FULL.md).
func (s *Surface) TriggerHealthScan(ctx context.Context) *Envelope {
	report, err := s.health.TriggerScan(ctx)
	if err != nil {
		return envelopeForReadErr(err)
	}
	var warnings []string
	if len(report.OrphanSessions) > 0 {
		warnings = append(warnings, "orphan mux sessions detected; operator review required")
	}
	return ok(map[string]any{"report": report}, Guidance{
		CurrentState:     StateTaskActiveNoAgents,
		NextAction:       "Review the scan report; orphan sessions are reported only, never killed automatically.",
		AvailableActions: []string{actionDesc("list_tasks")},
		Warnings:         warnings,
	})
}

func failFromErr(err error, g Guidance) *Envelope {
	kind, ok := errs.KindOf(err)
	if !ok {
		kind = errs.Kind("InternalError")
	}
	if kind == errs.KindRegistryLockConflict {
		g.CurrentState = StateRegistryLockConflict
		g.NextAction = "The registry was busy; retry shortly."
		g.AvailableActions = []string{"retry the same operation after a brief delay"}
	}
	return fail(string(kind), err.Error(), g)
}

// envelopeForReadErr handles the common case of a read-only operation
// failing — usually NotFound or a lock conflict, never a state-machine
// rejection, so the guidance is generic.
func envelopeForReadErr(err error) *Envelope {
	return failFromErr(err, Guidance{
		CurrentState:     StateErrorValidation,
		NextAction:       "Check that task_id/worker_id/review_id are correct and retry.",
		AvailableActions: []string{actionDesc("list_tasks")},
	})
}

// guidanceForPhase derives the Guidance for a task's current phase (spec
// §6.2.2's phase-state tags).
func guidanceForPhase(t *task.Task, p *task.Phase, hasWorkers bool) Guidance {
	if t.Status == task.StatusCompleted {
		return Guidance{
			CurrentState:     StateTaskCompleted,
			NextAction:       "Task is complete; no further action is needed.",
			AvailableActions: []string{actionDesc("list_tasks")},
		}
	}
	if p == nil {
		return Guidance{
			CurrentState:     StateTaskActiveNoAgents,
			NextAction:       "This task has no current phase.",
			AvailableActions: []string{actionDesc("list_tasks")},
		}
	}
	switch p.Status {
	case task.PhaseActive:
		if !hasWorkers {
			return Guidance{
				CurrentState:     StateTaskActiveNoAgents,
				NextAction:       "Spawn a worker to begin this phase's work.",
				AvailableActions: []string{actionDesc("spawn_worker"), actionDesc("get_phase_status")},
			}
		}
		return Guidance{
			CurrentState:     StatePhaseActiveAgentsWorking,
			NextAction:       "Monitor worker progress; submit for review once all workers are terminal.",
			AvailableActions: []string{actionDesc("get_worker_output"), actionDesc("check_phase_progress"), actionDesc("submit_phase_for_review")},
		}
	case task.PhaseAwaitingReview:
		return Guidance{
			CurrentState:     StatePhaseAwaitingReview,
			NextAction:       "Trigger the reviewer pool to begin formal review.",
			AvailableActions: []string{actionDesc("trigger_agentic_review")},
		}
	case task.PhaseUnderReview:
		return Guidance{
			CurrentState:     StatePhaseUnderReview,
			NextAction:       "Await reviewer verdicts.",
			AvailableActions: []string{actionDesc("get_review_status")},
		}
	case task.PhaseApproved:
		return Guidance{
			CurrentState:     StatePhaseApprovedReadyToAdvance,
			NextAction:       "Advance to the next phase.",
			AvailableActions: []string{actionDesc("advance_to_next_phase"), actionDesc("get_phase_handover")},
		}
	case task.PhaseRejected:
		return Guidance{
			CurrentState:     StatePhaseRejected,
			NextAction:       "Spawn a new worker to address reviewer feedback; this reactivates the phase.",
			AvailableActions: []string{actionDesc("spawn_worker")},
		}
	case task.PhaseRevising:
		return Guidance{
			CurrentState:     StatePhaseRevising,
			NextAction:       "Continue revision work, then resubmit for review.",
			AvailableActions: []string{actionDesc("update_progress"), actionDesc("submit_phase_for_review")},
		}
	case task.PhaseEscalated:
		return Guidance{
			CurrentState:     StatePhaseEscalated,
			NextAction:       "All reviewers died without voting; abort and retry the review, or force-approve.",
			AvailableActions: []string{actionDesc("abort_stalled_review"), actionDesc("approve_phase_review")},
		}
	default:
		return Guidance{
			CurrentState:     StateTaskActiveNoAgents,
			NextAction:       "Call get_phase_status to see what this phase needs.",
			AvailableActions: []string{actionDesc("get_phase_status")},
		}
	}
}

var actionDescriptions = map[string]string{
	"create_task":             "create a new task with its phase plan",
	"get_phase_status":        "read the current phase's status and workers",
	"check_phase_progress":    "check whether every worker in the phase is terminal",
	"submit_phase_for_review": "manually submit the current phase for review",
	"trigger_agentic_review":  "spawn the reviewer pool and begin formal review",
	"submit_review_verdict":   "record one reviewer's verdict",
	"get_review_status":       "read a review's status and verdicts",
	"abort_stalled_review":    "abort an in-progress or escalated review",
	"approve_phase_review":    "force-approve an escalated review",
	"advance_to_next_phase":   "promote the next phase to ACTIVE",
	"get_phase_handover":      "read a completed phase's handover document",
	"spawn_worker":            "start a new worker process for the current phase",
	"get_worker_output":       "read a worker's output stream",
	"kill_worker":             "terminate a worker's session",
	"spawn_child":             "start a worker as a child of an existing worker",
	"update_progress":         "report a worker's status and progress",
	"report_finding":          "report a worker's finding",
	"list_tasks":              "list every known task",
}

func actionDesc(tool string) string {
	if d, ok := actionDescriptions[tool]; ok {
		return tool + " - " + d
	}
	return tool
}

// recentFindings returns up to limit findings across every worker in t,
// most recent first (spec §6.2.3's minimal coordination response).
func recentFindings(t *task.Task, limit int) []map[string]any {
	type stamped struct {
		at float64
		m  map[string]any
	}
	var all []stamped
	for _, w := range t.Workers {
		if w.Files.FindingsFile == "" {
			continue
		}
		lines, err := eventlog.ReadTail(w.Files.FindingsFile, limit)
		if err != nil {
			continue
		}
		for _, raw := range lines {
			var m map[string]any
			if json.Unmarshal(raw, &m) != nil {
				continue
			}
			at := 0.0
			if ts, ok := m["timestamp"].(string); ok {
				if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
					at = float64(parsed.UnixNano())
				}
			}
			all = append(all, stamped{at: at, m: m})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at > all[j].at })
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]map[string]any, len(all))
	for i, s := range all {
		out[i] = s.m
	}
	return out
}
