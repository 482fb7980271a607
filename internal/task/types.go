// Package task defines the core entities of the orchestration daemon's
// data model: Task, Phase, Worker and Review, along with their status
// enums and invariant-preserving mutators.
package task

import "time"

// Priority is the client-reported urgency of a task.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
	PriorityP4 Priority = "P4"
)

// ValidPriority reports whether p is one of P0..P4.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityP0, PriorityP1, PriorityP2, PriorityP3, PriorityP4:
		return true
	}
	return false
}

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusInitialized Status = "INITIALIZED"
	StatusActive      Status = "ACTIVE"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
)

// PhaseStatus is one of the 8 states of the phase state machine (spec §4.1.1).
type PhaseStatus string

const (
	PhasePending        PhaseStatus = "PENDING"
	PhaseActive         PhaseStatus = "ACTIVE"
	PhaseAwaitingReview PhaseStatus = "AWAITING_REVIEW"
	PhaseUnderReview    PhaseStatus = "UNDER_REVIEW"
	PhaseApproved       PhaseStatus = "APPROVED"
	PhaseRejected       PhaseStatus = "REJECTED"
	PhaseRevising       PhaseStatus = "REVISING"
	PhaseEscalated      PhaseStatus = "ESCALATED"
)

// NonTerminalPhaseStatuses are the statuses a task's "current" phase may
// hold while the task itself is not COMPLETED/FAILED (invariant 3).
var NonTerminalPhaseStatuses = map[PhaseStatus]bool{
	PhaseActive:         true,
	PhaseAwaitingReview: true,
	PhaseUnderReview:    true,
	PhaseRevising:       true,
	PhaseRejected:       true,
	PhaseEscalated:      true,
}

// WorkerStatus is the lifecycle state of a Worker.
type WorkerStatus string

const (
	WorkerRunning    WorkerStatus = "running"
	WorkerWorking    WorkerStatus = "working"
	WorkerBlocked    WorkerStatus = "blocked"
	WorkerCompleted  WorkerStatus = "completed"
	WorkerFailed     WorkerStatus = "failed"
	WorkerError      WorkerStatus = "error"
	WorkerTerminated WorkerStatus = "terminated"
)

// TerminalWorkerStatuses are the statuses from which a worker never mutates again.
var TerminalWorkerStatuses = map[WorkerStatus]bool{
	WorkerCompleted:  true,
	WorkerFailed:     true,
	WorkerError:      true,
	WorkerTerminated: true,
}

// NonTerminalWorkerStatuses is WorkerStatus \ TerminalWorkerStatuses,
// i.e. the set counted toward active_count (invariant 1).
var NonTerminalWorkerStatuses = map[WorkerStatus]bool{
	WorkerRunning: true,
	WorkerWorking: true,
	WorkerBlocked: true,
}

// IsTerminal reports whether s is a terminal worker status.
func IsTerminal(s WorkerStatus) bool { return TerminalWorkerStatuses[s] }

// ReviewStatus is the lifecycle state of a Review.
type ReviewStatus string

const (
	ReviewPending    ReviewStatus = "pending"
	ReviewInProgress ReviewStatus = "in_progress"
	ReviewCompleted  ReviewStatus = "completed"
	ReviewAborted    ReviewStatus = "aborted"
	ReviewEscalated  ReviewStatus = "escalated"
)

// Verdict is one reviewer's vote on a phase.
type Verdict string

const (
	VerdictApprove       Verdict = "approve"
	VerdictReject        Verdict = "reject"
	VerdictNeedsRevision Verdict = "needs_revision"
)

// FinalVerdict is the aggregated outcome of a completed/escalated review.
type FinalVerdict string

const (
	FinalApproved      FinalVerdict = "approved"
	FinalRejected      FinalVerdict = "rejected"
	FinalNeedsRevision FinalVerdict = "needs_revision"
)

// Severity is a finding's severity level.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// FindingType categorizes a worker-reported finding.
type FindingType string

const (
	FindingIssue          FindingType = "issue"
	FindingSolution       FindingType = "solution"
	FindingInsight        FindingType = "insight"
	FindingRecommendation FindingType = "recommendation"
)

// OrchestratorSentinel is the parent id of root workers (depth 1).
const OrchestratorSentinel = "orchestrator"

// Limits bounds worker spawning for a task (spec §6.5 defaults).
type Limits struct {
	MaxAgents      int `json:"max_agents"`
	MaxDepth       int `json:"max_depth"`
	MaxConcurrent  int `json:"max_concurrent"`
}

// DefaultLimits returns the spec-mandated defaults.
func DefaultLimits() Limits {
	return Limits{MaxAgents: 45, MaxDepth: 5, MaxConcurrent: 20}
}

// Counters tracks worker counts for a task (always re-derived, never trusted
// blindly on read — see spec §9 Open Question resolution).
type Counters struct {
	TotalSpawned int `json:"total_spawned"`
	Active       int `json:"active"`
	Completed    int `json:"completed"`
}

// FileHandles are the four file descriptors a Worker exclusively owns.
type FileHandles struct {
	PromptFile   string `json:"prompt_file"`
	OutputFile   string `json:"output_file"`
	ProgressFile string `json:"progress_file"`
	FindingsFile string `json:"findings_file"`
	DeployLog    string `json:"deploy_log"`
}

// Worker is an external subprocess carrying out part of a phase.
type Worker struct {
	ID            string       `json:"id"`
	Type          string       `json:"type"`
	MuxSession    string       `json:"mux_session"`
	ParentID      string       `json:"parent_id"`
	Depth         int          `json:"depth"`
	PhaseIndex    int          `json:"phase_index"`
	Status        WorkerStatus `json:"status"`
	StartedAt     time.Time    `json:"started_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	Progress      int          `json:"progress"`
	LastUpdate    time.Time    `json:"last_update"`
	PromptPreview string       `json:"prompt_preview"`
	PID           *int         `json:"pid,omitempty"`
	Files         FileHandles  `json:"files"`
}

// IsReviewer reports whether w is registered against a Review as a reviewer.
// Reviewer-ness is derived from review membership, never from Type (spec §9).
func (t *Task) IsReviewer(workerID string) bool {
	for _, r := range t.Reviews {
		for _, id := range r.ReviewerIDs {
			if id == workerID {
				return true
			}
		}
	}
	return false
}

// Phase is one ordered segment of a task's work.
type Phase struct {
	ID                    string      `json:"id"`
	Order                 int         `json:"order"`
	Name                  string      `json:"name"`
	Description           string      `json:"description,omitempty"`
	Status                PhaseStatus `json:"status"`
	CreatedAt             time.Time   `json:"created_at"`
	StartedAt             *time.Time  `json:"started_at,omitempty"`
	CompletedAt           *time.Time  `json:"completed_at,omitempty"`
	ExpectedDeliverables  []string    `json:"expected_deliverables"`
	SuccessCriteria       []string    `json:"success_criteria"`
	Handover              string      `json:"handover,omitempty"`
}

// ReviewerVerdict is one reviewer's submitted vote.
type ReviewerVerdict struct {
	ReviewerID      string   `json:"reviewer_id"`
	Verdict         Verdict  `json:"verdict"`
	SeverityCounts  map[Severity]int `json:"severity_counts"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// Review is one round of reviewing a phase.
type Review struct {
	ID              string            `json:"id"`
	PhaseIndex      int               `json:"phase_index"`
	Status          ReviewStatus      `json:"status"`
	StartedAt       time.Time         `json:"started_at"`
	ReviewerIDs     []string          `json:"reviewer_ids"`
	Verdicts        []ReviewerVerdict `json:"verdicts"`
	FinalVerdict     *FinalVerdict     `json:"final_verdict,omitempty"`
	EscalationReason string           `json:"escalation_reason,omitempty"`
}

// HasVerdictFrom reports whether reviewerID already submitted a verdict.
func (r *Review) HasVerdictFrom(reviewerID string) bool {
	for _, v := range r.Verdicts {
		if v.ReviewerID == reviewerID {
			return true
		}
	}
	return false
}

// Task is the top-level unit of orchestrated work.
type Task struct {
	ID              string    `json:"id"`
	Description     string    `json:"description"`
	Priority        Priority  `json:"priority"`
	ClientWorkDir   string    `json:"client_work_dir"`
	WorkspacePath   string    `json:"workspace_path"`
	CreatedAt       time.Time `json:"created_at"`
	Status          Status    `json:"status"`
	Phases          []*Phase  `json:"phases"`
	CurrentPhase    int       `json:"current_phase"`
	Workers         []*Worker `json:"workers"`
	Hierarchy       map[string][]string `json:"hierarchy"` // parent_id -> children ids
	Reviews         []*Review `json:"reviews"`
	Counters        Counters  `json:"counters"`
	Limits          Limits    `json:"limits"`
}

// CurrentPhasePtr returns the task's current Phase, or nil if out of range.
func (t *Task) CurrentPhasePtr() *Phase {
	if t.CurrentPhase < 0 || t.CurrentPhase >= len(t.Phases) {
		return nil
	}
	return t.Phases[t.CurrentPhase]
}

// WorkerByID returns the worker with the given id, or nil.
func (t *Task) WorkerByID(id string) *Worker {
	for _, w := range t.Workers {
		if w.ID == id {
			return w
		}
	}
	return nil
}

// ReviewByID returns the review with the given id, or nil.
func (t *Task) ReviewByID(id string) *Review {
	for _, r := range t.Reviews {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// PhaseByIndex returns the phase at idx, or nil if out of range.
func (t *Task) PhaseByIndex(idx int) *Phase {
	if idx < 0 || idx >= len(t.Phases) {
		return nil
	}
	return t.Phases[idx]
}

// WorkersInPhase returns all workers whose PhaseIndex equals idx.
func (t *Task) WorkersInPhase(idx int) []*Worker {
	var out []*Worker
	for _, w := range t.Workers {
		if w.PhaseIndex == idx {
			out = append(out, w)
		}
	}
	return out
}

// RecomputeCounters derives Counters from the live worker list. This must be
// called after every worker-status mutation — counters are never trusted
// blindly on read (spec §9 Open Question resolution).
func (t *Task) RecomputeCounters() {
	var active, completed int
	for _, w := range t.Workers {
		if NonTerminalWorkerStatuses[w.Status] {
			active++
		} else if IsTerminal(w.Status) {
			completed++
		}
	}
	t.Counters.Active = active
	t.Counters.Completed = completed
	if t.Counters.TotalSpawned < active+completed {
		t.Counters.TotalSpawned = active + completed
	}
}

// DepthOf returns the depth of workerID (orchestrator sentinel is depth 0).
func (t *Task) DepthOf(workerID string) int {
	if workerID == OrchestratorSentinel {
		return 0
	}
	if w := t.WorkerByID(workerID); w != nil {
		return w.Depth
	}
	return 0
}
