// Package toolsurface implements ToolSurface (spec §4.7): it maps every
// externally-invocable operation of PhaseEngine, WorkerSupervisor, EventLog,
// and HealthDaemon onto a typed Go method returning the
// `{success, ..., error, guidance}` response envelope (spec §6.2).
//
// Naming/routing conventions grounded on tarsy/pkg/mcp/router.go
// (NormalizeToolName/SplitToolName); response-shape conventions grounded on
// tarsy/pkg/mcp/executor.go's error-as-payload-not-as-Go-error convention,
// adapted here to the envelope's success=false + guidance.blocked_reason
// shape since every operation already has a typed Go error return.
package toolsurface

import "encoding/json"

// StateTag is one of the machine-readable state tags a caller polls on
// (spec §6.2.2). The vocabulary below is the minimum the spec requires;
// ToolSurface never invents a tag outside this set.
type StateTag string

const (
	StateTaskInitialized             StateTag = "task_initialized"
	StateTaskActiveNoAgents          StateTag = "task_active_no_agents"
	StatePhaseActiveAgentsWorking    StateTag = "phase_active_agents_working"
	StatePhaseCompleteAwaitingReview StateTag = "phase_complete_awaiting_review"
	StatePhaseAwaitingReview         StateTag = "phase_awaiting_review"
	StatePhaseUnderReview            StateTag = "phase_under_review"
	StatePhaseApprovedReadyToAdvance StateTag = "phase_approved_ready_to_advance"
	StatePhaseRejected               StateTag = "phase_rejected"
	StatePhaseRevising               StateTag = "phase_revising"
	StatePhaseEscalated              StateTag = "phase_escalated"
	StateTaskCompleted               StateTag = "task_completed"
	StateAgentDeployed               StateTag = "agent_deployed"
	StateAgentTerminated             StateTag = "agent_terminated"
	StateAgentProgressUpdated        StateTag = "agent_progress_updated"
	StateErrorValidation             StateTag = "error_validation"
	StateErrorPhaseNotApproved       StateTag = "error_phase_not_approved"
	StateRegistryLockConflict        StateTag = "registry_lock_conflict"
)

// Guidance is attached to every envelope (spec §6.2.1). Every tool must
// populate CurrentState, NextAction, and AvailableActions; the rest are
// optional.
type Guidance struct {
	CurrentState     StateTag       `json:"current_state"`
	NextAction       string         `json:"next_action"`
	AvailableActions []string       `json:"available_actions"`
	Warnings         []string       `json:"warnings,omitempty"`
	BlockedReason    *string        `json:"blocked_reason,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
}

// Envelope is the `{success, <payload>, error, guidance}` response every
// tool call returns. Payload fields are flattened alongside success/error/
// guidance at marshal time rather than nested, matching the exact wire
// shape spec §6.2 specifies — no teacher analogue flattens a dynamic
// payload this way, since tarsy's ToolResult is a fixed struct; this is a
// direct-from-spec construction.
type Envelope struct {
	Success  bool
	Payload  map[string]any
	Error    *string
	Guidance Guidance
}

// MarshalJSON flattens Payload next to success/error/guidance.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["success"] = e.Success
	out["error"] = e.Error
	out["guidance"] = e.Guidance
	return json.Marshal(out)
}

// ok builds a successful envelope.
func ok(payload map[string]any, g Guidance) *Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Envelope{Success: true, Payload: payload, Guidance: g}
}

// fail builds a failed envelope. code is the stable errs.Kind string, used
// both as the top-level "error" field and copied into guidance so a caller
// reading only guidance still sees why it failed.
func fail(code, reason string, g Guidance) *Envelope {
	g.BlockedReason = &reason
	c := code
	return &Envelope{Success: false, Payload: map[string]any{}, Error: &c, Guidance: g}
}
