package supervisor

import (
	"context"
	"regexp"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/eventlog"
	"github.com/conclave-run/conclave/internal/task"
)

// GetWorkerOutputRequest parameterizes GetWorkerOutput.
type GetWorkerOutputRequest struct {
	TaskID          string
	WorkerID        string
	Tail            int
	Filter          *regexp.Regexp
	Format          eventlog.Format
	IncludeMetadata bool
}

// GetWorkerOutput reads a worker's output stream through EventLog's bounded
// read (spec §4.2, get_worker_output), lazily detecting termination first
// (spec §4.2.3).
func (s *Supervisor) GetWorkerOutput(ctx context.Context, req GetWorkerOutputRequest) (*eventlog.BoundedResult, error) {
	t, err := s.store.Read(req.TaskID)
	if err != nil {
		return nil, err
	}
	w := t.WorkerByID(req.WorkerID)
	if w == nil {
		return nil, errs.New(errs.KindNotFound, "worker not found: "+req.WorkerID)
	}

	if !task.IsTerminal(w.Status) {
		s.detectTermination(ctx, req.TaskID, w)
	}

	return eventlog.ReadBounded(w.Files.OutputFile, eventlog.BoundedOptions{
		Tail:            req.Tail,
		Filter:          req.Filter,
		Format:          req.Format,
		IncludeMetadata: req.IncludeMetadata,
	})
}

// detectTermination applies spec §4.2.3: a worker is terminated once its mux
// session is gone or its PID is no longer live. Detected here lazily (on
// read) in addition to HealthDaemon's periodic sweep.
func (s *Supervisor) detectTermination(ctx context.Context, taskID string, w *task.Worker) {
	alive, err := s.mux.SessionAlive(ctx, w.MuxSession)
	if err != nil || alive {
		return
	}
	_ = s.store.Mutate(taskID, func(t *task.Task) error {
		cur := t.WorkerByID(w.ID)
		if cur == nil || task.IsTerminal(cur.Status) {
			return nil
		}
		cur.Status = task.WorkerTerminated
		now := time.Now()
		cur.CompletedAt = &now
		t.RecomputeCounters()
		return nil
	})
	if s.onTerminal != nil {
		s.onTerminal(taskID, w.ID)
	}
}

// KillWorker marks a worker terminated, kills its mux session, and removes
// it from active counters (spec §4.2, kill_worker).
func (s *Supervisor) KillWorker(ctx context.Context, taskID, workerID string) error {
	var sessionName string
	err := s.store.Mutate(taskID, func(t *task.Task) error {
		w := t.WorkerByID(workerID)
		if w == nil {
			return errs.New(errs.KindNotFound, "worker not found: "+workerID)
		}
		if task.IsTerminal(w.Status) {
			return nil
		}
		sessionName = w.MuxSession
		w.Status = task.WorkerTerminated
		now := time.Now()
		w.CompletedAt = &now
		t.RecomputeCounters()
		return nil
	})
	if err != nil {
		return err
	}
	if sessionName != "" {
		if err := s.mux.KillSession(ctx, sessionName); err != nil {
			return errs.Wrap(errs.KindSubprocessFailure, "killing mux session for "+workerID, err)
		}
	}
	if s.onTerminal != nil {
		s.onTerminal(taskID, workerID)
	}
	return nil
}

// UpdateProgressRequest is the input to UpdateProgress.
type UpdateProgressRequest struct {
	TaskID   string
	WorkerID string
	Status   task.WorkerStatus
	Message  string
	Progress int
}

// MinimalResponse is the minimal coordination response (spec §6.2.3):
// bounded to roughly 2 KiB, intentionally far smaller than a full Envelope.
type MinimalResponse struct {
	Accepted     bool   `json:"accepted"`
	WorkerStatus string `json:"worker_status"`
	NextAction   string `json:"next_action,omitempty"`
}

// UpdateProgress appends to the progress stream, updates the materialized
// worker record under lock, and triggers auto-submission if the reported
// status is terminal (spec §4.2, update_progress).
func (s *Supervisor) UpdateProgress(ctx context.Context, req UpdateProgressRequest) (*MinimalResponse, error) {
	var w *task.Worker
	err := s.store.Mutate(req.TaskID, func(t *task.Task) error {
		cur := t.WorkerByID(req.WorkerID)
		if cur == nil {
			return errs.New(errs.KindNotFound, "worker not found: "+req.WorkerID)
		}
		if task.IsTerminal(cur.Status) {
			return errs.New(errs.KindPhaseStateInvalid, "worker already terminal: "+req.WorkerID)
		}
		cur.Status = req.Status
		cur.Progress = req.Progress
		cur.LastUpdate = time.Now()
		if task.IsTerminal(req.Status) {
			cur.CompletedAt = ptrTime(cur.LastUpdate)
		}
		t.RecomputeCounters()
		w = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := eventlog.Append(w.Files.ProgressFile, map[string]any{
		"type":      "progress",
		"worker_id": req.WorkerID,
		"status":    req.Status,
		"message":   req.Message,
		"progress":  req.Progress,
		"timestamp": time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	resp := &MinimalResponse{Accepted: true, WorkerStatus: string(req.Status)}
	if task.IsTerminal(req.Status) {
		if s.onTerminal != nil {
			s.onTerminal(req.TaskID, req.WorkerID)
		}
		resp.NextAction = "awaiting_phase_submission_check"
	}
	return resp, nil
}

// ReportFindingRequest is the input to ReportFinding.
type ReportFindingRequest struct {
	TaskID      string
	WorkerID    string
	FindingType task.FindingType
	Severity    task.Severity
	Message     string
	Data        map[string]any
}

// ReportFinding appends to the findings stream and returns a minimal
// coordination response (spec §4.2, report_finding).
func (s *Supervisor) ReportFinding(ctx context.Context, req ReportFindingRequest) (*MinimalResponse, error) {
	t, err := s.store.Read(req.TaskID)
	if err != nil {
		return nil, err
	}
	w := t.WorkerByID(req.WorkerID)
	if w == nil {
		return nil, errs.New(errs.KindNotFound, "worker not found: "+req.WorkerID)
	}

	if err := eventlog.Append(w.Files.FindingsFile, map[string]any{
		"type":         "finding",
		"worker_id":    req.WorkerID,
		"finding_type": req.FindingType,
		"severity":     req.Severity,
		"message":      req.Message,
		"data":         req.Data,
		"timestamp":    time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	return &MinimalResponse{Accepted: true, WorkerStatus: string(w.Status)}, nil
}

func ptrTime(t time.Time) *time.Time { return &t }
