// Package supervisor implements WorkerSupervisor (spec §4.2): the spawn
// protocol, worker output reads, termination, and the worker-facing
// coordination operations (update_progress, report_finding).
//
// Grounded on tarsy/pkg/queue/worker.go's claim-execute-record shape,
// generalized from a DB-transaction claim to the registry's locked
// read-modify-write primitive, and from an in-process executor to an
// external mux-backed subprocess.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/conclave-run/conclave/internal/config"
	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/eventlog"
	"github.com/conclave-run/conclave/internal/log"
	"github.com/conclave-run/conclave/internal/mux"
	"github.com/conclave-run/conclave/internal/registry"
	"github.com/conclave-run/conclave/internal/task"
)

// Supervisor is the WorkerSupervisor.
type Supervisor struct {
	store *registry.Store
	mux   mux.Capability
	cfg   *config.Config

	onTerminal func(taskID, workerID string) // phase auto-submission hook
}

// New returns a Supervisor backed by store for registry mutations, m for
// mux-session control, and cfg for agent-binary/limit defaults.
func New(store *registry.Store, m mux.Capability, cfg *config.Config) *Supervisor {
	return &Supervisor{store: store, mux: m, cfg: cfg}
}

// OnTerminal registers a callback invoked whenever a worker transitions into
// a terminal status, so PhaseEngine can run its auto-submission check
// (spec §4.1.2) without WorkerSupervisor importing the phase package.
func (s *Supervisor) OnTerminal(fn func(taskID, workerID string)) {
	s.onTerminal = fn
}

// SpawnWorkerRequest is the input to SpawnWorker / SpawnChild.
type SpawnWorkerRequest struct {
	TaskID     string
	Type       string
	Prompt     string
	ParentID   string // defaults to task.OrchestratorSentinel
	PhaseIndex int
}

// SpawnWorker executes the 12-step spawn protocol (spec §4.2.1) and returns
// the newly registered Worker record.
func (s *Supervisor) SpawnWorker(ctx context.Context, req SpawnWorkerRequest) (*task.Worker, error) {
	if req.ParentID == "" {
		req.ParentID = task.OrchestratorSentinel
	}

	var worker *task.Worker
	var createdPaths []string
	var startedSession string

	mutateErr := s.store.Mutate(req.TaskID, func(t *task.Task) error {
		// Step 2: pre-flight checks against the authoritative registry.
		if t.Counters.TotalSpawned >= t.Limits.MaxAgents {
			return errs.New(errs.KindCapacityExceeded, "max_agents reached")
		}
		if t.Counters.Active >= t.Limits.MaxConcurrent {
			return errs.New(errs.KindCapacityExceeded, "max_concurrent reached")
		}
		parentDepth := t.DepthOf(req.ParentID)
		if parentDepth+1 > t.Limits.MaxDepth {
			return errs.New(errs.KindCapacityExceeded, "max_depth exceeded")
		}
		phase := t.PhaseByIndex(req.PhaseIndex)
		if phase == nil {
			return errs.New(errs.KindNotFound, "phase not found")
		}
		if !phaseAcceptsWorkers(phase.Status, req.Type) {
			return errs.New(errs.KindPhaseStateInvalid, fmt.Sprintf("phase %s does not accept new workers of type %s", phase.Status, req.Type))
		}
		// A REJECTED phase only accepts workers as its way out: spawning into
		// it transitions REJECTED -> REVISING -> ACTIVE once the spawn below
		// actually succeeds (spec's resolution of the REJECTED re-entry
		// open question).
		wasRejected := phase.Status == task.PhaseRejected
		if wasRejected {
			phase.Status = task.PhaseRevising
		}

		// Step 3: generate identity, retrying on id collision against the
		// live worker list (spec's mandatory collision-check invariant).
		now := time.Now()
		workerID, err := generateUniqueWorkerID(t, req.Type, now)
		if err != nil {
			return err
		}
		sessionName := task.MuxSessionName(workerID)

		// Step 4: disk/write-access preflight.
		dir := s.store.TaskDir(req.TaskID)
		if err := checkDiskSpace(dir, s.cfg.MinFreeDiskBytes); err != nil {
			return err
		}

		// Step 5: create empty JSONL streams.
		files := task.FileHandles{
			PromptFile:   filepath.Join(dir, "prompts", workerID+".txt"),
			OutputFile:   filepath.Join(dir, "logs", workerID+".jsonl"),
			ProgressFile: filepath.Join(dir, "progress", workerID+".jsonl"),
			FindingsFile: filepath.Join(dir, "findings", workerID+".jsonl"),
		}
		for _, p := range []string{files.OutputFile, files.ProgressFile, files.FindingsFile} {
			if err := eventlog.Create(p); err != nil {
				return errs.Wrap(errs.KindInsufficientResource, "creating worker stream", err)
			}
			createdPaths = append(createdPaths, p)
		}

		// Step 6: write prompt file.
		if err := os.WriteFile(files.PromptFile, []byte(req.Prompt), 0o644); err != nil {
			return errs.Wrap(errs.KindInsufficientResource, "writing prompt file", err)
		}
		createdPaths = append(createdPaths, files.PromptFile)

		// Step 7/8: assemble command and start the mux session. The agent
		// binary's stdout is teed through SmartTee by the supervisor's own
		// reader loop rather than shell redirection, so truncation applies
		// uniformly regardless of mux implementation.
		command := buildAgentCommand(s.cfg, req.Prompt, files.OutputFile)
		if err := s.mux.StartSession(ctx, sessionName, dir, command); err != nil {
			return err
		}
		startedSession = sessionName

		// Step 9: register worker.
		w := &task.Worker{
			ID:            workerID,
			Type:          req.Type,
			MuxSession:    sessionName,
			ParentID:      req.ParentID,
			Depth:         parentDepth + 1,
			PhaseIndex:    req.PhaseIndex,
			Status:        task.WorkerRunning,
			StartedAt:     now,
			Progress:      0,
			LastUpdate:    now,
			PromptPreview: previewPrompt(req.Prompt),
			Files:         files,
		}
		t.Workers = append(t.Workers, w)
		if t.Hierarchy == nil {
			t.Hierarchy = map[string][]string{}
		}
		t.Hierarchy[req.ParentID] = append(t.Hierarchy[req.ParentID], workerID)

		// Step 10: counters.
		t.Counters.TotalSpawned++
		t.RecomputeCounters()
		if wasRejected {
			phase.Status = task.PhaseActive
		}

		worker = w
		return nil
	})

	if mutateErr != nil {
		// Rollback: remove any files/sessions created before the failure.
		for _, p := range createdPaths {
			_ = os.Remove(p)
		}
		if startedSession != "" {
			_ = s.mux.KillSession(ctx, startedSession)
		}
		return nil, mutateErr
	}

	// Step 12: asynchronous PID discovery, patched in under its own lock.
	go s.discoverPID(context.Background(), req.TaskID, worker.ID, worker.MuxSession)

	return worker, nil
}

// SpawnChild spawns a worker whose parent is an existing worker rather than
// the orchestrator sentinel (spec §4.2, spawn_child).
func (s *Supervisor) SpawnChild(ctx context.Context, taskID, parentWorkerID, workerType, prompt string) (*task.Worker, error) {
	t, err := s.store.Read(taskID)
	if err != nil {
		return nil, err
	}
	parent := t.WorkerByID(parentWorkerID)
	if parent == nil {
		return nil, errs.New(errs.KindNotFound, "parent worker not found: "+parentWorkerID)
	}
	return s.SpawnWorker(ctx, SpawnWorkerRequest{
		TaskID:     taskID,
		Type:       workerType,
		Prompt:     prompt,
		ParentID:   parentWorkerID,
		PhaseIndex: parent.PhaseIndex,
	})
}

func (s *Supervisor) discoverPID(ctx context.Context, taskID, workerID, sessionName string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pid, ok, err := s.mux.PanePID(ctx, sessionName)
	if err != nil || !ok {
		return
	}
	err = s.store.Mutate(taskID, func(t *task.Task) error {
		w := t.WorkerByID(workerID)
		if w == nil {
			return errs.New(errs.KindNotFound, "worker vanished before pid patch")
		}
		w.PID = &pid
		return nil
	})
	if err != nil {
		log.Logger.Warn().Err(err).Str("worker_id", workerID).Msg("failed to patch discovered pid")
	}
}

// newWorkerID is a seam over task.NewWorkerID so tests can force collisions
// deterministically without depending on random id generation.
var newWorkerID = task.NewWorkerID

const maxWorkerIDAttempts = 10

// generateUniqueWorkerID generates a worker id that doesn't collide with any
// worker already registered on t, retrying up to maxWorkerIDAttempts times
// before giving up.
func generateUniqueWorkerID(t *task.Task, workerType string, now time.Time) (string, error) {
	for attempt := 0; attempt < maxWorkerIDAttempts; attempt++ {
		candidate := newWorkerID(workerType, now)
		if t.WorkerByID(candidate) == nil {
			return candidate, nil
		}
	}
	return "", errs.New(errs.KindSubprocessFailure, fmt.Sprintf("could not generate a unique worker id after %d attempts", maxWorkerIDAttempts))
}

// phaseAcceptsWorkers reports whether a phase in status accepts a new worker
// of the given type. A phase under review only accepts reviewer workers
// (spec's review-concurrency restriction); every other accepting status
// admits any worker type.
func phaseAcceptsWorkers(status task.PhaseStatus, workerType string) bool {
	switch status {
	case task.PhaseActive, task.PhaseRevising, task.PhaseRejected:
		return true
	case task.PhaseUnderReview:
		return workerType == "reviewer"
	}
	return false
}

func previewPrompt(prompt string) string {
	const max = 200
	p := strings.TrimSpace(prompt)
	if len(p) <= max {
		return p
	}
	return p[:max] + "…"
}

// buildAgentCommand assembles the shell command the mux session runs: the
// agent binary with stderr merged into stdout, piped through this same
// binary's hidden "smart-tee" subcommand so every worker's stdout gets
// truncation and redaction applied uniformly (spec §4.2.1 step 7), before
// landing in the worker's own output stream file.
func buildAgentCommand(cfg *config.Config, prompt, outputFile string) string {
	args := append([]string{cfg.AgentBinary}, cfg.AgentArgs...)
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	tee := cfg.SelfBinaryPath
	if tee == "" {
		tee = "conclaved"
	}
	return fmt.Sprintf("%s 2>&1 | %s smart-tee %s", strings.Join(quoted, " "), shellQuote(tee), shellQuote(outputFile))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// checkDiskSpace verifies at least minFree bytes are available on the
// filesystem backing dir (spec §4.2.1 step 4).
func checkDiskSpace(dir string, minFree int64) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return errs.Wrap(errs.KindInsufficientResource, "statfs "+dir, err)
	}
	available := int64(stat.Bavail) * int64(stat.Bsize)
	if available < minFree {
		return errs.New(errs.KindInsufficientResource, fmt.Sprintf("only %d bytes free, need %d", available, minFree))
	}
	return nil
}
