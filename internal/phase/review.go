package phase

import (
	"context"
	"fmt"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/supervisor"
	"github.com/conclave-run/conclave/internal/task"
)

// TriggerAgenticReview spawns the fixed reviewer pool, marks the review
// in_progress, and transitions AWAITING_REVIEW -> UNDER_REVIEW (spec §4.1,
// trigger_agentic_review).
func (e *Engine) TriggerAgenticReview(taskID string) (*task.Review, error) {
	var review *task.Review
	var phaseIdx int
	var phaseName string

	err := e.store.Mutate(taskID, func(t *task.Task) error {
		phase := t.CurrentPhasePtr()
		if phase == nil {
			return errs.New(errs.KindNotFound, "task has no current phase")
		}
		if phase.Status != task.PhaseAwaitingReview {
			return errs.Wrap(errs.KindPhaseStateInvalid,
				fmt.Sprintf("trigger_agentic_review requires AWAITING_REVIEW, phase is %s", phase.Status), nil)
		}
		phase.Status = task.PhaseUnderReview
		phaseIdx = t.CurrentPhase
		phaseName = phase.Name
		review = &task.Review{
			ID:         task.NewReviewID(time.Now()),
			PhaseIndex: phaseIdx,
			Status:     task.ReviewInProgress,
			StartedAt:  time.Now(),
		}
		t.Reviews = append(t.Reviews, review)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := 0; i < e.reviewerCount; i++ {
		prompt := fmt.Sprintf("Review phase %q for task %s. Submit your verdict via submit_review_verdict against review %s.", phaseName, taskID, review.ID)
		w, spawnErr := e.sup.SpawnWorker(context.Background(), supervisor.SpawnWorkerRequest{
			TaskID:     taskID,
			Type:       "reviewer",
			Prompt:     prompt,
			PhaseIndex: phaseIdx,
		})
		if spawnErr != nil {
			continue // partial reviewer pool is still usable; missing reviewers count as dead/abstaining
		}
		_ = e.store.Mutate(taskID, func(t *task.Task) error {
			r := t.ReviewByID(review.ID)
			if r == nil {
				return nil
			}
			r.ReviewerIDs = append(r.ReviewerIDs, w.ID)
			return nil
		})
	}

	t, err := e.store.Read(taskID)
	if err != nil {
		return nil, err
	}
	if e.snap != nil {
		_ = e.snap.Reconcile(t)
	}
	return t.ReviewByID(review.ID), nil
}

// SubmitReviewVerdict records one reviewer's verdict; idempotent on
// double-submission (spec §4.1.5). When every reviewer has either voted or
// died, aggregation runs immediately (spec §4.1.3).
func (e *Engine) SubmitReviewVerdict(taskID, reviewID, reviewerID string, verdict task.Verdict, severityCounts map[task.Severity]int) error {
	return e.store.Mutate(taskID, func(t *task.Task) error {
		r := t.ReviewByID(reviewID)
		if r == nil {
			return errs.New(errs.KindNotFound, "review not found: "+reviewID)
		}
		if r.Status != task.ReviewInProgress {
			return errs.Wrap(errs.KindPhaseStateInvalid,
				fmt.Sprintf("review %s is not in_progress (status=%s)", reviewID, r.Status), nil)
		}
		if r.HasVerdictFrom(reviewerID) {
			return errs.New(errs.KindAlreadySubmitted, "reviewer already submitted a verdict: "+reviewerID)
		}
		r.Verdicts = append(r.Verdicts, task.ReviewerVerdict{
			ReviewerID:     reviewerID,
			Verdict:        verdict,
			SeverityCounts: severityCounts,
			SubmittedAt:    time.Now(),
		})

		if reviewReadyToAggregate(t, r) {
			aggregateVerdict(t, r)
		}
		return nil
	})
}

func containsReviewer(r *task.Review, workerID string) bool {
	for _, id := range r.ReviewerIDs {
		if id == workerID {
			return true
		}
	}
	return false
}

// reviewReadyToAggregate reports whether every reviewer assigned to r has
// either voted or died (spec §4.1.3: A+R+V+D == N).
func reviewReadyToAggregate(t *task.Task, r *task.Review) bool {
	for _, id := range r.ReviewerIDs {
		if r.HasVerdictFrom(id) {
			continue
		}
		w := t.WorkerByID(id)
		if w == nil || !task.IsTerminal(w.Status) {
			return false // still alive and hasn't voted yet
		}
	}
	return true
}

// aggregateVerdict implements spec §4.1.3's tie-broken aggregation and
// applies the resulting phase transition.
func aggregateVerdict(t *task.Task, r *task.Review) {
	n := len(r.ReviewerIDs)
	approves, rejects, revisions, died := 0, 0, 0, 0
	hasCritical := false

	voted := map[string]bool{}
	for _, v := range r.Verdicts {
		voted[v.ReviewerID] = true
		switch v.Verdict {
		case task.VerdictApprove:
			approves++
		case task.VerdictReject:
			rejects++
		case task.VerdictNeedsRevision:
			revisions++
		}
		if v.SeverityCounts[task.SeverityCritical] > 0 {
			hasCritical = true
		}
	}
	for _, id := range r.ReviewerIDs {
		if !voted[id] {
			died++
		}
	}

	phase := t.PhaseByIndex(r.PhaseIndex)

	switch {
	case died == n && n > 0:
		r.Status = task.ReviewEscalated
		r.EscalationReason = "all reviewers died without submitting a verdict"
		if phase != nil {
			phase.Status = task.PhaseEscalated
		}
		return
	case hasCritical:
		finalize(r, phase, task.FinalRejected, task.PhaseRejected)
	case approves > rejects+revisions:
		finalize(r, phase, task.FinalApproved, task.PhaseApproved)
	case revisions >= rejects:
		finalize(r, phase, task.FinalNeedsRevision, task.PhaseRevising)
	default:
		finalize(r, phase, task.FinalRejected, task.PhaseRejected)
	}
}

func finalize(r *task.Review, phase *task.Phase, verdict task.FinalVerdict, phaseStatus task.PhaseStatus) {
	r.Status = task.ReviewCompleted
	r.FinalVerdict = &verdict
	if phase != nil {
		phase.Status = phaseStatus
		if phaseStatus == task.PhaseApproved {
			now := time.Now()
			phase.CompletedAt = &now
		}
	}
}

// GetReviewStatus is the read-only review accessor (spec §4.1,
// get_review_status).
func (e *Engine) GetReviewStatus(taskID, reviewID string) (*task.Review, error) {
	t, err := e.store.Read(taskID)
	if err != nil {
		return nil, err
	}
	r := t.ReviewByID(reviewID)
	if r == nil {
		return nil, errs.New(errs.KindNotFound, "review not found: "+reviewID)
	}
	return r, nil
}

// AbortStalledReview marks a review aborted and returns the phase to
// AWAITING_REVIEW (spec §4.1, abort_stalled_review).
func (e *Engine) AbortStalledReview(taskID, reviewID string) error {
	return e.store.Mutate(taskID, func(t *task.Task) error {
		r := t.ReviewByID(reviewID)
		if r == nil {
			return errs.New(errs.KindNotFound, "review not found: "+reviewID)
		}
		r.Status = task.ReviewAborted
		if phase := t.PhaseByIndex(r.PhaseIndex); phase != nil {
			phase.Status = task.PhaseAwaitingReview
		}
		return nil
	})
}

// ApprovePhaseReview is normally blocked; the only bypass is
// force_escalated=true while the review is escalated (spec §4.1.4).
func (e *Engine) ApprovePhaseReview(taskID, reviewID string, forceEscalated bool) error {
	return e.store.Mutate(taskID, func(t *task.Task) error {
		r := t.ReviewByID(reviewID)
		if r == nil {
			return errs.New(errs.KindNotFound, "review not found: "+reviewID)
		}
		if r.Status == task.ReviewInProgress {
			return errs.New(errs.KindReviewBlocked, "manual approval is blocked while an auto-review is in_progress")
		}
		if !(forceEscalated && r.Status == task.ReviewEscalated) {
			return errs.New(errs.KindReviewBlocked, "manual approval requires force_escalated=true on an escalated review")
		}
		verdict := task.FinalApproved
		r.FinalVerdict = &verdict
		r.Status = task.ReviewCompleted
		if phase := t.PhaseByIndex(r.PhaseIndex); phase != nil {
			phase.Status = task.PhaseApproved
			now := time.Now()
			phase.CompletedAt = &now
		}
		return nil
	})
}

// RejectPhaseReview is always blocked (spec §4.1.4): the external caller
// may never reject its own work directly, only through reviewer verdicts.
func (e *Engine) RejectPhaseReview() error {
	return errs.New(errs.KindReviewBlocked, "reject_phase_review is always blocked; use abort_stalled_review or let reviewer verdicts reject the phase")
}
