package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// randomHex returns n hex characters taken from a fresh random UUID,
// grounded on the pack's preference for google/uuid as the entropy source
// for id suffixes rather than hand-rolled crypto/rand plumbing.
func randomHex(n int) string {
	id := uuid.New()
	hex := strings.ReplaceAll(id.String(), "-", "")
	if n > len(hex) {
		n = len(hex)
	}
	return hex[:n]
}

// NewTaskID generates "TASK-{UTCdate}-{UTCtime}-{8 random hex}".
func NewTaskID(now time.Time) string {
	u := now.UTC()
	return fmt.Sprintf("TASK-%s-%s-%s", u.Format("20060102"), u.Format("150405"), randomHex(8))
}

// NewWorkerID generates "{type}-{HHMMSS}-{6 random hex}".
func NewWorkerID(workerType string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s", workerType, now.UTC().Format("150405"), randomHex(6))
}

// MuxSessionName derives the mux session name for a worker id.
func MuxSessionName(workerID string) string {
	return "agent_" + workerID
}

// NewReviewID generates a review id scoped to a phase.
func NewReviewID(now time.Time) string {
	return fmt.Sprintf("REVIEW-%s-%s", now.UTC().Format("150405"), randomHex(6))
}
