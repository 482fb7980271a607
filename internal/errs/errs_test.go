package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormattingWithAndWithoutCause(t *testing.T) {
	plain := New(KindNotFound, "task TASK-1 not found")
	assert.Equal(t, "NotFound: task TASK-1 not found", plain.Error())

	wrapped := Wrap(KindSubprocessFailure, "tmux new-session failed", fmt.Errorf("exit status 1"))
	assert.Equal(t, "SubprocessFailure: tmux new-session failed: exit status 1", wrapped.Error())
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	wrapped := Wrap(KindInsufficientResource, "workspace write failed", cause)
	assert.Equal(t, cause, errors.Unwrap(wrapped))
}

func TestKindOfFindsKindThroughWrapping(t *testing.T) {
	inner := New(KindRegistryLockConflict, "lock held")
	outer := fmt.Errorf("mutate failed: %w", inner)

	kind, ok := KindOf(outer)
	assert.True(t, ok)
	assert.Equal(t, KindRegistryLockConflict, kind)
}

func TestKindOfFalseForPlainError(t *testing.T) {
	_, ok := KindOf(fmt.Errorf("just a plain error"))
	assert.False(t, ok)
}

func TestIsMatchesExactKindOnly(t *testing.T) {
	err := New(KindCapacityExceeded, "max_agents reached")
	assert.True(t, Is(err, KindCapacityExceeded))
	assert.False(t, Is(err, KindPhaseStateInvalid))
}
