// Package mux is a thin adapter over the external terminal-multiplexer
// capability named MUX in spec §6.3. It shells out to a configured mux
// binary (default "tmux") — the multiplexer capability itself stays out of
// scope; this package only implements the six operations the rest of the
// daemon needs, grounded on tarsy/pkg/mcp/client.go's external-capability
// client shape (construct with a binary identity, expose typed
// context-aware methods per remote operation).
package mux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/conclave-run/conclave/internal/errs"
)

// Adapter is the MuxAdapter: StartSession, SessionAlive, KillSession,
// CaptureOutput, ListSessions, PanePID (spec §6.3).
type Adapter struct {
	binary string
}

// New returns an Adapter invoking binary (e.g. "tmux") for every operation.
func New(binary string) *Adapter {
	if binary == "" {
		binary = "tmux"
	}
	return &Adapter{binary: binary}
}

// StartSession starts a detached session named name, running command with
// workingDir as its cwd.
func (a *Adapter) StartSession(ctx context.Context, name, workingDir, command string) error {
	cmd := exec.CommandContext(ctx, a.binary, "new-session", "-d", "-s", name, "-c", workingDir, command)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errs.Wrap(errs.KindSubprocessFailure, "starting mux session "+name, fmt.Errorf("%s: %w", stderr.String(), err))
	}
	return nil
}

// SessionAlive reports whether a session named name currently exists.
func (a *Adapter) SessionAlive(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, a.binary, "has-session", "-t", name)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if isExitError(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("checking mux session %s: %w", name, err)
}

// KillSession terminates a session. Errors are swallowed to the caller's
// discretion (killing an already-dead session is not exceptional).
func (a *Adapter) KillSession(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, a.binary, "kill-session", "-t", name)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if isExitError(err, &exitErr) {
			return nil // already gone
		}
		return fmt.Errorf("killing mux session %s: %w", name, err)
	}
	return nil
}

// CaptureOutput returns the last lastN lines of pane text for name. Used
// only as a fallback when the output stream file is missing (spec §6.3).
func (a *Adapter) CaptureOutput(ctx context.Context, name string, lastN int) (string, error) {
	args := []string{"capture-pane", "-t", name, "-p"}
	if lastN > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(lastN))
	}
	cmd := exec.CommandContext(ctx, a.binary, args...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("capturing pane %s: %w", name, err)
	}
	return string(out), nil
}

// ListSessions returns every live session name.
func (a *Adapter) ListSessions(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, a.binary, "list-sessions", "-F", "#{session_name}")
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if isExitError(err, &exitErr) {
			return nil, nil // no server running == no sessions
		}
		return nil, fmt.Errorf("listing mux sessions: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	var names []string
	for _, l := range lines {
		if l != "" {
			names = append(names, l)
		}
	}
	return names, nil
}

// PanePID returns the PID of the top-left pane of session name, or (0, false)
// if the session is unknown or the PID isn't discoverable yet.
func (a *Adapter) PanePID(ctx context.Context, name string) (int, bool, error) {
	cmd := exec.CommandContext(ctx, a.binary, "list-panes", "-t", name, "-F", "#{pane_pid}")
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if isExitError(err, &exitErr) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("querying pane pid for %s: %w", name, err)
	}
	first := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if first == "" {
		return 0, false, nil
	}
	pid, err := strconv.Atoi(first)
	if err != nil {
		return 0, false, nil
	}
	return pid, true, nil
}

func isExitError(err error, target **exec.ExitError) bool {
	e, ok := err.(*exec.ExitError)
	if ok {
		*target = e
	}
	return ok
}
