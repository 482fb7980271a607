package mux

import (
	"context"
	"sync"
)

// FakeAdapter is an in-memory Capability used by component tests that
// exercise spawn/kill/health-scan logic without a real terminal multiplexer.
type FakeAdapter struct {
	mu       sync.Mutex
	sessions map[string]bool
	pids     map[string]int
	started  []string
}

// NewFakeAdapter returns an empty FakeAdapter.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{sessions: map[string]bool{}, pids: map[string]int{}}
}

func (f *FakeAdapter) StartSession(_ context.Context, name, _ string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
	f.started = append(f.started, name)
	return nil
}

func (f *FakeAdapter) SessionAlive(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name], nil
}

func (f *FakeAdapter) KillSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	delete(f.pids, name)
	return nil
}

func (f *FakeAdapter) CaptureOutput(_ context.Context, _ string, _ int) (string, error) {
	return "", nil
}

func (f *FakeAdapter) ListSessions(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for n := range f.sessions {
		names = append(names, n)
	}
	return names, nil
}

func (f *FakeAdapter) PanePID(_ context.Context, name string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pid, ok := f.pids[name]
	return pid, ok, nil
}

// SetPID lets a test assign a synthetic PID once a session has started.
func (f *FakeAdapter) SetPID(name string, pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pids[name] = pid
}

// KillExternally simulates the session dying without KillSession being
// called through the adapter (used to exercise HealthDaemon detection).
func (f *FakeAdapter) KillExternally(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
}
