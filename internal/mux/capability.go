package mux

import "context"

// Capability is the interface WorkerSupervisor and HealthDaemon depend on,
// so tests can inject an in-memory fake instead of shelling out to a real
// tmux binary (spec §6.3's MUX is an external collaborator by design).
// Grounded on tarsy/pkg/mcp/testing.go's inject-a-fake-session pattern.
type Capability interface {
	StartSession(ctx context.Context, name, workingDir, command string) error
	SessionAlive(ctx context.Context, name string) (bool, error)
	KillSession(ctx context.Context, name string) error
	CaptureOutput(ctx context.Context, name string, lastN int) (string, error)
	ListSessions(ctx context.Context) ([]string, error)
	PanePID(ctx context.Context, name string) (int, bool, error)
}

var _ Capability = (*Adapter)(nil)
