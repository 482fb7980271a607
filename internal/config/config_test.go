package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithNoFilesReturnsValidatedDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.AgentBinary)
	assert.Equal(t, "tmux", cfg.MuxBinary)
	assert.Equal(t, 30*time.Second, cfg.HealthScanInterval)
	assert.True(t, filepath.IsAbs(cfg.WorkspaceBase))
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conclave.yaml")
	yamlBody := "workspace_base: ./ws\nmux_binary: screen\nhealth_scan_interval: 45s\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "screen", cfg.MuxBinary)
	assert.Equal(t, 45*time.Second, cfg.HealthScanInterval)
	assert.Equal(t, "claude", cfg.AgentBinary) // untouched field keeps its default
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conclave.yaml")
	require.NoError(t, os.WriteFile(path, []byte("health_scan_interval: not-a-duration\n"), 0o644))

	_, err := Load(path, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health_scan_interval")
}

func TestEnvOverrideWinsOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conclave.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mux_binary: screen\n"), 0o644))

	t.Setenv("CONCLAVE_MUX_BINARY", "tmux-from-env")
	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "tmux-from-env", cfg.MuxBinary)
}

func TestLoadFromDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("CONCLAVE_LOG_LEVEL=debug\n"), 0o644))

	cfg, err := Load("", envPath)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidateRejectsNonPositiveLimits(t *testing.T) {
	cfg := Defaults()
	cfg.DefaultLimits.MaxAgents = 0
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_limits")
}

func TestValidateRejectsEmptyAgentBinary(t *testing.T) {
	cfg := Defaults()
	cfg.AgentBinary = ""
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent_binary")
}

func TestValidateRejectsNonPositiveHealthScanInterval(t *testing.T) {
	cfg := Defaults()
	cfg.HealthScanInterval = 0
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health_scan_interval")
}

func TestValidateResolvesWorkspaceBaseToAbsolutePath(t *testing.T) {
	cfg := Defaults()
	cfg.WorkspaceBase = "relative/dir"
	require.NoError(t, validate(cfg))
	assert.True(t, filepath.IsAbs(cfg.WorkspaceBase))
}
