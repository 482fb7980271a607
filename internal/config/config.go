// Package config loads the daemon's configuration from a YAML file plus
// environment-variable overrides, grounded on tarsy/pkg/config/loader.go's
// load-then-default-then-validate pipeline (spec §6.5).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/conclave-run/conclave/internal/task"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the daemon's fully-resolved runtime configuration.
type Config struct {
	WorkspaceBase     string        `yaml:"workspace_base"`
	AgentBinary       string        `yaml:"agent_binary"`
	AgentArgs         []string      `yaml:"agent_args"`
	MuxBinary         string        `yaml:"mux_binary"`
	HealthScanInterval time.Duration `yaml:"health_scan_interval"`
	DefaultLimits     task.Limits   `yaml:"default_limits"`
	OpsAPIAddr        string        `yaml:"ops_api_addr"`
	MinFreeDiskBytes  int64         `yaml:"min_free_disk_bytes"`
	ReviewStallTimeout time.Duration `yaml:"review_stall_timeout"`
	LogLevel          string        `yaml:"log_level"`
	LogJSON           bool          `yaml:"log_json"`

	// SelfBinaryPath is resolved at startup (os.Executable) rather than
	// loaded from YAML; the spawn protocol pipes worker stdout through
	// "<self> smart-tee" so truncation applies uniformly regardless of
	// which agent binary or mux implementation is configured.
	SelfBinaryPath string `yaml:"-"`
}

// yamlShadow mirrors Config but lets HealthScanInterval/ReviewStallTimeout be
// authored as plain duration strings in YAML (e.g. "30s").
type yamlShadow struct {
	WorkspaceBase      string      `yaml:"workspace_base"`
	AgentBinary        string      `yaml:"agent_binary"`
	AgentArgs          []string    `yaml:"agent_args"`
	MuxBinary          string      `yaml:"mux_binary"`
	HealthScanInterval string      `yaml:"health_scan_interval"`
	DefaultLimits      task.Limits `yaml:"default_limits"`
	OpsAPIAddr         string      `yaml:"ops_api_addr"`
	MinFreeDiskBytes   int64       `yaml:"min_free_disk_bytes"`
	ReviewStallTimeout string      `yaml:"review_stall_timeout"`
	LogLevel           string      `yaml:"log_level"`
	LogJSON            bool        `yaml:"log_json"`
}

// Defaults returns the built-in configuration applied before any YAML/env
// override is layered on top (spec §6.5).
func Defaults() *Config {
	return &Config{
		WorkspaceBase:      "./workspace",
		AgentBinary:        "claude",
		AgentArgs:          []string{"--output-format", "stream-json"},
		MuxBinary:          "tmux",
		HealthScanInterval: 30 * time.Second,
		DefaultLimits:      task.DefaultLimits(),
		OpsAPIAddr:         ":8090",
		MinFreeDiskBytes:   100 * 1024 * 1024,
		ReviewStallTimeout: 15 * time.Minute,
		LogLevel:           "info",
		LogJSON:            false,
	}
}

// Load reads envFile (if present, via godotenv) then a YAML config file at
// path (if present), layering both over Defaults(), and finally applying
// a small set of direct environment-variable overrides.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
			}
		}
	}

	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := mergeYAMLFile(cfg, path); err != nil {
				return nil, err
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	var shadow yamlShadow
	if err := yaml.Unmarshal(data, &shadow); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if shadow.WorkspaceBase != "" {
		cfg.WorkspaceBase = shadow.WorkspaceBase
	}
	if shadow.AgentBinary != "" {
		cfg.AgentBinary = shadow.AgentBinary
	}
	if len(shadow.AgentArgs) > 0 {
		cfg.AgentArgs = shadow.AgentArgs
	}
	if shadow.MuxBinary != "" {
		cfg.MuxBinary = shadow.MuxBinary
	}
	if shadow.HealthScanInterval != "" {
		d, err := time.ParseDuration(shadow.HealthScanInterval)
		if err != nil {
			return fmt.Errorf("parsing health_scan_interval: %w", err)
		}
		cfg.HealthScanInterval = d
	}
	if shadow.DefaultLimits.MaxAgents > 0 {
		cfg.DefaultLimits = shadow.DefaultLimits
	}
	if shadow.OpsAPIAddr != "" {
		cfg.OpsAPIAddr = shadow.OpsAPIAddr
	}
	if shadow.MinFreeDiskBytes > 0 {
		cfg.MinFreeDiskBytes = shadow.MinFreeDiskBytes
	}
	if shadow.ReviewStallTimeout != "" {
		d, err := time.ParseDuration(shadow.ReviewStallTimeout)
		if err != nil {
			return fmt.Errorf("parsing review_stall_timeout: %w", err)
		}
		cfg.ReviewStallTimeout = d
	}
	if shadow.LogLevel != "" {
		cfg.LogLevel = shadow.LogLevel
	}
	cfg.LogJSON = cfg.LogJSON || shadow.LogJSON
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONCLAVE_WORKSPACE_BASE"); v != "" {
		cfg.WorkspaceBase = v
	}
	if v := os.Getenv("CONCLAVE_AGENT_BINARY"); v != "" {
		cfg.AgentBinary = v
	}
	if v := os.Getenv("CONCLAVE_MUX_BINARY"); v != "" {
		cfg.MuxBinary = v
	}
	if v := os.Getenv("CONCLAVE_OPS_API_ADDR"); v != "" {
		cfg.OpsAPIAddr = v
	}
	if v := os.Getenv("CONCLAVE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func validate(cfg *Config) error {
	if cfg.WorkspaceBase == "" {
		return fmt.Errorf("workspace_base must not be empty")
	}
	abs, err := filepath.Abs(cfg.WorkspaceBase)
	if err != nil {
		return fmt.Errorf("resolving workspace_base: %w", err)
	}
	cfg.WorkspaceBase = abs
	if cfg.AgentBinary == "" {
		return fmt.Errorf("agent_binary must not be empty")
	}
	if cfg.MuxBinary == "" {
		return fmt.Errorf("mux_binary must not be empty")
	}
	if cfg.DefaultLimits.MaxAgents <= 0 || cfg.DefaultLimits.MaxDepth <= 0 || cfg.DefaultLimits.MaxConcurrent <= 0 {
		return fmt.Errorf("default_limits must be positive")
	}
	if cfg.HealthScanInterval <= 0 {
		return fmt.Errorf("health_scan_interval must be positive")
	}
	return nil
}
