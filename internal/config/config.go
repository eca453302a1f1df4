// Package config loads the daemon's YAML configuration and watches it for
// changes so retention policy can be adjusted without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	otelx "github.com/runforge/runforge/internal/otel"
)

// RetentionConfig tunes candidate selection and the sweep schedule.
type RetentionConfig struct {
	// Enabled turns the background sweeper on.
	Enabled bool `yaml:"enabled"`
	// Schedule is a 5-field cron expression. Defaults to hourly.
	Schedule string `yaml:"schedule"`
	// MaxAgeDays is the task-creation cutoff. Tasks older than this are
	// cleanup candidates.
	MaxAgeDays int `yaml:"max_age_days"`
	// DisabledInactiveDays, when positive, restricts candidates to disabled
	// tasks inactive for at least this long.
	DisabledInactiveDays int `yaml:"disabled_inactive_days"`
	// ExcludeOpenFindings skips tasks with open findings.
	ExcludeOpenFindings bool `yaml:"exclude_open_findings"`
	// ExcludeActiveRuns skips tasks with active runs.
	ExcludeActiveRuns bool `yaml:"exclude_active_runs"`
	// BatchLimit caps tasks deleted per sweep.
	BatchLimit int `yaml:"batch_limit"`
	// LeaseTTLSeconds sizes the sweep lease.
	LeaseTTLSeconds int `yaml:"lease_ttl_seconds"`
}

// LeaseTTL returns the sweep lease TTL as a duration.
func (r RetentionConfig) LeaseTTL() time.Duration {
	if r.LeaseTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(r.LeaseTTLSeconds) * time.Second
}

// Config is the daemon configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	// DBPath overrides the embedded database file location. Defaults to
	// <home>/runforge.db.
	DBPath string `yaml:"db_path"`
	// ArtifactDir overrides the binary artifact bucket. Defaults to
	// <home>/artifacts.
	ArtifactDir string `yaml:"artifact_dir"`
	// WorkspaceDir is the root of per-task workspaces removed on cascade
	// delete. Defaults to <home>/workspaces.
	WorkspaceDir string `yaml:"workspace_dir"`

	LogLevel string `yaml:"log_level"`

	Retention RetentionConfig `yaml:"retention"`
	OTel      otelx.Config    `yaml:"otel"`
}

// DefaultHomeDir is ~/.runforge, overridable with RUNFORGE_HOME.
func DefaultHomeDir() string {
	if dir := os.Getenv("RUNFORGE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".runforge")
}

// Load reads <homeDir>/config.yaml, tolerating a missing file, and applies
// defaults.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.HomeDir, "runforge.db")
	}
	if c.ArtifactDir == "" {
		c.ArtifactDir = filepath.Join(c.HomeDir, "artifacts")
	}
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = filepath.Join(c.HomeDir, "workspaces")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "0 * * * *"
	}
	if c.Retention.MaxAgeDays <= 0 {
		c.Retention.MaxAgeDays = 90
	}
	if c.Retention.BatchLimit <= 0 {
		c.Retention.BatchLimit = 50
	}
}
