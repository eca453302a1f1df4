package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != filepath.Join(home, "runforge.db") {
		t.Fatalf("db path: %q", cfg.DBPath)
	}
	if cfg.ArtifactDir != filepath.Join(home, "artifacts") {
		t.Fatalf("artifact dir: %q", cfg.ArtifactDir)
	}
	if cfg.WorkspaceDir != filepath.Join(home, "workspaces") {
		t.Fatalf("workspace dir: %q", cfg.WorkspaceDir)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level: %q", cfg.LogLevel)
	}
	if cfg.Retention.Schedule != "0 * * * *" {
		t.Fatalf("schedule: %q", cfg.Retention.Schedule)
	}
	if cfg.Retention.MaxAgeDays != 90 || cfg.Retention.BatchLimit != 50 {
		t.Fatalf("retention defaults: %+v", cfg.Retention)
	}
	if cfg.Retention.LeaseTTL() != 5*time.Minute {
		t.Fatalf("lease ttl default: %v", cfg.Retention.LeaseTTL())
	}
}

func TestLoadFile(t *testing.T) {
	home := t.TempDir()
	raw := `
db_path: /var/lib/runforge/core.db
log_level: debug
retention:
  enabled: true
  schedule: "*/30 * * * *"
  max_age_days: 14
  exclude_open_findings: true
  lease_ttl_seconds: 120
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/var/lib/runforge/core.db" {
		t.Fatalf("db path: %q", cfg.DBPath)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level: %q", cfg.LogLevel)
	}
	if !cfg.Retention.Enabled || cfg.Retention.Schedule != "*/30 * * * *" {
		t.Fatalf("retention: %+v", cfg.Retention)
	}
	if cfg.Retention.MaxAgeDays != 14 || !cfg.Retention.ExcludeOpenFindings {
		t.Fatalf("retention: %+v", cfg.Retention)
	}
	if cfg.Retention.LeaseTTL() != 2*time.Minute {
		t.Fatalf("lease ttl: %v", cfg.Retention.LeaseTTL())
	}
	// Unset fields still get defaults.
	if cfg.Retention.BatchLimit != 50 {
		t.Fatalf("batch limit default: %d", cfg.Retention.BatchLimit)
	}
	if cfg.ArtifactDir != filepath.Join(home, "artifacts") {
		t.Fatalf("artifact dir: %q", cfg.ArtifactDir)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("{{{not yaml"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(home); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestDefaultHomeDirEnvOverride(t *testing.T) {
	t.Setenv("RUNFORGE_HOME", "/custom/home")
	if got := DefaultHomeDir(); got != "/custom/home" {
		t.Fatalf("home dir: %q", got)
	}
}
