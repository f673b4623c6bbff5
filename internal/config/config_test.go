package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Workflow.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d", cfg.Workflow.MaxConcurrent)
	}
	if cfg.State.Backend != "json" || cfg.State.Path != DefaultStateFile {
		t.Errorf("state = %q %q", cfg.State.Backend, cfg.State.Path)
	}
	if cfg.Git.BranchPrefix != "taskdock/task-" {
		t.Errorf("BranchPrefix = %q", cfg.Git.BranchPrefix)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero concurrency", func(c *Config) { c.Workflow.MaxConcurrent = 0 }, true},
		{"no agent", func(c *Config) { c.Agent.Path = "" }, true},
		{"bad backend", func(c *Config) { c.State.Backend = "etcd" }, true},
		{"bad timeout", func(c *Config) { c.Workflow.Timeout = "soon" }, true},
		{"bad grace period", func(c *Config) { c.Workflow.GracePeriod = "-" }, true},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, true},
		{"sqlite backend", func(c *Config) { c.State.Backend = "sqlite" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg := Default()
	if cfg.Timeout() != time.Hour {
		t.Errorf("Timeout() = %s", cfg.Timeout())
	}
	if cfg.GracePeriod() != 10*time.Second {
		t.Errorf("GracePeriod() = %s", cfg.GracePeriod())
	}

	cfg.Workflow.Timeout = "90m"
	if cfg.Timeout() != 90*time.Minute {
		t.Errorf("Timeout() = %s", cfg.Timeout())
	}

	// Unparseable or non-positive values fall back to defaults.
	cfg.Workflow.Timeout = "-5m"
	if cfg.Timeout() != time.Hour {
		t.Errorf("Timeout() = %s, want fallback", cfg.Timeout())
	}
}

func TestLoader_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
workflow:
  max_concurrent: 7
agent:
  path: fake-agent
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().WithConfigFile(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Workflow.MaxConcurrent != 7 {
		t.Errorf("MaxConcurrent = %d, want 7 from file", cfg.Workflow.MaxConcurrent)
	}
	if cfg.Agent.Path != "fake-agent" {
		t.Errorf("Agent.Path = %q", cfg.Agent.Path)
	}
	// Unset keys keep their defaults.
	if cfg.State.Backend != "json" {
		t.Errorf("State.Backend = %q", cfg.State.Backend)
	}

	// Environment overrides the file.
	t.Setenv("TASKDOCK_WORKFLOW_MAX_CONCURRENT", "2")
	cfg, err = NewLoader().WithConfigFile(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Workflow.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d, want 2 from env", cfg.Workflow.MaxConcurrent)
	}
}

func TestLoader_MissingExplicitFile(t *testing.T) {
	_, err := NewLoader().WithConfigFile(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	if err == nil {
		t.Fatal("an explicitly named config file must exist")
	}
}

func TestLoader_InvalidConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("workflow:\n  max_concurrent: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewLoader().WithConfigFile(path).Load(); err == nil {
		t.Fatal("Load() should reject invalid configuration")
	}
}

func TestWriteStarter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".taskdock")

	path, err := WriteStarter(dir, false)
	if err != nil {
		t.Fatalf("WriteStarter() error = %v", err)
	}

	// The starter must load back cleanly.
	cfg, err := NewLoader().WithConfigFile(path).Load()
	if err != nil {
		t.Fatalf("starter config does not load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("starter config does not validate: %v", err)
	}

	// Refuses to overwrite without force.
	if _, err := WriteStarter(dir, false); err == nil {
		t.Fatal("WriteStarter() should refuse to overwrite")
	}
	if _, err := WriteStarter(dir, true); err != nil {
		t.Fatalf("WriteStarter(force) error = %v", err)
	}
}
