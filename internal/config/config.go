// Package config loads and validates taskdock configuration from flags,
// environment, and YAML files.
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Workflow WorkflowConfig `mapstructure:"workflow" yaml:"workflow"`
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	State    StateConfig    `mapstructure:"state" yaml:"state"`
	Git      GitConfig      `mapstructure:"git" yaml:"git"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// WorkflowConfig configures workflow admission and supervision.
type WorkflowConfig struct {
	MaxConcurrent int    `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	Timeout       string `mapstructure:"timeout" yaml:"timeout"`
	GracePeriod   string `mapstructure:"grace_period" yaml:"grace_period"`
	EventBuffer   int    `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// AgentConfig configures the external agent executable.
type AgentConfig struct {
	Path string            `mapstructure:"path" yaml:"path"`
	Args []string          `mapstructure:"args" yaml:"args"`
	Env  map[string]string `mapstructure:"env" yaml:"env"`
}

// StateConfig configures durable workflow state.
type StateConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // json or sqlite
	Path    string `mapstructure:"path" yaml:"path"`
}

// GitConfig configures worktree allocation.
type GitConfig struct {
	WorktreeDir  string `mapstructure:"worktree_dir" yaml:"worktree_dir"`
	BranchPrefix string `mapstructure:"branch_prefix" yaml:"branch_prefix"`
}

// Timeout returns the parsed default workflow timeout.
func (c *Config) Timeout() time.Duration {
	return parseDurationOr(c.Workflow.Timeout, time.Hour)
}

// GracePeriod returns the parsed stop grace period.
func (c *Config) GracePeriod() time.Duration {
	return parseDurationOr(c.Workflow.GracePeriod, 10*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Workflow.MaxConcurrent < 1 {
		return fmt.Errorf("workflow.max_concurrent must be at least 1, got %d", c.Workflow.MaxConcurrent)
	}
	if c.Agent.Path == "" {
		return fmt.Errorf("agent.path is required")
	}
	switch c.State.Backend {
	case "json", "sqlite":
	default:
		return fmt.Errorf("state.backend must be json or sqlite, got %q", c.State.Backend)
	}
	if c.Workflow.Timeout != "" {
		if _, err := time.ParseDuration(c.Workflow.Timeout); err != nil {
			return fmt.Errorf("workflow.timeout: %w", err)
		}
	}
	if c.Workflow.GracePeriod != "" {
		if _, err := time.ParseDuration(c.Workflow.GracePeriod); err != nil {
			return fmt.Errorf("workflow.grace_period: %w", err)
		}
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}
