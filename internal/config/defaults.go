package config

import "github.com/spf13/viper"

// Default file locations relative to the project root.
const (
	DefaultDir       = ".taskdock"
	DefaultStateFile = ".taskdock/state.json"
	DefaultDBFile    = ".taskdock/state.db"
	DefaultTasksFile = ".taskdock/tasks.json"
)

// setDefaults registers defaults on a viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")

	v.SetDefault("workflow.max_concurrent", 3)
	v.SetDefault("workflow.timeout", "1h")
	v.SetDefault("workflow.grace_period", "10s")
	v.SetDefault("workflow.event_buffer", 256)

	v.SetDefault("agent.path", "claude")
	v.SetDefault("agent.args", []string{})

	v.SetDefault("state.backend", "json")
	v.SetDefault("state.path", DefaultStateFile)

	v.SetDefault("git.worktree_dir", ".taskdock/worktrees")
	v.SetDefault("git.branch_prefix", "taskdock/task-")
}

// Default returns a config populated with defaults only.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults always unmarshal cleanly.
	_ = v.Unmarshal(cfg)
	return cfg
}
