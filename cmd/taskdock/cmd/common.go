package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/mvidalgarcia/taskdock/internal/config"
	"github.com/mvidalgarcia/taskdock/internal/core"
	"github.com/mvidalgarcia/taskdock/internal/events"
	"github.com/mvidalgarcia/taskdock/internal/executor"
	"github.com/mvidalgarcia/taskdock/internal/git"
	"github.com/mvidalgarcia/taskdock/internal/logging"
	"github.com/mvidalgarcia/taskdock/internal/sandbox"
	"github.com/mvidalgarcia/taskdock/internal/state"
)

// loadConfig loads the unified configuration using the global viper, which
// carries the persistent flag bindings.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newManager wires the full orchestrator stack from configuration. The
// returned teardown stops the event loop and closes the store and bus.
func newManager(ctx context.Context) (*executor.Manager, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, fmt.Errorf("getting current directory: %w", err)
	}

	gitClient, err := git.NewClient(cwd)
	if err != nil {
		return nil, nil, err
	}

	bus := events.NewBus(cfg.Workflow.EventBuffer)

	store, err := state.New(cfg.State.Backend, cfg.State.Path)
	if err != nil {
		bus.Close()
		return nil, nil, err
	}

	worktrees := git.NewWorktreeManager(gitClient, cfg.Git.WorktreeDir, cfg.Git.BranchPrefix, bus, logger)

	sb := sandbox.New(sandbox.Config{
		AgentPath:   cfg.Agent.Path,
		AgentArgs:   cfg.Agent.Args,
		GracePeriod: cfg.GracePeriod(),
		Env:         cfg.Agent.Env,
	}, bus, logger)

	mgr, err := executor.New(ctx, executor.Options{
		Config:      cfg,
		Logger:      logger,
		Bus:         bus,
		Store:       store,
		Worktrees:   worktrees,
		Sandbox:     sb,
		ProjectRoot: cwd,
	})
	if err != nil {
		_ = store.Close()
		bus.Close()
		return nil, nil, err
	}

	teardown := func() {
		mgr.Close()
		_ = store.Close()
		bus.Close()
	}
	return mgr, teardown, nil
}

// taskFile is the external read-only task registry format.
type taskFile struct {
	Tasks []core.Task `json:"tasks"`
}

// loadTask reads the tasks file and returns the task with the given ID.
func loadTask(path, taskID string) (*core.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tasks file %s: %w", path, err)
	}

	var file taskFile
	if err := json.Unmarshal(data, &file.Tasks); err != nil {
		// Not a bare array; try the wrapped form.
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing tasks file %s: %w", path, err)
		}
	}

	for i := range file.Tasks {
		if file.Tasks[i].ID == taskID {
			return &file.Tasks[i], nil
		}
	}
	return nil, fmt.Errorf("task %q not found in %s", taskID, path)
}

// resolveWorkflow finds a workflow by explicit ID argument or by --task flag.
func resolveWorkflow(ctx context.Context, mgr *executor.Manager, workflowArg, taskID string) (*core.ExecutionContext, error) {
	if workflowArg != "" {
		return mgr.Status(ctx, core.WorkflowID(workflowArg))
	}
	if taskID != "" {
		return mgr.ByTask(ctx, taskID)
	}
	return nil, fmt.Errorf("specify a workflow ID argument or --task")
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
