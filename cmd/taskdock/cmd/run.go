package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mvidalgarcia/taskdock/internal/config"
	"github.com/mvidalgarcia/taskdock/internal/events"
	"github.com/mvidalgarcia/taskdock/internal/executor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a task in an isolated worktree",
	Long: `Run starts a workflow for one task from the tasks file: it allocates a
git worktree with a dedicated branch, launches the agent process inside it,
and streams agent output until the process exits. The task branch survives
after the workflow is finalized. Press Ctrl-C to force-stop the workflow.`,
	RunE: runRun,
}

var (
	runTasksFile string
	runTaskID    string
	runBranch    string
	runTimeout   time.Duration
	runKeep      bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runTasksFile, "tasks-file", config.DefaultTasksFile,
		"path to the tasks JSON file")
	runCmd.Flags().StringVar(&runTaskID, "task", "", "ID of the task to run")
	runCmd.Flags().StringVar(&runBranch, "branch", "", "override the derived worktree branch name")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "override the configured workflow timeout")
	runCmd.Flags().BoolVar(&runKeep, "keep", false,
		"leave the workflow registered and its worktree in place after the agent exits")
	_ = runCmd.MarkFlagRequired("task")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	task, err := loadTask(runTasksFile, runTaskID)
	if err != nil {
		return err
	}

	mgr, teardown, err := newManager(ctx)
	if err != nil {
		return err
	}
	defer teardown()

	// Subscribe before starting so no early output is missed.
	ch := mgr.Subscribe(
		events.TypeProcessOutput,
		events.TypeProcessStopped,
		events.TypeProcessTimeout,
	)

	exec, err := mgr.Start(ctx, task, executor.StartOptions{
		Branch:  runBranch,
		Timeout: runTimeout,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Workflow %s started for task %s\n", exec.ID, exec.TaskID)
	fmt.Printf("  worktree: %s\n", exec.WorktreePath)
	fmt.Printf("  branch:   %s\n", exec.Branch)
	fmt.Printf("  pid:      %d\n", exec.PID)
	fmt.Println()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted, stopping workflow")
			return mgr.Stop(cmd.Context(), exec.ID, true)

		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.WorkflowID() != string(exec.ID) {
				continue
			}
			switch e := ev.(type) {
			case events.ProcessOutputEvent:
				if e.Stream == "stderr" {
					fmt.Fprintln(os.Stderr, e.Line)
				} else {
					fmt.Println(e.Line)
				}
			case events.ProcessTimeoutEvent:
				fmt.Fprintf(os.Stderr, "\nWorkflow timed out after %s\n", e.Timeout)
			case events.ProcessStoppedEvent:
				if e.TimedOut {
					// The timeout handler already marked the workflow and
					// removed its worktree; the record is kept for inspection.
					fmt.Fprintf(os.Stderr, "Agent terminated (exit code %d); workflow record kept with status timeout\n", e.ExitCode)
					return nil
				}
				fmt.Printf("\nAgent exited with code %d\n", e.ExitCode)
				if runKeep {
					fmt.Printf("Workflow %s left registered; finalize with 'taskdock stop %s'\n", exec.ID, exec.ID)
					return nil
				}
				if err := mgr.Stop(cmd.Context(), exec.ID, false); err != nil {
					return err
				}
				fmt.Printf("Workflow completed; work is on branch %s\n", exec.Branch)
				return nil
			}
		}
	}
}
