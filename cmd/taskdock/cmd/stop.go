package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mvidalgarcia/taskdock/internal/core"
)

var stopCmd = &cobra.Command{
	Use:   "stop [workflow-id]",
	Short: "Stop a workflow and reclaim its worktree",
	Long: `Stop terminates the workflow's agent process if still alive, removes the
worktree, and unregisters the workflow. A graceful stop marks it completed;
--force kills the process immediately and marks it cancelled. The task
branch is kept either way.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStop,
}

var (
	stopTaskID string
	stopForce  bool
)

func init() {
	rootCmd.AddCommand(stopCmd)
	stopCmd.Flags().StringVar(&stopTaskID, "task", "", "stop the workflow for this task ID")
	stopCmd.Flags().BoolVar(&stopForce, "force", false, "kill the process instead of terminating gracefully")
}

func runStop(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	mgr, teardown, err := newManager(ctx)
	if err != nil {
		return err
	}
	defer teardown()

	// An explicit workflow ID goes straight to Stop, which is a no-op for
	// unknown workflows, so repeating a stop never fails.
	var id core.WorkflowID
	switch {
	case len(args) > 0:
		id = core.WorkflowID(args[0])
	case stopTaskID != "":
		exec, err := mgr.ByTask(ctx, stopTaskID)
		if err != nil {
			return err
		}
		id = exec.ID
	default:
		return fmt.Errorf("specify a workflow ID argument or --task")
	}

	if err := mgr.Stop(ctx, id, stopForce); err != nil {
		return err
	}
	fmt.Printf("Workflow %s stopped\n", id)
	return nil
}
