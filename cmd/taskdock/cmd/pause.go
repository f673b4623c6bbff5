package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause [workflow-id]",
	Short: "Pause a running workflow",
	Long: `Pause marks a running workflow as paused. The agent process and worktree
keep their resources; a paused workflow still occupies its per-task slot
but does not count against the concurrency limit.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPause,
}

var pauseTaskID string

func init() {
	rootCmd.AddCommand(pauseCmd)
	pauseCmd.Flags().StringVar(&pauseTaskID, "task", "", "pause the workflow for this task ID")
}

func runPause(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	mgr, teardown, err := newManager(ctx)
	if err != nil {
		return err
	}
	defer teardown()

	workflowArg := ""
	if len(args) > 0 {
		workflowArg = args[0]
	}
	exec, err := resolveWorkflow(ctx, mgr, workflowArg, pauseTaskID)
	if err != nil {
		return err
	}

	if err := mgr.Pause(ctx, exec.ID); err != nil {
		return err
	}
	fmt.Printf("Workflow %s paused\n", exec.ID)
	return nil
}
