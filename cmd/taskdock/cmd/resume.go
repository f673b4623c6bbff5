package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [workflow-id]",
	Short: "Resume a paused workflow",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runResume,
}

var resumeTaskID string

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().StringVar(&resumeTaskID, "task", "", "resume the workflow for this task ID")
}

func runResume(cmd *cobra.Command, args []string) error {
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
	exec, err := resolveWorkflow(ctx, mgr, workflowArg, resumeTaskID)
	if err != nil {
		return err
	}

	if err := mgr.Resume(ctx, exec.ID); err != nil {
		return err
	}
	fmt.Printf("Workflow %s resumed\n", exec.ID)
	return nil
}
