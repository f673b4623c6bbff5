package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send [workflow-id] <input...>",
	Short: "Send input to a running workflow's agent",
	Long: `Send writes a line of input to the agent's stdin. The workflow must be
running and its process must be supervised by this invocation's stack,
which in practice means send is used by programs embedding the manager
rather than across separate taskdock processes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

var sendTaskID string

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendTaskID, "task", "", "send to the workflow for this task ID")
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	mgr, teardown, err := newManager(ctx)
	if err != nil {
		return err
	}
	defer teardown()

	workflowArg := ""
	input := args
	if sendTaskID == "" {
		workflowArg = args[0]
		input = args[1:]
	}
	if len(input) == 0 {
		return fmt.Errorf("no input to send")
	}

	exec, err := resolveWorkflow(ctx, mgr, workflowArg, sendTaskID)
	if err != nil {
		return err
	}

	if err := mgr.SendInput(ctx, exec.ID, strings.Join(input, " ")); err != nil {
		return err
	}
	fmt.Printf("Input sent to workflow %s\n", exec.ID)
	return nil
}
