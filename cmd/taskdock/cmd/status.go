package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mvidalgarcia/taskdock/internal/config"
	"github.com/mvidalgarcia/taskdock/internal/core"
	"github.com/mvidalgarcia/taskdock/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status [workflow-id]",
	Short: "Show workflow status",
	Long: `Display registered workflows, or one workflow in detail when a workflow
ID or --task is given. With --watch the display refreshes whenever the
state file changes on disk.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	statusTaskID string
	statusJSON   bool
	statusWatch  bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusTaskID, "task", "", "show the workflow for this task ID")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "refresh on state changes")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	workflowArg := ""
	if len(args) > 0 {
		workflowArg = args[0]
	}

	if !statusWatch {
		return printStatus(ctx, cfg, workflowArg)
	}

	watchCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	changes, err := state.Watch(watchCtx, cfg.State.Path)
	if err != nil {
		return err
	}

	if err := printStatus(ctx, cfg, workflowArg); err != nil {
		return err
	}
	for {
		select {
		case <-watchCtx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			fmt.Println()
			if err := printStatus(ctx, cfg, workflowArg); err != nil {
				return err
			}
		}
	}
}

// printStatus opens the store fresh on each call so watch mode always
// reflects what another taskdock process last persisted.
func printStatus(ctx context.Context, cfg *config.Config, workflowArg string) error {
	store, err := state.New(cfg.State.Backend, cfg.State.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if workflowArg != "" {
		exec, err := store.Get(ctx, core.WorkflowID(workflowArg))
		if err != nil {
			return err
		}
		return printWorkflow(exec)
	}
	if statusTaskID != "" {
		exec, err := store.GetByTask(ctx, statusTaskID)
		if err != nil {
			return err
		}
		return printWorkflow(exec)
	}

	list, err := store.List(ctx)
	if err != nil {
		return err
	}
	if statusJSON {
		return outputJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No registered workflows")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKFLOW\tTASK\tSTATUS\tPID\tAGE\tBRANCH")
	fmt.Fprintln(w, "--------\t----\t------\t---\t---\t------")
	for _, exec := range list {
		pid := "-"
		if exec.PID > 0 {
			pid = fmt.Sprintf("%d", exec.PID)
		}
		age := time.Since(exec.StartedAt).Round(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			exec.ID, exec.TaskID, exec.Status, pid, age, exec.Branch)
	}
	return w.Flush()
}

func printWorkflow(exec *core.ExecutionContext) error {
	if statusJSON {
		return outputJSON(exec)
	}

	fmt.Printf("Workflow: %s\n", exec.ID)
	fmt.Printf("Task:     %s (%s)\n", exec.TaskID, exec.TaskTitle)
	fmt.Printf("Status:   %s\n", exec.Status)
	if exec.WorktreePath != "" {
		fmt.Printf("Worktree: %s\n", exec.WorktreePath)
	}
	if exec.Branch != "" {
		fmt.Printf("Branch:   %s\n", exec.Branch)
	}
	if exec.PID > 0 {
		fmt.Printf("PID:      %d\n", exec.PID)
	}
	fmt.Printf("Started:  %s\n", exec.StartedAt.Format(time.RFC3339))
	fmt.Printf("Activity: %s\n", exec.LastActivity.Format(time.RFC3339))
	if exec.Error != "" {
		fmt.Printf("Error:    %s\n", exec.Error)
	}

	if len(exec.Events) > 0 {
		fmt.Println("\nRecent events:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, ev := range exec.Events {
			fmt.Fprintf(w, "  %s\t%s\n", ev.Time.Format(time.RFC3339), ev.Type)
		}
		w.Flush()
	}
	return nil
}
