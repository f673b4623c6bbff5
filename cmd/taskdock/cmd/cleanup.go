package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Stop all workflows and remove all managed worktrees",
	Long: `Cleanup stops every running agent process, removes every managed worktree,
prunes stale worktree metadata, and clears the workflow registry. Worktrees
with uncommitted changes are skipped unless --force is given.`,
	RunE: runCleanup,
}

var cleanupForce bool

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupForce, "force", false,
		"also remove worktrees with uncommitted changes")
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	mgr, teardown, err := newManager(ctx)
	if err != nil {
		return err
	}
	defer teardown()

	if err := mgr.Cleanup(ctx, cleanupForce); err != nil {
		return err
	}
	fmt.Println("Cleanup complete")
	return nil
}
