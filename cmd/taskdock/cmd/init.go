package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mvidalgarcia/taskdock/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize taskdock in the current repository",
	Long: `Initialize creates the .taskdock directory with a commented starter
configuration file. Run it once at the repository root.`,
	RunE: runInit,
}

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing configuration")
}

func runInit(_ *cobra.Command, _ []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	path, err := config.WriteStarter(filepath.Join(cwd, config.DefaultDir), initForce)
	if err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Edit agent.path to point at your agent executable, then add tasks")
	fmt.Printf("to %s and start one with 'taskdock run --task <id>'.\n", config.DefaultTasksFile)
	return nil
}
