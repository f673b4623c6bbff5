package executor

import (
	"strings"

	"github.com/mvidalgarcia/taskdock/internal/core"
)

// renderPrompt builds the initial agent prompt from the task snapshot. The
// rendering is deterministic: the same record always yields the same prompt.
func renderPrompt(rec *core.ExecutionContext) string {
	var b strings.Builder

	b.WriteString("Task " + rec.TaskID + ": " + rec.TaskTitle + "\n")

	if rec.TaskDescription != "" {
		b.WriteString("\n" + strings.TrimSpace(rec.TaskDescription) + "\n")
	}
	if rec.TaskDetails != "" {
		b.WriteString("\nImplementation details:\n" + strings.TrimSpace(rec.TaskDetails) + "\n")
	}
	if rec.TestStrategy != "" {
		b.WriteString("\nTest strategy:\n" + strings.TrimSpace(rec.TestStrategy) + "\n")
	}
	if len(rec.Dependencies) > 0 {
		b.WriteString("\nThis task depends on: " + strings.Join(rec.Dependencies, ", ") + "\n")
	}

	b.WriteString("\nWork inside the current directory. It is an isolated git worktree on branch " + rec.Branch + ".\n")

	return b.String()
}
