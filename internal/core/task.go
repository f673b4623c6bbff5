package core

import "strings"

// Task is a read-only snapshot of a unit of work owned by an external task
// registry. The orchestrator never mutates the registry; it copies the fields
// it needs into the workflow context at start time.
type Task struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Details      string   `json:"details,omitempty"`
	TestStrategy string   `json:"testStrategy,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Validate checks that the task carries the minimum fields needed to start a
// workflow for it.
func (t *Task) Validate() error {
	if t == nil {
		return ErrValidation("TASK_REQUIRED", "task cannot be nil")
	}
	if strings.TrimSpace(t.ID) == "" {
		return ErrValidation("TASK_ID_REQUIRED", "task ID cannot be empty")
	}
	if strings.TrimSpace(t.Title) == "" {
		return ErrValidation("TASK_TITLE_REQUIRED", "task title cannot be empty")
	}
	return nil
}
