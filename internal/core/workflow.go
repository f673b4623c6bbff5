package core

import "time"

// WorkflowID uniquely identifies one execution attempt of a task. One task
// may accumulate several workflow IDs over time, but never more than one
// non-terminal workflow at once.
type WorkflowID string

// WorkflowStatus represents the current state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending      WorkflowStatus = "pending"
	WorkflowStatusInitializing WorkflowStatus = "initializing"
	WorkflowStatusRunning      WorkflowStatus = "running"
	WorkflowStatusPaused       WorkflowStatus = "paused"
	WorkflowStatusCompleted    WorkflowStatus = "completed"
	WorkflowStatusFailed       WorkflowStatus = "failed"
	WorkflowStatusCancelled    WorkflowStatus = "cancelled"
	WorkflowStatusTimeout      WorkflowStatus = "timeout"
)

// IsTerminal reports whether the status is final.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed,
		WorkflowStatusCancelled, WorkflowStatusTimeout:
		return true
	}
	return false
}

// ExecutionContext is the persisted record of one workflow: which task it
// runs, where its worktree lives, which process backs it, and where it is in
// the lifecycle. Task fields are snapshotted at registration time so later
// edits in the task registry cannot change an in-flight prompt.
type ExecutionContext struct {
	ID              WorkflowID     `json:"id"`
	TaskID          string         `json:"task_id"`
	TaskTitle       string         `json:"task_title"`
	TaskDescription string         `json:"task_description,omitempty"`
	TaskDetails     string         `json:"task_details,omitempty"`
	TestStrategy    string         `json:"test_strategy,omitempty"`
	Dependencies    []string       `json:"dependencies,omitempty"`
	ProjectRoot     string         `json:"project_root"`
	WorktreePath    string         `json:"worktree_path,omitempty"`
	Branch          string         `json:"branch,omitempty"`
	PID             int            `json:"pid,omitempty"`
	Status          WorkflowStatus `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	LastActivity    time.Time      `json:"last_activity"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`

	// Events is a bounded audit tail, newest last. Append-only via
	// StateStore.RecordEvent; never rewritten.
	Events []WorkflowEvent `json:"events,omitempty"`
}

// NewExecutionContext snapshots a task into a fresh, unregistered context.
// The ID is assigned by the state store at registration.
func NewExecutionContext(task *Task, projectRoot string) *ExecutionContext {
	meta := map[string]any{}
	if task.Priority != "" {
		meta["priority"] = task.Priority
	}
	return &ExecutionContext{
		TaskID:          task.ID,
		TaskTitle:       task.Title,
		TaskDescription: task.Description,
		TaskDetails:     task.Details,
		TestStrategy:    task.TestStrategy,
		Dependencies:    append([]string(nil), task.Dependencies...),
		ProjectRoot:     projectRoot,
		Status:          WorkflowStatusPending,
		Metadata:        meta,
	}
}

// IsActive reports whether the workflow still occupies its task slot.
func (c *ExecutionContext) IsActive() bool {
	return !c.Status.IsTerminal()
}

// Clone returns a deep copy so callers cannot mutate store-owned records.
func (c *ExecutionContext) Clone() *ExecutionContext {
	out := *c
	if c.Dependencies != nil {
		out.Dependencies = append([]string(nil), c.Dependencies...)
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	if c.Events != nil {
		out.Events = append([]WorkflowEvent(nil), c.Events...)
	}
	return &out
}

// WorkflowEvent is one append-only audit entry recorded against a workflow.
type WorkflowEvent struct {
	Type       string         `json:"type"`
	WorkflowID WorkflowID     `json:"workflow_id"`
	TaskID     string         `json:"task_id,omitempty"`
	Time       time.Time      `json:"time"`
	Data       map[string]any `json:"data,omitempty"`
}

// ContextUpdate is a partial update merged into an ExecutionContext. Nil
// fields are left untouched; LastActivity is always refreshed by the store.
type ContextUpdate struct {
	Status       *WorkflowStatus
	WorktreePath *string
	Branch       *string
	PID          *int
	Error        *string
	Metadata     map[string]any
}

// StatusUpdate builds an update that only transitions status.
func StatusUpdate(status WorkflowStatus) ContextUpdate {
	return ContextUpdate{Status: &status}
}

// Apply merges the update into the context.
func (u ContextUpdate) Apply(c *ExecutionContext) {
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.WorktreePath != nil {
		c.WorktreePath = *u.WorktreePath
	}
	if u.Branch != nil {
		c.Branch = *u.Branch
	}
	if u.PID != nil {
		c.PID = *u.PID
	}
	if u.Error != nil {
		c.Error = *u.Error
	}
	if len(u.Metadata) > 0 {
		if c.Metadata == nil {
			c.Metadata = make(map[string]any, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			c.Metadata[k] = v
		}
	}
}
