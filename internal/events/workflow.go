package events

import "time"

// Event type constants for workflow lifecycle events.
const (
	TypeWorkflowStarted   = "workflow.started"
	TypeWorkflowPaused    = "workflow.paused"
	TypeWorkflowResumed   = "workflow.resumed"
	TypeWorkflowCompleted = "workflow.completed"
	TypeWorkflowFailed    = "workflow.failed"
)

// WorkflowStartedEvent is emitted once a workflow's process is running.
type WorkflowStartedEvent struct {
	BaseEvent
	WorktreePath string `json:"worktree_path"`
	Branch       string `json:"branch"`
	PID          int    `json:"pid"`
}

// NewWorkflowStartedEvent creates a new workflow started event.
func NewWorkflowStartedEvent(workflowID, taskID, worktreePath, branch string, pid int) WorkflowStartedEvent {
	return WorkflowStartedEvent{
		BaseEvent:    NewBaseEvent(TypeWorkflowStarted, workflowID, taskID),
		WorktreePath: worktreePath,
		Branch:       branch,
		PID:          pid,
	}
}

func (e WorkflowStartedEvent) Payload() map[string]any {
	return map[string]any{
		"worktree_path": e.WorktreePath,
		"branch":        e.Branch,
		"pid":           e.PID,
	}
}

// WorkflowPausedEvent is emitted on an operator-triggered pause.
type WorkflowPausedEvent struct {
	BaseEvent
}

// NewWorkflowPausedEvent creates a new workflow paused event.
func NewWorkflowPausedEvent(workflowID, taskID string) WorkflowPausedEvent {
	return WorkflowPausedEvent{BaseEvent: NewBaseEvent(TypeWorkflowPaused, workflowID, taskID)}
}

// WorkflowResumedEvent is emitted when a paused workflow resumes.
type WorkflowResumedEvent struct {
	BaseEvent
}

// NewWorkflowResumedEvent creates a new workflow resumed event.
func NewWorkflowResumedEvent(workflowID, taskID string) WorkflowResumedEvent {
	return WorkflowResumedEvent{BaseEvent: NewBaseEvent(TypeWorkflowResumed, workflowID, taskID)}
}

// WorkflowCompletedEvent is emitted when a workflow reaches a terminal status
// through an explicit stop. Status distinguishes completed from cancelled.
type WorkflowCompletedEvent struct {
	BaseEvent
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
}

// NewWorkflowCompletedEvent creates a new workflow completed event.
func NewWorkflowCompletedEvent(workflowID, taskID, status string, duration time.Duration) WorkflowCompletedEvent {
	return WorkflowCompletedEvent{
		BaseEvent: NewBaseEvent(TypeWorkflowCompleted, workflowID, taskID),
		Status:    status,
		Duration:  duration,
	}
}

func (e WorkflowCompletedEvent) Payload() map[string]any {
	return map[string]any{
		"status":      e.Status,
		"duration_ms": e.Duration.Milliseconds(),
	}
}

// WorkflowFailedEvent is emitted when a workflow fails, including timeout and
// crash recovery. This is a PRIORITY event - never dropped.
type WorkflowFailedEvent struct {
	BaseEvent
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// NewWorkflowFailedEvent creates a new workflow failed event.
func NewWorkflowFailedEvent(workflowID, taskID, status, reason string) WorkflowFailedEvent {
	return WorkflowFailedEvent{
		BaseEvent: NewBaseEvent(TypeWorkflowFailed, workflowID, taskID),
		Status:    status,
		Reason:    reason,
	}
}

func (e WorkflowFailedEvent) Payload() map[string]any {
	return map[string]any{
		"status": e.Status,
		"reason": e.Reason,
	}
}
