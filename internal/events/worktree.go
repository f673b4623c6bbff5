package events

// Event type constants for worktree events. Worktree events carry no
// workflow ID: checkouts are keyed by task.
const (
	TypeWorktreeCreated = "worktree.created"
	TypeWorktreeDeleted = "worktree.deleted"
)

// WorktreeCreatedEvent is emitted when an isolated checkout is added.
type WorktreeCreatedEvent struct {
	BaseEvent
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// NewWorktreeCreatedEvent creates a new worktree created event.
func NewWorktreeCreatedEvent(taskID, path, branch string) WorktreeCreatedEvent {
	return WorktreeCreatedEvent{
		BaseEvent: NewBaseEvent(TypeWorktreeCreated, "", taskID),
		Path:      path,
		Branch:    branch,
	}
}

func (e WorktreeCreatedEvent) Payload() map[string]any {
	return map[string]any{"path": e.Path, "branch": e.Branch}
}

// WorktreeDeletedEvent is emitted when a checkout is removed.
type WorktreeDeletedEvent struct {
	BaseEvent
	Path   string `json:"path"`
	Forced bool   `json:"forced"`
}

// NewWorktreeDeletedEvent creates a new worktree deleted event.
func NewWorktreeDeletedEvent(taskID, path string, forced bool) WorktreeDeletedEvent {
	return WorktreeDeletedEvent{
		BaseEvent: NewBaseEvent(TypeWorktreeDeleted, "", taskID),
		Path:      path,
		Forced:    forced,
	}
}

func (e WorktreeDeletedEvent) Payload() map[string]any {
	return map[string]any{"path": e.Path, "forced": e.Forced}
}
