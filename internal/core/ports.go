package core

import (
	"context"
	"time"
)

// =============================================================================
// StateStore Port
// =============================================================================

// StateStore is the durable registry of workflow records. Implementations
// must make every write atomic from the caller's view: readers never observe
// a half-written record, and storage failures propagate as errors without
// corrupting existing records.
type StateStore interface {
	// Load hydrates the in-memory view from the durable store.
	Load(ctx context.Context) error

	// Clear wipes all records.
	Clear(ctx context.Context) error

	// Register performs admission and registration as one atomic step:
	// it rejects with a capacity error when the number of workflows in
	// pending, initializing, or running state has reached maxConcurrent,
	// rejects with
	// TASK_ALREADY_EXECUTING when the task already has a non-terminal
	// workflow, and otherwise assigns a collision-free workflow ID and
	// persists the record before returning.
	Register(ctx context.Context, rec *ExecutionContext, maxConcurrent int) (WorkflowID, error)

	// Update merges the given fields into the record and refreshes its
	// last-activity timestamp.
	Update(ctx context.Context, id WorkflowID, update ContextUpdate) (*ExecutionContext, error)

	// UpdateStatus transitions only the status field.
	UpdateStatus(ctx context.Context, id WorkflowID, status WorkflowStatus) error

	// Unregister deletes the record. Only valid once a terminal status has
	// been reached and handled.
	Unregister(ctx context.Context, id WorkflowID) error

	// RecordEvent appends to the workflow's audit tail.
	RecordEvent(ctx context.Context, ev WorkflowEvent) error

	Get(ctx context.Context, id WorkflowID) (*ExecutionContext, error)
	GetByTask(ctx context.Context, taskID string) (*ExecutionContext, error)
	List(ctx context.Context) ([]*ExecutionContext, error)
	ListByStatus(ctx context.Context, status WorkflowStatus) ([]*ExecutionContext, error)
	HasActive(ctx context.Context, taskID string) (bool, error)
	RunningCount(ctx context.Context) (int, error)

	Close() error
}

// =============================================================================
// WorktreeManager Port
// =============================================================================

// WorktreeInfo describes one isolated checkout, one-to-one with an on-disk
// worktree.
type WorktreeInfo struct {
	TaskID    string    `json:"task_id"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	CreatedAt time.Time `json:"created_at"`
}

// WorktreeManager allocates and reclaims isolated per-task checkouts.
type WorktreeManager interface {
	// Create adds a checkout for the task. An empty branch derives one from
	// the task ID. Fails when a worktree already occupies the task's path.
	Create(ctx context.Context, taskID, branch string) (*WorktreeInfo, error)

	// Remove deletes the task's checkout. Without force it fails when the
	// checkout has uncommitted changes. Removing an absent worktree is a
	// no-op.
	Remove(ctx context.Context, taskID string, force bool) error

	// List enumerates the checkouts under this manager's base directory.
	List(ctx context.Context) ([]*WorktreeInfo, error)

	// CleanupAll removes every managed worktree and prunes stale entries.
	CleanupAll(ctx context.Context, force bool) error
}

// =============================================================================
// Sandbox Port
// =============================================================================

// ProcessHandle identifies a supervised external process.
type ProcessHandle struct {
	WorkflowID WorkflowID
	TaskID     string
	PID        int
	StartedAt  time.Time
}

// StartProcessOptions configures one sandboxed process launch.
type StartProcessOptions struct {
	WorkflowID WorkflowID
	TaskID     string
	Prompt     string
	Dir        string
	Timeout    time.Duration
	Env        map[string]string
}

// Sandbox spawns and supervises at most one external process per workflow.
type Sandbox interface {
	// Start launches the agent executable. Spawn failures surface
	// synchronously as process errors; exits after a successful start are
	// reported as events, never as panics on the supervising call stack.
	Start(ctx context.Context, opts StartProcessOptions) (*ProcessHandle, error)

	// SendInput writes to the running process's stdin.
	SendInput(workflowID WorkflowID, input string) error

	// Stop requests graceful termination, escalating to a kill after the
	// grace period or immediately when force is set.
	Stop(ctx context.Context, workflowID WorkflowID, force bool) error

	IsRunning(workflowID WorkflowID) bool

	// CleanupAll stops every tracked process.
	CleanupAll(ctx context.Context, force bool) error
}
