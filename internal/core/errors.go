package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatWorkflow   ErrorCategory = "workflow"   // Lifecycle precondition violated
	ErrCatCapacity   ErrorCategory = "capacity"   // Admission rejected
	ErrCatWorktree   ErrorCategory = "worktree"   // Version-control operation failed
	ErrCatProcess    ErrorCategory = "process"    // Spawn or IO failure
	ErrCatTimeout    ErrorCategory = "timeout"    // Wall clock exceeded
	ErrCatState      ErrorCategory = "state"      // State corruption/conflict
	ErrCatNotFound   ErrorCategory = "not_found"  // Lookup miss
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError is the structured error used across the orchestrator. Every
// error carries enough context (task id, workflow id, underlying cause) for a
// caller to decide whether to retry, inspect the worktree, or discard the
// workflow.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]any
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches on category and code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value any) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Error codes used throughout the orchestrator.
const (
	CodeTaskAlreadyExecuting   = "TASK_ALREADY_EXECUTING"
	CodeMaxConcurrentWorkflows = "MAX_CONCURRENT_WORKFLOWS"
	CodeWorkflowNotFound       = "WORKFLOW_NOT_FOUND"
	CodeWorkflowNotRunning     = "WORKFLOW_NOT_RUNNING"
	CodeWorkflowNotPaused      = "WORKFLOW_NOT_PAUSED"
	CodeWorkflowNotActive      = "WORKFLOW_NOT_ACTIVE"
	CodeWorkflowTimeout        = "WORKFLOW_TIMEOUT"
	CodeWorktreeExists         = "WORKTREE_EXISTS"
	CodeWorktreeDirty          = "WORKTREE_DIRTY"
	CodeWorktreeCommand        = "WORKTREE_COMMAND_FAILED"
	CodeProcessSpawn           = "PROCESS_SPAWN_FAILED"
	CodeProcessNotRunning      = "PROCESS_NOT_RUNNING"
	CodeProcessInput           = "PROCESS_INPUT_FAILED"
	CodeStateCorrupted         = "STATE_CORRUPTED"
)

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatValidation,
		Code:     code,
		Message:  message,
	}
}

// ErrWorkflow creates a generic workflow lifecycle error.
func ErrWorkflow(code, message string, workflowID WorkflowID, taskID string) *DomainError {
	e := &DomainError{
		Category: ErrCatWorkflow,
		Code:     code,
		Message:  message,
	}
	if workflowID != "" {
		e.WithDetail("workflow_id", string(workflowID))
	}
	if taskID != "" {
		e.WithDetail("task_id", taskID)
	}
	return e
}

// ErrTaskAlreadyExecuting rejects a second concurrent workflow for a task.
func ErrTaskAlreadyExecuting(taskID string, existing WorkflowID) *DomainError {
	return ErrWorkflow(CodeTaskAlreadyExecuting,
		fmt.Sprintf("task %s already has an active workflow", taskID),
		existing, taskID)
}

// ErrMaxConcurrentWorkflows rejects admission at the concurrency ceiling.
func ErrMaxConcurrentWorkflows(limit int) *DomainError {
	return &DomainError{
		Category:  ErrCatCapacity,
		Code:      CodeMaxConcurrentWorkflows,
		Message:   fmt.Sprintf("maximum concurrent workflows (%d) reached", limit),
		Retryable: true,
		Details:   map[string]any{"limit": limit},
	}
}

// ErrWorkflowNotFound reports a lookup miss.
func ErrWorkflowNotFound(id WorkflowID) *DomainError {
	return &DomainError{
		Category: ErrCatNotFound,
		Code:     CodeWorkflowNotFound,
		Message:  fmt.Sprintf("workflow not found: %s", id),
		Details:  map[string]any{"workflow_id": string(id)},
	}
}

// ErrWorktree reports a failed version-control operation, keeping the task id
// and the underlying command output for diagnostics.
func ErrWorktree(code, message, taskID, output string) *DomainError {
	e := &DomainError{
		Category: ErrCatWorktree,
		Code:     code,
		Message:  message,
	}
	if taskID != "" {
		e.WithDetail("task_id", taskID)
	}
	if output != "" {
		e.WithDetail("output", output)
	}
	return e
}

// ErrProcess reports a sandbox spawn or IO failure.
func ErrProcess(code, message string, workflowID WorkflowID) *DomainError {
	e := &DomainError{
		Category: ErrCatProcess,
		Code:     code,
		Message:  message,
	}
	if workflowID != "" {
		e.WithDetail("workflow_id", string(workflowID))
	}
	return e
}

// ErrWorkflowTimeout reports a wall-clock timeout.
func ErrWorkflowTimeout(workflowID WorkflowID, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      CodeWorkflowTimeout,
		Message:   message,
		Retryable: true,
		Details:   map[string]any{"workflow_id": string(workflowID)},
	}
}

// ErrState creates a state corruption/conflict error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatState,
		Code:     code,
		Message:  message,
	}
}

// GetCategory extracts the error category, defaulting to internal.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// HasCode checks if an error carries the given code.
func HasCode(err error, code string) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}
