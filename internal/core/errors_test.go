package core

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDomainError_Error(t *testing.T) {
	err := ErrWorkflow(CodeWorkflowNotRunning, "workflow is paused, not running", "wf-1", "1.2")
	msg := err.Error()
	if !strings.Contains(msg, "workflow") || !strings.Contains(msg, CodeWorkflowNotRunning) {
		t.Errorf("Error() = %q", msg)
	}

	cause := errors.New("pipe closed")
	withCause := ErrProcess(CodeProcessInput, "writing to stdin", "wf-1").WithCause(cause)
	if !strings.Contains(withCause.Error(), "pipe closed") {
		t.Errorf("Error() = %q, missing cause", withCause.Error())
	}
	if !errors.Is(withCause, cause) {
		t.Error("Unwrap chain lost the cause")
	}
}

func TestDomainError_Is(t *testing.T) {
	a := ErrTaskAlreadyExecuting("1.2", "wf-1")
	b := ErrTaskAlreadyExecuting("9.9", "wf-2")
	if !errors.Is(a, b) {
		t.Error("same category and code should match")
	}
	if errors.Is(a, ErrWorkflowNotFound("wf-1")) {
		t.Error("different code should not match")
	}
}

func TestErrorPredicates(t *testing.T) {
	capErr := ErrMaxConcurrentWorkflows(3)
	if !IsCategory(capErr, ErrCatCapacity) {
		t.Error("capacity category lost")
	}
	if !IsRetryable(capErr) {
		t.Error("admission rejection should be retryable")
	}
	if !HasCode(capErr, CodeMaxConcurrentWorkflows) {
		t.Error("code lost")
	}

	// Predicates see through fmt.Errorf wrapping.
	wrapped := fmt.Errorf("starting task: %w", capErr)
	if !HasCode(wrapped, CodeMaxConcurrentWorkflows) || !IsCategory(wrapped, ErrCatCapacity) {
		t.Error("predicates should unwrap")
	}

	plain := errors.New("boom")
	if GetCategory(plain) != ErrCatInternal {
		t.Errorf("GetCategory(plain) = %s", GetCategory(plain))
	}
	if IsRetryable(plain) || HasCode(plain, CodeStateCorrupted) {
		t.Error("plain errors carry no domain metadata")
	}
}

func TestDomainError_Details(t *testing.T) {
	err := ErrWorktree(CodeWorktreeDirty, "worktree has uncommitted changes", "1.2", "M main.go")
	if err.Details["task_id"] != "1.2" {
		t.Errorf("Details[task_id] = %v", err.Details["task_id"])
	}
	if err.Details["output"] != "M main.go" {
		t.Errorf("Details[output] = %v", err.Details["output"])
	}
}
