package state

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mvidalgarcia/taskdock/internal/core"
)

// storeFactories lets the same contract tests run against both backends.
var storeFactories = map[string]func(t *testing.T) core.StateStore{
	"json": func(t *testing.T) core.StateStore {
		return NewJSONStore(filepath.Join(t.TempDir(), "state.json"))
	},
	"sqlite": func(t *testing.T) core.StateStore {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
		if err != nil {
			t.Fatalf("NewSQLiteStore() error = %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	},
}

func newTestContext(taskID string) *core.ExecutionContext {
	task := &core.Task{
		ID:           taskID,
		Title:        "Test task " + taskID,
		Dependencies: []string{"dep-of-" + taskID},
	}
	return core.NewExecutionContext(task, "/tmp/project")
}

func TestStore_RegisterAndGet(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			rec := newTestContext("task-1")
			id, err := store.Register(ctx, rec, 3)
			if err != nil {
				t.Fatalf("Register() error = %v", err)
			}
			if id == "" {
				t.Fatal("Register() returned empty ID")
			}
			if rec.ID != id {
				t.Errorf("caller record ID = %q, want %q", rec.ID, id)
			}

			got, err := store.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.TaskID != "task-1" {
				t.Errorf("TaskID = %q, want task-1", got.TaskID)
			}
			if got.Status != core.WorkflowStatusPending {
				t.Errorf("Status = %q, want pending", got.Status)
			}
			if got.StartedAt.IsZero() {
				t.Error("StartedAt should be set")
			}
			if len(got.Dependencies) != 1 || got.Dependencies[0] != "dep-of-task-1" {
				t.Errorf("Dependencies = %v, want round trip", got.Dependencies)
			}
		})
	}
}

func TestStore_Register_TaskExclusivity(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			if _, err := store.Register(ctx, newTestContext("task-1"), 3); err != nil {
				t.Fatalf("first Register() error = %v", err)
			}

			_, err := store.Register(ctx, newTestContext("task-1"), 3)
			if !core.HasCode(err, "TASK_ALREADY_EXECUTING") {
				t.Fatalf("second Register() error = %v, want TASK_ALREADY_EXECUTING", err)
			}
		})
	}
}

func TestStore_Register_TerminalFreesTask(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			id, err := store.Register(ctx, newTestContext("task-1"), 3)
			if err != nil {
				t.Fatalf("Register() error = %v", err)
			}
			if err := store.UpdateStatus(ctx, id, core.WorkflowStatusFailed); err != nil {
				t.Fatalf("UpdateStatus() error = %v", err)
			}

			// Terminal record releases the slot; re-execution is allowed.
			if _, err := store.Register(ctx, newTestContext("task-1"), 3); err != nil {
				t.Fatalf("re-Register() error = %v", err)
			}
		})
	}
}

func TestStore_Register_Capacity(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			for i := 0; i < 2; i++ {
				rec := newTestContext(fmt.Sprintf("task-%d", i))
				id, err := store.Register(ctx, rec, 2)
				if err != nil {
					t.Fatalf("Register(%d) error = %v", i, err)
				}
				if err := store.UpdateStatus(ctx, id, core.WorkflowStatusRunning); err != nil {
					t.Fatalf("UpdateStatus(%d) error = %v", i, err)
				}
			}

			_, err := store.Register(ctx, newTestContext("task-overflow"), 2)
			if !core.HasCode(err, "MAX_CONCURRENT_WORKFLOWS") {
				t.Fatalf("Register() error = %v, want MAX_CONCURRENT_WORKFLOWS", err)
			}

			// Paused workflows do not count against capacity.
			running, err := store.ListByStatus(ctx, core.WorkflowStatusRunning)
			if err != nil {
				t.Fatalf("ListByStatus() error = %v", err)
			}
			if err := store.UpdateStatus(ctx, running[0].ID, core.WorkflowStatusPaused); err != nil {
				t.Fatalf("UpdateStatus() error = %v", err)
			}
			if _, err := store.Register(ctx, newTestContext("task-overflow"), 2); err != nil {
				t.Fatalf("Register() after pause error = %v", err)
			}
		})
	}
}

func TestStore_Register_PendingHoldsSlot(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			// No status update between registrations: the first record is
			// still pending and must already occupy the only slot.
			if _, err := store.Register(ctx, newTestContext("task-a"), 1); err != nil {
				t.Fatalf("Register(task-a) error = %v", err)
			}
			_, err := store.Register(ctx, newTestContext("task-b"), 1)
			if !core.HasCode(err, "MAX_CONCURRENT_WORKFLOWS") {
				t.Fatalf("Register(task-b) error = %v, want MAX_CONCURRENT_WORKFLOWS", err)
			}

			count, err := store.RunningCount(ctx)
			if err != nil {
				t.Fatalf("RunningCount() error = %v", err)
			}
			if count > 1 {
				t.Fatalf("RunningCount() = %d with a ceiling of 1", count)
			}
		})
	}
}

func TestStore_Register_ConcurrentAdmission(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			const attempts = 8
			var wg sync.WaitGroup
			var admitted int64
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					rec := newTestContext(fmt.Sprintf("task-%d", i))
					if _, err := store.Register(ctx, rec, 1); err == nil {
						atomic.AddInt64(&admitted, 1)
					}
				}(i)
			}
			wg.Wait()

			if admitted != 1 {
				t.Fatalf("admitted = %d workflows with a ceiling of 1", admitted)
			}
		})
	}
}

func TestStore_Update(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			id, err := store.Register(ctx, newTestContext("task-1"), 3)
			if err != nil {
				t.Fatalf("Register() error = %v", err)
			}

			worktree := "/tmp/worktrees/task-1"
			branch := "taskdock/task-task-1"
			pid := 4242
			status := core.WorkflowStatusRunning
			updated, err := store.Update(ctx, id, core.ContextUpdate{
				Status:       &status,
				WorktreePath: &worktree,
				Branch:       &branch,
				PID:          &pid,
			})
			if err != nil {
				t.Fatalf("Update() error = %v", err)
			}
			if updated.WorktreePath != worktree || updated.Branch != branch || updated.PID != pid {
				t.Errorf("Update() did not merge fields: %+v", updated)
			}
			if updated.Status != core.WorkflowStatusRunning {
				t.Errorf("Status = %q, want running", updated.Status)
			}

			got, err := store.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.PID != pid {
				t.Errorf("persisted PID = %d, want %d", got.PID, pid)
			}
		})
	}
}

func TestStore_Update_NotFound(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)

			_, err := store.Update(context.Background(), "wf-missing", core.StatusUpdate(core.WorkflowStatusRunning))
			if !core.HasCode(err, "WORKFLOW_NOT_FOUND") {
				t.Fatalf("Update() error = %v, want WORKFLOW_NOT_FOUND", err)
			}
		})
	}
}

func TestStore_Unregister(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			id, err := store.Register(ctx, newTestContext("task-1"), 3)
			if err != nil {
				t.Fatalf("Register() error = %v", err)
			}

			if err := store.Unregister(ctx, id); err != nil {
				t.Fatalf("Unregister() error = %v", err)
			}
			if _, err := store.Get(ctx, id); !core.HasCode(err, "WORKFLOW_NOT_FOUND") {
				t.Fatalf("Get() after unregister error = %v, want WORKFLOW_NOT_FOUND", err)
			}
			if err := store.Unregister(ctx, id); !core.HasCode(err, "WORKFLOW_NOT_FOUND") {
				t.Fatalf("double Unregister() error = %v, want WORKFLOW_NOT_FOUND", err)
			}
		})
	}
}

func TestStore_RecordEvent(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			id, err := store.Register(ctx, newTestContext("task-1"), 3)
			if err != nil {
				t.Fatalf("Register() error = %v", err)
			}

			for i := 0; i < 3; i++ {
				err := store.RecordEvent(ctx, core.WorkflowEvent{
					Type:       "process.output",
					WorkflowID: id,
					TaskID:     "task-1",
					Data:       map[string]any{"line": fmt.Sprintf("line %d", i)},
				})
				if err != nil {
					t.Fatalf("RecordEvent(%d) error = %v", i, err)
				}
			}

			got, err := store.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if len(got.Events) != 3 {
				t.Fatalf("len(Events) = %d, want 3", len(got.Events))
			}
			if got.Events[0].Type != "process.output" {
				t.Errorf("event type = %q", got.Events[0].Type)
			}

			// Unknown workflow is a silent drop, not an error.
			err = store.RecordEvent(ctx, core.WorkflowEvent{
				Type: "process.output", WorkflowID: "wf-missing",
			})
			if err != nil {
				t.Fatalf("RecordEvent(unknown) error = %v", err)
			}
		})
	}
}

func TestStore_RecordEvent_TailCap(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			id, err := store.Register(ctx, newTestContext("task-1"), 3)
			if err != nil {
				t.Fatalf("Register() error = %v", err)
			}

			for i := 0; i < maxEventTail+20; i++ {
				err := store.RecordEvent(ctx, core.WorkflowEvent{
					Type:       "process.output",
					WorkflowID: id,
					Data:       map[string]any{"n": i},
				})
				if err != nil {
					t.Fatalf("RecordEvent(%d) error = %v", i, err)
				}
			}

			got, err := store.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if len(got.Events) != maxEventTail {
				t.Fatalf("len(Events) = %d, want %d", len(got.Events), maxEventTail)
			}
			// Oldest entries were trimmed.
			first := got.Events[0].Data["n"]
			if fmt.Sprint(first) != "20" {
				t.Errorf("first retained event n = %v, want 20", first)
			}
		})
	}
}

func TestStore_QueriesAndClear(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			id1, err := store.Register(ctx, newTestContext("task-1"), 5)
			if err != nil {
				t.Fatalf("Register() error = %v", err)
			}
			if _, err := store.Register(ctx, newTestContext("task-2"), 5); err != nil {
				t.Fatalf("Register() error = %v", err)
			}
			if err := store.UpdateStatus(ctx, id1, core.WorkflowStatusRunning); err != nil {
				t.Fatalf("UpdateStatus() error = %v", err)
			}

			all, err := store.List(ctx)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("len(List()) = %d, want 2", len(all))
			}

			running, err := store.ListByStatus(ctx, core.WorkflowStatusRunning)
			if err != nil {
				t.Fatalf("ListByStatus() error = %v", err)
			}
			if len(running) != 1 || running[0].ID != id1 {
				t.Fatalf("ListByStatus(running) = %+v", running)
			}

			active, err := store.HasActive(ctx, "task-1")
			if err != nil || !active {
				t.Fatalf("HasActive(task-1) = %v, %v; want true", active, err)
			}
			active, err = store.HasActive(ctx, "task-3")
			if err != nil || active {
				t.Fatalf("HasActive(task-3) = %v, %v; want false", active, err)
			}

			count, err := store.RunningCount(ctx)
			if err != nil || count != 1 {
				t.Fatalf("RunningCount() = %d, %v; want 1", count, err)
			}

			byTask, err := store.GetByTask(ctx, "task-1")
			if err != nil || byTask.ID != id1 {
				t.Fatalf("GetByTask(task-1) = %+v, %v", byTask, err)
			}

			if err := store.Clear(ctx); err != nil {
				t.Fatalf("Clear() error = %v", err)
			}
			all, err = store.List(ctx)
			if err != nil {
				t.Fatalf("List() after clear error = %v", err)
			}
			if len(all) != 0 {
				t.Fatalf("len(List()) after clear = %d, want 0", len(all))
			}
		})
	}
}
