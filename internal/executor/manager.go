// Package executor coordinates task execution: admission, worktree
// allocation, process supervision, lifecycle transitions, and recovery.
package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	gops "github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/mvidalgarcia/taskdock/internal/config"
	"github.com/mvidalgarcia/taskdock/internal/core"
	"github.com/mvidalgarcia/taskdock/internal/events"
	"github.com/mvidalgarcia/taskdock/internal/logging"
)

// Options configures a Manager. Config, Store, Worktrees, Sandbox, and Bus
// are required.
type Options struct {
	Config      *config.Config
	Logger      *logging.Logger
	Bus         *events.Bus
	Store       core.StateStore
	Worktrees   core.WorktreeManager
	Sandbox     core.Sandbox
	ProjectRoot string
}

// StartOptions tunes a single task execution.
type StartOptions struct {
	// Branch overrides the derived worktree branch name.
	Branch string
	// Timeout overrides the configured workflow timeout.
	Timeout time.Duration
}

// Manager is the task execution orchestrator. New returns it fully
// initialized: state loaded, crashed workflows recovered, and the event loop
// running.
type Manager struct {
	cfg         *config.Config
	log         *logging.Logger
	bus         *events.Bus
	store       core.StateStore
	worktrees   core.WorktreeManager
	sandbox     core.Sandbox
	projectRoot string

	auditCh    <-chan events.Event
	criticalCh <-chan events.Event
	cancel     context.CancelFunc
	loopDone   chan struct{}
}

// New builds a Manager, loads persisted state, runs the recover phase, and
// starts the event loop. The returned manager is ready for use.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Config == nil || opts.Store == nil || opts.Worktrees == nil ||
		opts.Sandbox == nil || opts.Bus == nil {
		return nil, core.ErrValidation("INCOMPLETE_OPTIONS",
			"config, store, worktrees, sandbox and bus are required")
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewNop()
	}

	m := &Manager{
		cfg:         opts.Config,
		log:         log.WithComponent("executor"),
		bus:         opts.Bus,
		store:       opts.Store,
		worktrees:   opts.Worktrees,
		sandbox:     opts.Sandbox,
		projectRoot: opts.ProjectRoot,
		loopDone:    make(chan struct{}),
	}

	if err := m.store.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading workflow state: %w", err)
	}

	if err := m.recover(ctx); err != nil {
		return nil, fmt.Errorf("recovering workflows: %w", err)
	}

	m.auditCh = m.bus.Subscribe(
		events.TypeProcessStarted,
		events.TypeProcessOutput,
		events.TypeWorktreeCreated,
		events.TypeWorktreeDeleted,
		events.TypeWorkflowStarted,
		events.TypeWorkflowPaused,
		events.TypeWorkflowResumed,
		events.TypeWorkflowCompleted,
		events.TypeWorkflowFailed,
	)
	m.criticalCh = m.bus.SubscribePriority()

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.eventLoop(loopCtx)

	return m, nil
}

// Close stops the event loop. It does not stop running workflows; use
// Cleanup for that.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
		<-m.loopDone
	}
}

// recover reconciles persisted records with reality after a restart. A
// non-terminal record whose process is gone is marked failed and its
// worktree reclaimed. Records whose process is still alive are left
// untouched; they belong to the supervisor that spawned them.
func (m *Manager) recover(ctx context.Context) error {
	records, err := m.store.List(ctx)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if rec.Status.IsTerminal() {
			continue
		}
		if m.sandbox.IsRunning(rec.ID) {
			continue
		}
		if rec.PID > 0 {
			if alive, _ := gops.PidExists(int32(rec.PID)); alive {
				continue
			}
		}

		reason := "no live process found after restart"

		m.log.Warn("recovering crashed workflow",
			"workflow_id", string(rec.ID), "task_id", rec.TaskID,
			"status", string(rec.Status), "reason", reason)

		errMsg := reason
		status := core.WorkflowStatusFailed
		if _, err := m.store.Update(ctx, rec.ID, core.ContextUpdate{
			Status: &status,
			Error:  &errMsg,
		}); err != nil {
			return err
		}

		if err := m.worktrees.Remove(ctx, rec.TaskID, true); err != nil {
			m.log.Warn("removing worktree during recovery failed",
				"task_id", rec.TaskID, "error", err)
		}

		m.bus.Publish(events.NewWorkflowFailedEvent(
			string(rec.ID), rec.TaskID, string(core.WorkflowStatusFailed), reason))
	}

	return nil
}

// stopDetached signals a process spawned by a previous supervisor. The PID
// may have been recycled since the record was written, so before signaling
// the process must be non-terminal in the record, look like the agent
// executable, and postdate the workflow's registration.
func (m *Manager) stopDetached(rec *core.ExecutionContext, force bool) {
	if rec.PID <= 0 || rec.Status.IsTerminal() {
		return
	}
	p, err := gops.NewProcess(int32(rec.PID))
	if err != nil {
		return
	}
	name, err := p.Name()
	if err != nil || !strings.Contains(name, filepath.Base(m.cfg.Agent.Path)) {
		return
	}
	if created, err := p.CreateTime(); err == nil {
		if time.UnixMilli(created).Before(rec.StartedAt.Add(-time.Second)) {
			return
		}
	}
	if force {
		_ = p.Kill()
		return
	}
	_ = p.Terminate()
}

// eventLoop persists bus events into the audit trail and drives workflow
// transitions for critical process events.
func (m *Manager) eventLoop(ctx context.Context) {
	defer close(m.loopDone)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.auditCh:
			if !ok {
				return
			}
			m.recordEvent(ctx, ev)
		case ev, ok := <-m.criticalCh:
			if !ok {
				return
			}
			m.recordEvent(ctx, ev)
			if ev.EventType() == events.TypeProcessTimeout {
				m.handleTimeout(ctx, ev)
			}
		}
	}
}

// recordEvent appends a bus event to the owning workflow's audit tail.
// Worktree events carry only a task ID; they are attached to the task's
// active workflow when one exists.
func (m *Manager) recordEvent(ctx context.Context, ev events.Event) {
	workflowID := core.WorkflowID(ev.WorkflowID())
	if workflowID == "" {
		if ev.TaskID() == "" {
			return
		}
		rec, err := m.store.GetByTask(ctx, ev.TaskID())
		if err != nil || !rec.IsActive() {
			return
		}
		workflowID = rec.ID
	}

	err := m.store.RecordEvent(ctx, core.WorkflowEvent{
		Type:       ev.EventType(),
		WorkflowID: workflowID,
		TaskID:     ev.TaskID(),
		Time:       ev.Timestamp(),
		Data:       ev.Payload(),
	})
	if err != nil {
		m.log.Warn("recording event failed",
			"type", ev.EventType(), "workflow_id", string(workflowID), "error", err)
	}
}

// handleTimeout marks the workflow as timed out and reclaims its worktree.
// The record stays registered so the terminal status remains queryable.
func (m *Manager) handleTimeout(ctx context.Context, ev events.Event) {
	id := core.WorkflowID(ev.WorkflowID())

	rec, err := m.store.Get(ctx, id)
	if err != nil || rec.Status.IsTerminal() {
		return
	}

	errMsg := "workflow exceeded its timeout"
	status := core.WorkflowStatusTimeout
	if _, err := m.store.Update(ctx, id, core.ContextUpdate{
		Status: &status,
		Error:  &errMsg,
	}); err != nil {
		m.log.Error("marking workflow timed out failed",
			"workflow_id", string(id), "error", err)
		return
	}

	if err := m.worktrees.Remove(ctx, rec.TaskID, true); err != nil {
		m.log.Warn("removing worktree after timeout failed",
			"task_id", rec.TaskID, "error", err)
	}

	m.log.Warn("workflow timed out", "workflow_id", string(id), "task_id", rec.TaskID)
	m.bus.Publish(events.NewWorkflowFailedEvent(
		string(id), rec.TaskID, string(core.WorkflowStatusTimeout), errMsg))
}

// Start begins executing a task: admission and registration first, then
// worktree allocation, then process launch. A failure at any step undoes the
// earlier steps before the error is returned.
func (m *Manager) Start(ctx context.Context, task *core.Task, opts StartOptions) (*core.ExecutionContext, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}

	rec := core.NewExecutionContext(task, m.projectRoot)
	id, err := m.store.Register(ctx, rec, m.cfg.Workflow.MaxConcurrent)
	if err != nil {
		return nil, err
	}

	log := m.log.WithWorkflow(string(id)).WithTask(task.ID)
	log.Info("workflow registered", "title", task.Title)

	if err := m.store.UpdateStatus(ctx, id, core.WorkflowStatusInitializing); err != nil {
		m.rollbackStart(ctx, id, task.ID, false)
		return nil, err
	}

	wt, err := m.worktrees.Create(ctx, task.ID, opts.Branch)
	if err != nil {
		m.rollbackStart(ctx, id, task.ID, false)
		return nil, err
	}

	rec, err = m.store.Update(ctx, id, core.ContextUpdate{
		WorktreePath: &wt.Path,
		Branch:       &wt.Branch,
	})
	if err != nil {
		m.rollbackStart(ctx, id, task.ID, true)
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.Timeout()
	}

	handle, err := m.sandbox.Start(ctx, core.StartProcessOptions{
		WorkflowID: id,
		TaskID:     task.ID,
		Prompt:     renderPrompt(rec),
		Dir:        wt.Path,
		Timeout:    timeout,
	})
	if err != nil {
		m.rollbackStart(ctx, id, task.ID, true)
		return nil, err
	}

	status := core.WorkflowStatusRunning
	rec, err = m.store.Update(ctx, id, core.ContextUpdate{
		Status: &status,
		PID:    &handle.PID,
	})
	if err != nil {
		_ = m.sandbox.Stop(ctx, id, true)
		m.rollbackStart(ctx, id, task.ID, true)
		return nil, err
	}

	log.Info("workflow started", "pid", handle.PID, "worktree", wt.Path, "timeout", timeout.String())
	m.bus.Publish(events.NewWorkflowStartedEvent(
		string(id), task.ID, wt.Path, wt.Branch, handle.PID))

	return rec, nil
}

// rollbackStart undoes a partial start so no orphaned worktrees or
// registrations survive a failed launch.
func (m *Manager) rollbackStart(ctx context.Context, id core.WorkflowID, taskID string, removeWorktree bool) {
	if removeWorktree {
		if err := m.worktrees.Remove(ctx, taskID, true); err != nil {
			m.log.Warn("rollback: removing worktree failed", "task_id", taskID, "error", err)
		}
	}
	if err := m.store.Unregister(ctx, id); err != nil {
		m.log.Warn("rollback: unregistering workflow failed",
			"workflow_id", string(id), "error", err)
	}
}

// Stop finishes a workflow: the process is stopped if still running, the
// worktree reclaimed, and the record unregistered. A forced stop marks the
// workflow cancelled; a graceful one marks it completed. Stopping an unknown
// workflow is a no-op.
func (m *Manager) Stop(ctx context.Context, id core.WorkflowID, force bool) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		if core.HasCode(err, "WORKFLOW_NOT_FOUND") {
			return nil
		}
		return err
	}

	if m.sandbox.IsRunning(id) {
		if err := m.sandbox.Stop(ctx, id, force); err != nil {
			return err
		}
	} else {
		m.stopDetached(rec, force)
	}

	status := core.WorkflowStatusCompleted
	if force {
		status = core.WorkflowStatusCancelled
	}
	if err := m.store.UpdateStatus(ctx, id, status); err != nil {
		return err
	}

	if err := m.worktrees.Remove(ctx, rec.TaskID, true); err != nil {
		m.log.Warn("removing worktree on stop failed", "task_id", rec.TaskID, "error", err)
	}

	duration := time.Since(rec.StartedAt)
	m.log.Info("workflow stopped",
		"workflow_id", string(id), "task_id", rec.TaskID,
		"status", string(status), "duration", duration.String())
	m.bus.Publish(events.NewWorkflowCompletedEvent(
		string(id), rec.TaskID, string(status), duration))

	return m.store.Unregister(ctx, id)
}

// Pause suspends a running workflow. Only status changes; the process keeps
// its resources.
func (m *Manager) Pause(ctx context.Context, id core.WorkflowID) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != core.WorkflowStatusRunning {
		return core.ErrWorkflow("WORKFLOW_NOT_RUNNING",
			fmt.Sprintf("workflow is %s, not running", rec.Status), id, rec.TaskID)
	}

	if err := m.store.UpdateStatus(ctx, id, core.WorkflowStatusPaused); err != nil {
		return err
	}

	m.log.Info("workflow paused", "workflow_id", string(id), "task_id", rec.TaskID)
	m.bus.Publish(events.NewWorkflowPausedEvent(string(id), rec.TaskID))
	return nil
}

// Resume returns a paused workflow to running.
func (m *Manager) Resume(ctx context.Context, id core.WorkflowID) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != core.WorkflowStatusPaused {
		return core.ErrWorkflow("WORKFLOW_NOT_PAUSED",
			fmt.Sprintf("workflow is %s, not paused", rec.Status), id, rec.TaskID)
	}

	if err := m.store.UpdateStatus(ctx, id, core.WorkflowStatusRunning); err != nil {
		return err
	}

	m.log.Info("workflow resumed", "workflow_id", string(id), "task_id", rec.TaskID)
	m.bus.Publish(events.NewWorkflowResumedEvent(string(id), rec.TaskID))
	return nil
}

// SendInput forwards input to a running workflow's process.
func (m *Manager) SendInput(ctx context.Context, id core.WorkflowID, input string) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == core.WorkflowStatusTimeout {
		return core.ErrWorkflowTimeout(id, "workflow already timed out")
	}
	if rec.Status != core.WorkflowStatusRunning {
		return core.ErrWorkflow("WORKFLOW_NOT_RUNNING",
			fmt.Sprintf("workflow is %s, not running", rec.Status), id, rec.TaskID)
	}
	return m.sandbox.SendInput(id, input)
}

// Cleanup tears everything down: all processes stopped in parallel, all
// worktrees removed, the registry cleared.
func (m *Manager) Cleanup(ctx context.Context, force bool) error {
	records, err := m.store.List(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rec := range records {
		rec := rec
		if !m.sandbox.IsRunning(rec.ID) {
			m.stopDetached(rec, force)
			continue
		}
		g.Go(func() error {
			return m.sandbox.Stop(gctx, rec.ID, force)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := m.worktrees.CleanupAll(ctx, force); err != nil {
		return err
	}

	m.log.Info("cleanup finished", "workflows", len(records), "force", force)
	return m.store.Clear(ctx)
}

// Status returns the workflow record.
func (m *Manager) Status(ctx context.Context, id core.WorkflowID) (*core.ExecutionContext, error) {
	return m.store.Get(ctx, id)
}

// ByTask returns the task's workflow record, preferring an active one.
func (m *Manager) ByTask(ctx context.Context, taskID string) (*core.ExecutionContext, error) {
	return m.store.GetByTask(ctx, taskID)
}

// List returns all workflow records.
func (m *Manager) List(ctx context.Context) ([]*core.ExecutionContext, error) {
	return m.store.List(ctx)
}

// ListActive returns the non-terminal workflow records.
func (m *Manager) ListActive(ctx context.Context) ([]*core.ExecutionContext, error) {
	records, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	active := records[:0]
	for _, rec := range records {
		if rec.IsActive() {
			active = append(active, rec)
		}
	}
	return active, nil
}

// RunningCount returns the number of workflows counting against capacity.
func (m *Manager) RunningCount(ctx context.Context) (int, error) {
	return m.store.RunningCount(ctx)
}

// Subscribe exposes the unified event stream.
func (m *Manager) Subscribe(types ...string) <-chan events.Event {
	return m.bus.Subscribe(types...)
}
