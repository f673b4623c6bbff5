// Package sandbox spawns and supervises external agent processes, one per
// workflow, with wall-clock timeouts and graceful termination.
package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mvidalgarcia/taskdock/internal/core"
	"github.com/mvidalgarcia/taskdock/internal/events"
	"github.com/mvidalgarcia/taskdock/internal/logging"
)

// Config holds sandbox configuration.
type Config struct {
	// AgentPath is the agent executable to launch.
	AgentPath string
	// AgentArgs are passed to every launch before per-workflow arguments.
	AgentArgs []string
	// GracePeriod bounds how long a graceful stop waits before killing.
	GracePeriod time.Duration
	// Env is applied on top of the parent environment for every launch.
	Env map[string]string
}

// process tracks one supervised agent process.
type process struct {
	handle   core.ProcessHandle
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	timer    *time.Timer
	done     chan struct{}
	exitCode int

	mu       sync.Mutex
	timedOut bool
	forced   bool
	stopped  bool
}

// Sandbox supervises at most one agent process per workflow.
type Sandbox struct {
	cfg Config
	log *logging.Logger
	bus *events.Bus

	mu    sync.Mutex
	procs map[core.WorkflowID]*process
}

// New creates a sandbox.
func New(cfg Config, bus *events.Bus, log *logging.Logger) *Sandbox {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Sandbox{
		cfg:   cfg,
		log:   log.WithComponent("sandbox"),
		bus:   bus,
		procs: make(map[core.WorkflowID]*process),
	}
}

// Start launches the agent executable for a workflow. The prompt is written
// to the process's stdin, which stays open for later input.
func (s *Sandbox) Start(ctx context.Context, opts core.StartProcessOptions) (*core.ProcessHandle, error) {
	if opts.WorkflowID == "" {
		return nil, core.ErrValidation("EMPTY_WORKFLOW_ID", "workflow ID is required")
	}

	agentPath, err := exec.LookPath(s.cfg.AgentPath)
	if err != nil {
		return nil, core.ErrProcess("PROCESS_SPAWN_FAILED",
			fmt.Sprintf("agent executable %q not found", s.cfg.AgentPath),
			opts.WorkflowID).WithCause(err)
	}

	// The lock is held from the duplicate check through the map insert so
	// two concurrent Start calls for one workflow cannot both spawn.
	s.mu.Lock()
	if _, exists := s.procs[opts.WorkflowID]; exists {
		s.mu.Unlock()
		return nil, core.ErrProcess("PROCESS_SPAWN_FAILED",
			"workflow already has a running process", opts.WorkflowID)
	}

	cmd := exec.Command(agentPath, s.cfg.AgentArgs...)
	cmd.Dir = opts.Dir
	cmd.Env = s.buildEnv(opts)
	configureProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.mu.Unlock()
		return nil, core.ErrProcess("PROCESS_SPAWN_FAILED", "opening stdin pipe", opts.WorkflowID).WithCause(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return nil, core.ErrProcess("PROCESS_SPAWN_FAILED", "opening stdout pipe", opts.WorkflowID).WithCause(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return nil, core.ErrProcess("PROCESS_SPAWN_FAILED", "opening stderr pipe", opts.WorkflowID).WithCause(err)
	}

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return nil, core.ErrProcess("PROCESS_SPAWN_FAILED",
			fmt.Sprintf("starting %s", s.cfg.AgentPath), opts.WorkflowID).WithCause(err)
	}

	p := &process{
		handle: core.ProcessHandle{
			WorkflowID: opts.WorkflowID,
			TaskID:     opts.TaskID,
			PID:        cmd.Process.Pid,
			StartedAt:  time.Now(),
		},
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	s.procs[opts.WorkflowID] = p
	s.mu.Unlock()

	if opts.Prompt != "" {
		if _, err := io.WriteString(stdin, opts.Prompt+"\n"); err != nil {
			s.log.Warn("writing prompt to agent stdin failed",
				"workflow_id", string(opts.WorkflowID), "error", err)
		}
	}

	go s.pumpOutput(p, events.StreamStdout, stdout)
	go s.pumpOutput(p, events.StreamStderr, stderr)

	if opts.Timeout > 0 {
		p.timer = time.AfterFunc(opts.Timeout, func() {
			s.onTimeout(p, opts.Timeout)
		})
	}

	go s.wait(p)

	s.log.Info("agent process started",
		"workflow_id", string(opts.WorkflowID), "task_id", opts.TaskID,
		"pid", p.handle.PID, "dir", opts.Dir)
	if s.bus != nil {
		s.bus.Publish(events.NewProcessStartedEvent(
			string(opts.WorkflowID), opts.TaskID, p.handle.PID, opts.Dir))
	}

	handle := p.handle
	return &handle, nil
}

// buildEnv merges the parent environment with configured and per-launch
// variables, then marks the process as sandbox-managed.
func (s *Sandbox) buildEnv(opts core.StartProcessOptions) []string {
	env := os.Environ()
	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"TASKDOCK_MANAGED=1",
		"TASKDOCK_WORKFLOW="+string(opts.WorkflowID),
		"TASKDOCK_TASK="+opts.TaskID,
	)
	return env
}

// pumpOutput reads one output stream line by line and publishes each line.
func (s *Sandbox) pumpOutput(p *process, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := s.log.Sanitize(scanner.Text())
		if s.bus != nil {
			s.bus.Publish(events.NewProcessOutputEvent(
				string(p.handle.WorkflowID), p.handle.TaskID, stream, line))
		}
	}
}

// onTimeout marks the process as timed out and terminates it.
func (s *Sandbox) onTimeout(p *process, timeout time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.timedOut = true
	p.mu.Unlock()

	s.log.Warn("agent process exceeded timeout",
		"workflow_id", string(p.handle.WorkflowID), "timeout", timeout.String())
	if s.bus != nil {
		s.bus.PublishPriority(events.NewProcessTimeoutEvent(
			string(p.handle.WorkflowID), p.handle.TaskID, timeout))
	}

	s.terminate(p, false)
}

// wait blocks until the process exits, then publishes the exit event and
// releases the tracking entry.
func (s *Sandbox) wait(p *process) {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.stopped = true
	timedOut := p.timedOut
	forced := p.forced
	p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	p.exitCode = exitCode

	s.mu.Lock()
	delete(s.procs, p.handle.WorkflowID)
	s.mu.Unlock()

	s.log.Info("agent process exited",
		"workflow_id", string(p.handle.WorkflowID), "pid", p.handle.PID,
		"exit_code", exitCode, "timed_out", timedOut, "forced", forced)
	if s.bus != nil {
		s.bus.PublishPriority(events.NewProcessStoppedEvent(
			string(p.handle.WorkflowID), p.handle.TaskID, exitCode, timedOut, forced))
	}

	close(p.done)
}

// SendInput writes a line to the running process's stdin.
func (s *Sandbox) SendInput(workflowID core.WorkflowID, input string) error {
	s.mu.Lock()
	p, ok := s.procs[workflowID]
	s.mu.Unlock()

	if !ok {
		return core.ErrProcess("PROCESS_NOT_RUNNING",
			"no running process for workflow", workflowID)
	}

	if _, err := io.WriteString(p.stdin, input+"\n"); err != nil {
		return core.ErrProcess("PROCESS_INPUT_FAILED",
			"writing to agent stdin", workflowID).WithCause(err)
	}
	return nil
}

// Stop requests termination of the workflow's process. Without force it
// signals the process group and escalates to a kill after the grace period.
// Stopping an untracked workflow is a no-op.
func (s *Sandbox) Stop(ctx context.Context, workflowID core.WorkflowID, force bool) error {
	s.mu.Lock()
	p, ok := s.procs[workflowID]
	s.mu.Unlock()

	if !ok {
		return nil
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	if force {
		p.forced = true
	}
	p.mu.Unlock()

	s.terminate(p, force)

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminate signals the process group: immediately fatal when force is set,
// otherwise graceful with escalation after the grace period.
func (s *Sandbox) terminate(p *process, force bool) {
	if force {
		killProcessGroup(p.cmd)
		return
	}

	signalProcessGroup(p.cmd)

	select {
	case <-p.done:
	case <-time.After(s.cfg.GracePeriod):
		p.mu.Lock()
		p.forced = true
		p.mu.Unlock()
		killProcessGroup(p.cmd)
	}
}

// IsRunning reports whether the workflow has a tracked live process.
func (s *Sandbox) IsRunning(workflowID core.WorkflowID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[workflowID]
	return ok
}

// Handles returns the tracked process handles.
func (s *Sandbox) Handles() []core.ProcessHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := make([]core.ProcessHandle, 0, len(s.procs))
	for _, p := range s.procs {
		handles = append(handles, p.handle)
	}
	return handles
}

// CleanupAll stops every tracked process concurrently.
func (s *Sandbox) CleanupAll(ctx context.Context, force bool) error {
	s.mu.Lock()
	ids := make([]core.WorkflowID, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return s.Stop(ctx, id, force)
		})
	}
	return g.Wait()
}
