package events

import "time"

// Event type constants for sandboxed process events.
const (
	TypeProcessStarted = "process.started"
	TypeProcessOutput  = "process.output"
	TypeProcessStopped = "process.stopped"
	TypeProcessTimeout = "process.timeout"
)

// Output stream tags.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// ProcessStartedEvent is emitted when the agent process is spawned.
type ProcessStartedEvent struct {
	BaseEvent
	PID int    `json:"pid"`
	Dir string `json:"dir"`
}

// NewProcessStartedEvent creates a new process started event.
func NewProcessStartedEvent(workflowID, taskID string, pid int, dir string) ProcessStartedEvent {
	return ProcessStartedEvent{
		BaseEvent: NewBaseEvent(TypeProcessStarted, workflowID, taskID),
		PID:       pid,
		Dir:       dir,
	}
}

func (e ProcessStartedEvent) Payload() map[string]any {
	return map[string]any{"pid": e.PID, "dir": e.Dir}
}

// ProcessOutputEvent carries one chunk of process output, tagged with its
// originating stream. Ordered per workflow, unordered across workflows.
type ProcessOutputEvent struct {
	BaseEvent
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

// NewProcessOutputEvent creates a new process output event.
func NewProcessOutputEvent(workflowID, taskID, stream, line string) ProcessOutputEvent {
	return ProcessOutputEvent{
		BaseEvent: NewBaseEvent(TypeProcessOutput, workflowID, taskID),
		Stream:    stream,
		Line:      line,
	}
}

func (e ProcessOutputEvent) Payload() map[string]any {
	return map[string]any{"stream": e.Stream, "line": e.Line}
}

// ProcessStoppedEvent is emitted once the process has exited, whether the
// exit was requested or not. Unexpected exits are reported this way rather
// than as errors so transient noise cannot crash the supervising call stack.
type ProcessStoppedEvent struct {
	BaseEvent
	ExitCode int  `json:"exit_code"`
	TimedOut bool `json:"timed_out"`
	Forced   bool `json:"forced"`
}

// NewProcessStoppedEvent creates a new process stopped event.
func NewProcessStoppedEvent(workflowID, taskID string, exitCode int, timedOut, forced bool) ProcessStoppedEvent {
	return ProcessStoppedEvent{
		BaseEvent: NewBaseEvent(TypeProcessStopped, workflowID, taskID),
		ExitCode:  exitCode,
		TimedOut:  timedOut,
		Forced:    forced,
	}
}

func (e ProcessStoppedEvent) Payload() map[string]any {
	return map[string]any{
		"exit_code": e.ExitCode,
		"timed_out": e.TimedOut,
		"forced":    e.Forced,
	}
}

// ProcessTimeoutEvent is emitted when the wall-clock timer expires. The
// sandbox stops the process; deciding the workflow's terminal status is the
// execution manager's job.
type ProcessTimeoutEvent struct {
	BaseEvent
	Timeout time.Duration `json:"timeout"`
}

// NewProcessTimeoutEvent creates a new process timeout event.
func NewProcessTimeoutEvent(workflowID, taskID string, timeout time.Duration) ProcessTimeoutEvent {
	return ProcessTimeoutEvent{
		BaseEvent: NewBaseEvent(TypeProcessTimeout, workflowID, taskID),
		Timeout:   timeout,
	}
}

func (e ProcessTimeoutEvent) Payload() map[string]any {
	return map[string]any{"timeout_seconds": int(e.Timeout.Seconds())}
}
