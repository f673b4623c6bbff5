package events

import (
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Publish(NewWorkflowStartedEvent("wf-1", "1.2", "/wt", "taskdock/task-1-2", 100))

	ev := recvEvent(t, ch)
	if ev.EventType() != TypeWorkflowStarted {
		t.Errorf("EventType = %s", ev.EventType())
	}
	if ev.WorkflowID() != "wf-1" || ev.TaskID() != "1.2" {
		t.Errorf("ids = %s %s", ev.WorkflowID(), ev.TaskID())
	}
}

func TestBus_SubscribeFiltered(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	ch := bus.Subscribe(TypeProcessOutput)
	bus.Publish(NewWorkflowPausedEvent("wf-1", "1.2"))
	bus.Publish(NewProcessOutputEvent("wf-1", "1.2", "stdout", "hello"))

	ev := recvEvent(t, ch)
	out, ok := ev.(ProcessOutputEvent)
	if !ok {
		t.Fatalf("got %T, want ProcessOutputEvent", ev)
	}
	if out.Line != "hello" || out.Stream != "stdout" {
		t.Errorf("payload = %q %q", out.Line, out.Stream)
	}

	select {
	case extra := <-ch:
		t.Errorf("unexpected event %s leaked through filter", extra.EventType())
	default:
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	ch := bus.Subscribe(TypeProcessOutput)
	for i := 0; i < 5; i++ {
		bus.Publish(NewProcessOutputEvent("wf-1", "1.2", "stdout", "line"))
	}

	if bus.DroppedCount() == 0 {
		t.Error("expected drops with a full buffer")
	}
	// The newest events survive; the channel still holds a full buffer.
	if len(ch) != 2 {
		t.Errorf("len(ch) = %d, want 2", len(ch))
	}
}

func TestBus_PriorityNeverDrops(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	ch := bus.SubscribePriority()
	for i := 0; i < 10; i++ {
		bus.PublishPriority(NewProcessTimeoutEvent("wf-1", "1.2", time.Second))
	}

	for i := 0; i < 10; i++ {
		recvEvent(t, ch)
	}
}

func TestBus_PriorityReceivesOnlyPriorityPublishes(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	ch := bus.SubscribePriority()
	bus.Publish(NewProcessOutputEvent("wf-1", "1.2", "stdout", "noise"))
	bus.PublishPriority(NewProcessStoppedEvent("wf-1", "1.2", 0, false, false))

	ev := recvEvent(t, ch)
	if ev.EventType() != TypeProcessStopped {
		t.Errorf("EventType = %s, want %s", ev.EventType(), TypeProcessStopped)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(NewWorkflowResumedEvent("wf-1", "1.2"))
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(10)
	ch := bus.Subscribe()
	pch := bus.SubscribePriority()

	bus.Close()
	bus.Close() // idempotent

	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed")
	}
	if _, ok := <-pch; ok {
		t.Error("priority channel should be closed")
	}

	// Publish after close is a no-op.
	bus.Publish(NewWorkflowPausedEvent("wf-1", "1.2"))
	bus.PublishPriority(NewProcessStoppedEvent("wf-1", "1.2", 1, false, true))
}

func TestEventPayloads(t *testing.T) {
	stopped := NewProcessStoppedEvent("wf-1", "1.2", 137, true, true)
	p := stopped.Payload()
	if p["exit_code"] != 137 || p["timed_out"] != true || p["forced"] != true {
		t.Errorf("Payload() = %v", p)
	}

	created := NewWorktreeCreatedEvent("1.2", "/wt/1-2", "taskdock/task-1-2")
	if created.WorkflowID() != "" {
		t.Errorf("worktree events are task-scoped, got workflow %q", created.WorkflowID())
	}
	if created.TaskID() != "1.2" {
		t.Errorf("TaskID = %s", created.TaskID())
	}
}
