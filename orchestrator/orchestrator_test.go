package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/agentbridge/conductor/batch"
	"github.com/agentbridge/conductor/protocol"
	"github.com/agentbridge/conductor/queue"
	"github.com/agentbridge/conductor/registry"
	"github.com/agentbridge/conductor/router"
	"github.com/agentbridge/conductor/store"
)

type fakeSender struct {
	sent []protocol.Envelope
}

func (f *fakeSender) Send(e protocol.Envelope) error {
	f.sent = append(f.sent, e)
	return nil
}
func (f *fakeSender) Close(code int, reason string) error { return nil }

func newHarness(t *testing.T, agentID string) (*Orchestrator, store.Store, *fakeSender) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := registry.New(time.Minute)

	sender := &fakeSender{}
	conn := &registry.Connection{
		ID:         "conn-" + agentID,
		Population: protocol.PopulationAgent,
		AgentID:    agentID,
		Sender:     sender,
		CreatedAt:  time.Now(),
	}
	conn.MarkAuthenticated()
	if err := reg.Register(conn); err != nil {
		t.Fatalf("register agent conn: %v", err)
	}

	r := router.New(router.Config{
		QueueCap:       100,
		TickInterval:   time.Millisecond,
		DrainPerTick:   10,
		MessageTimeout: time.Second,
		RetryAttempts:  1,
	}, reg, (*batch.Batcher)(nil), nil)

	qm := queue.NewManager(queue.Config{MaxSize: 10})
	o := New(st, qm, r, 10*time.Millisecond)
	return o, st, sender
}

func TestSubmitEnqueuesAndBroadcastsQueued(t *testing.T) {
	o, st, _ := newHarness(t, "agent-1")
	ctx := context.Background()

	cmd, err := o.Submit(ctx, SubmitRequest{
		CommandID: "cmd-1",
		UserID:    "u1",
		AgentID:   "agent-1",
		Content:   "echo hi",
		Type:      "shell",
		Priority:  50,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if cmd.Status != "Queued" {
		t.Fatalf("expected Queued, got %s", cmd.Status)
	}

	stored, err := st.GetCommand(ctx, "cmd-1")
	if err != nil || stored == nil {
		t.Fatalf("expected command persisted, err=%v", err)
	}
	if stored.Status != "Queued" {
		t.Fatalf("expected persisted status Queued, got %s", stored.Status)
	}
}

func TestSubmitIsIdempotentPerCommandID(t *testing.T) {
	o, _, _ := newHarness(t, "agent-1")
	ctx := context.Background()

	req := SubmitRequest{CommandID: "dup-1", UserID: "u1", AgentID: "agent-1", Content: "x", Type: "shell", Priority: 10}
	first, err := o.Submit(ctx, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := o.Submit(ctx, req)
	if err != nil {
		t.Fatalf("second submit should be a no-op, got err: %v", err)
	}
	if second.CommandID != first.CommandID {
		t.Fatalf("expected same command returned on resubmission")
	}
}

func TestTickDispatchSendsCommandRequest(t *testing.T) {
	o, _, sender := newHarness(t, "agent-1")
	ctx := context.Background()

	if _, err := o.Submit(ctx, SubmitRequest{CommandID: "cmd-2", UserID: "u1", AgentID: "agent-1", Content: "ls", Type: "shell", Priority: 50}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	go o.r.Run()
	defer o.r.Stop()
	o.TickDispatch(ctx, "agent-1")
	time.Sleep(20 * time.Millisecond) // let the router's tick loop drain the envelope

	found := false
	for _, e := range sender.sent {
		if e.Type == protocol.TypeCommandRequest {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a command:request envelope sent to the agent, got %d envelopes", len(sender.sent))
	}
}

func TestHandleCompleteSuccessMarksCompleted(t *testing.T) {
	o, st, _ := newHarness(t, "agent-1")
	ctx := context.Background()

	if _, err := o.Submit(ctx, SubmitRequest{CommandID: "cmd-3", UserID: "u1", AgentID: "agent-1", Content: "ls", Type: "shell", Priority: 50}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.TickDispatch(ctx, "agent-1")
	o.HandleComplete(ctx, "agent-1", "cmd-3", true, 100, 5, nil, "")

	cmd, err := st.GetCommand(ctx, "cmd-3")
	if err != nil || cmd == nil {
		t.Fatalf("expected command present, err=%v", err)
	}
	if cmd.Status != "Completed" {
		t.Fatalf("expected Completed, got %s", cmd.Status)
	}

	o.mu.Lock()
	_, busy := o.busyAgents["agent-1"]
	o.mu.Unlock()
	if busy {
		t.Fatal("expected agent freed after completion")
	}
}

func TestHandleCompleteFailureRetriesWhenAttemptsRemain(t *testing.T) {
	o, st, _ := newHarness(t, "agent-1")
	ctx := context.Background()

	if _, err := o.Submit(ctx, SubmitRequest{CommandID: "cmd-4", UserID: "u1", AgentID: "agent-1", Content: "ls", Type: "shell", Priority: 50, MaxAttempts: 2}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.TickDispatch(ctx, "agent-1")
	o.HandleComplete(ctx, "agent-1", "cmd-4", false, 0, 0, nil, "boom")

	cmd, _ := st.GetCommand(ctx, "cmd-4")
	if cmd.Status != "Queued" {
		t.Fatalf("expected requeue after first failure with attempts remaining, got %s", cmd.Status)
	}
}

func TestHandleCompleteFailureFailsOnceAttemptsExhausted(t *testing.T) {
	o, st, _ := newHarness(t, "agent-1")
	ctx := context.Background()

	if _, err := o.Submit(ctx, SubmitRequest{CommandID: "cmd-4b", UserID: "u1", AgentID: "agent-1", Content: "ls", Type: "shell", Priority: 50, MaxAttempts: 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.TickDispatch(ctx, "agent-1")
	o.HandleComplete(ctx, "agent-1", "cmd-4b", false, 0, 0, nil, "boom")

	cmd, _ := st.GetCommand(ctx, "cmd-4b")
	if cmd.Status != "Failed" {
		t.Fatalf("expected terminal Failed after exhausting the single attempt, got %s", cmd.Status)
	}
}

func TestHandleCompleteRedispatchesNextQueuedCommand(t *testing.T) {
	o, st, sender := newHarness(t, "agent-1")
	ctx := context.Background()

	if _, err := o.Submit(ctx, SubmitRequest{CommandID: "cmd-a", UserID: "u1", AgentID: "agent-1", Content: "ls", Type: "shell", Priority: 50}); err != nil {
		t.Fatalf("submit cmd-a: %v", err)
	}
	if _, err := o.Submit(ctx, SubmitRequest{CommandID: "cmd-b", UserID: "u1", AgentID: "agent-1", Content: "ls", Type: "shell", Priority: 50}); err != nil {
		t.Fatalf("submit cmd-b: %v", err)
	}

	go o.r.Run()
	defer o.r.Stop()

	o.TickDispatch(ctx, "agent-1") // dispatches cmd-a; cmd-b stays queued
	cmdB, _ := st.GetCommand(ctx, "cmd-b")
	if cmdB.Status != "Queued" {
		t.Fatalf("expected cmd-b to remain queued while agent is busy, got %s", cmdB.Status)
	}

	// HandleComplete must itself re-trigger dispatch for the next ready
	// command — no external caller does this for a completion that
	// didn't arrive via a fresh dashboard request.
	o.HandleComplete(ctx, "agent-1", "cmd-a", true, 10, 1, nil, "")

	cmdB, _ = st.GetCommand(ctx, "cmd-b")
	if cmdB.Status != "Executing" {
		t.Fatalf("expected HandleComplete to dispatch the next queued command, got %s", cmdB.Status)
	}

	time.Sleep(20 * time.Millisecond)
	found := false
	for _, e := range sender.sent {
		if e.Type == protocol.TypeCommandRequest {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a command:request envelope sent for the re-dispatched command")
	}
}

func TestEmergencyStopCancelsLiveCommandsAndCoalesces(t *testing.T) {
	o, st, _ := newHarness(t, "agent-1")
	ctx := context.Background()

	if _, err := o.Submit(ctx, SubmitRequest{CommandID: "cmd-5", UserID: "u1", AgentID: "agent-1", Content: "ls", Type: "shell", Priority: 50}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := o.EmergencyStop(ctx, "operator-1", "manual stop", []string{"cmd-5"}); err != nil {
		t.Fatalf("emergency stop: %v", err)
	}
	cmd, _ := st.GetCommand(ctx, "cmd-5")
	if cmd.Status != "Cancelled" {
		t.Fatalf("expected Cancelled, got %s", cmd.Status)
	}
	if !o.isStopped() {
		t.Fatal("expected dispatch disabled after emergency stop")
	}

	// A second call within the coalesce window is a no-op (no panic, no error).
	if err := o.EmergencyStop(ctx, "operator-1", "manual stop", []string{"cmd-5"}); err != nil {
		t.Fatalf("coalesced emergency stop should be a no-op, got err: %v", err)
	}

	o.ClearEmergencyStop()
	if o.isStopped() {
		t.Fatal("expected dispatch re-enabled after ClearEmergencyStop")
	}

	logs, err := st.ListAuditLogs(ctx, 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	found := false
	for _, l := range logs {
		if l.EventType == "emergency_stop" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an emergency_stop audit log entry")
	}
}
