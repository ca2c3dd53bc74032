package ws

import (
	"context"
	"testing"
	"time"

	"github.com/agentbridge/conductor/auth"
	"github.com/agentbridge/conductor/batch"
	"github.com/agentbridge/conductor/orchestrator"
	"github.com/agentbridge/conductor/protocol"
	"github.com/agentbridge/conductor/queue"
	"github.com/agentbridge/conductor/ratelimit"
	"github.com/agentbridge/conductor/refresh"
	"github.com/agentbridge/conductor/registry"
	"github.com/agentbridge/conductor/router"
	"github.com/agentbridge/conductor/store"
	"github.com/agentbridge/conductor/trace"
)

type fakeSender struct {
	sent []protocol.Envelope
}

func (f *fakeSender) Send(e protocol.Envelope) error {
	f.sent = append(f.sent, e)
	return nil
}
func (f *fakeSender) Close(code int, reason string) error { return nil }

func newTestHub(t *testing.T) (*Hub, *registry.Registry) {
	t.Helper()
	reg := registry.New(time.Minute)
	verifier, err := auth.NewVerifier("")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	limiter := ratelimit.New(ratelimit.Config{
		PerMinute: 1000, PerHour: 100000, Burst: 1000,
		BurstWindow: time.Second, MaxViolations: 5, PenaltyWindow: time.Minute,
	})
	batcher := batch.New(batch.Config{MaxBatchSize: 10, MaxBatchBytes: 1 << 16, BatchInterval: 50 * time.Millisecond}, Flusher(reg))
	refreshM := refresh.New(refresh.Config{CheckInterval: time.Minute, RefreshThreshold: time.Minute, ReplyTimeout: time.Minute, MaxAttempts: 3}, verifier)
	r := router.New(router.Config{QueueCap: 100, TickInterval: time.Millisecond, DrainPerTick: 10, MessageTimeout: time.Second, RetryAttempts: 1}, reg, batcher, nil)
	qm := queue.NewManager(queue.Config{MaxSize: 10})
	st := store.NewMemoryStore()
	tracer := trace.New(st, trace.Config{}, nil, nil)
	orch := orchestrator.New(st, qm, r, 10*time.Millisecond)

	h := New(Config{HandshakeWindow: 5 * time.Second, HeartbeatInterval: 30 * time.Second}, reg, verifier, limiter, batcher, refreshM, r, qm, tracer, orch, st)
	return h, reg
}

func registerDashboard(t *testing.T, h *Hub, reg *registry.Registry, connID, userID string) *fakeSender {
	t.Helper()
	sender := &fakeSender{}
	rc := &registry.Connection{
		ID:         connID,
		Population: protocol.PopulationDashboard,
		Principal:  auth.Principal{UserID: userID},
		Sender:     sender,
		CreatedAt:  time.Now(),
	}
	rc.MarkAuthenticated()
	if err := reg.Register(rc); err != nil {
		t.Fatalf("register dashboard: %v", err)
	}
	return sender
}

func envelopeOf(t *testing.T, msgType string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func TestDispatchDashboardSubscribeThenUnsubscribe(t *testing.T) {
	h, reg := newTestHub(t)
	registerDashboard(t, h, reg, "d1", "u1")
	ctx := context.Background()

	id := "agent-1"
	h.dispatchDashboardMessage(ctx, "d1", envelopeOf(t, protocol.TypeDashboardSubscribe, protocol.DashboardSubscribePayload{Type: "agent", ID: &id}))

	rc, _ := reg.ByID("d1")
	if !rc.MatchesSubscription("agent", "agent-1") {
		t.Fatal("expected subscription to match after DASHBOARD_SUBSCRIBE")
	}

	h.dispatchDashboardMessage(ctx, "d1", envelopeOf(t, protocol.TypeDashboardUnsubscribe, protocol.DashboardSubscribePayload{Type: "agent", ID: &id}))
	if rc.MatchesSubscription("agent", "agent-1") {
		t.Fatal("expected subscription removed after DASHBOARD_UNSUBSCRIBE")
	}
}

func TestDispatchCommandRequestSubmitsAndDispatches(t *testing.T) {
	h, reg := newTestHub(t)
	registerDashboard(t, h, reg, "d1", "u1")
	ctx := context.Background()

	env := envelopeOf(t, protocol.TypeCommandRequestIn, map[string]any{
		"commandId": "cmd-1",
		"agentId":   "agent-1",
		"content":   "echo hi",
		"type":      "shell",
		"priority":  50,
	})
	h.dispatchDashboardMessage(ctx, "d1", env)

	cmd, err := h.st.GetCommand(ctx, "cmd-1")
	if err != nil || cmd == nil {
		t.Fatalf("expected command persisted, err=%v", err)
	}
	if cmd.Status != "Queued" {
		t.Fatalf("expected Queued, got %s", cmd.Status)
	}
}

func TestDispatchCommandInterruptOnUnknownCommandSendsError(t *testing.T) {
	h, reg := newTestHub(t)
	sender := registerDashboard(t, h, reg, "d1", "u1")
	ctx := context.Background()

	env := envelopeOf(t, protocol.TypeCommandInterrupt, protocol.CommandCancelPayload{CommandID: "missing", Reason: "test"})
	h.dispatchDashboardMessage(ctx, "d1", env)

	if len(sender.sent) == 0 {
		t.Fatal("expected an ERROR envelope sent back for an unknown command")
	}
	if sender.sent[0].Type != protocol.TypeError {
		t.Fatalf("expected ERROR type, got %s", sender.sent[0].Type)
	}
}

func TestDispatchAgentTerminalOutputPersistsAndBroadcasts(t *testing.T) {
	h, reg := newTestHub(t)
	registerDashboard(t, h, reg, "d1", "u1")
	ctx := context.Background()

	env := envelopeOf(t, protocol.TypeTerminalOutput, protocol.TerminalOutputPayload{
		CommandID: "cmd-9", StreamType: "stdout", Content: "hello",
	})
	h.dispatchAgentMessage(ctx, "a-conn", "agent-1", env)

	outs, err := h.st.ListTerminalOutputs(ctx, "cmd-9", 10)
	if err != nil || len(outs) != 1 {
		t.Fatalf("expected 1 terminal output persisted, got %d, err=%v", len(outs), err)
	}
}
