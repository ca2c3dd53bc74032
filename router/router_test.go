package router

import (
	"errors"
	"testing"
	"time"

	"github.com/agentbridge/conductor/protocol"
	"github.com/agentbridge/conductor/registry"
	"github.com/agentbridge/conductor/resilience"
)

var errSendFailed = errors.New("send failed")

type fakeSender struct {
	sent []protocol.Envelope
	fail bool
}

func (f *fakeSender) Send(e protocol.Envelope) error {
	if f.fail {
		return errSendFailed
	}
	f.sent = append(f.sent, e)
	return nil
}

func (f *fakeSender) Close(int, string) error { return nil }

func newRegisteredAgent(t *testing.T, reg *registry.Registry, agentID string) *fakeSender {
	t.Helper()
	s := &fakeSender{}
	c := &registry.Connection{
		ID:         "conn-" + agentID,
		Population: protocol.PopulationAgent,
		AgentID:    agentID,
		Sender:     s,
		CreatedAt:  time.Now(),
	}
	c.MarkAuthenticated()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register %s: %v", agentID, err)
	}
	return s
}

func newTestRouter(queueCap int, breaker *resilience.CircuitBreaker) (*Router, *registry.Registry) {
	reg := registry.New(time.Minute)
	r := New(Config{
		QueueCap:       queueCap,
		TickInterval:   time.Hour, // tests drive ticks manually
		DrainPerTick:   100,
		MessageTimeout: time.Minute,
		RetryAttempts:  1,
	}, reg, nil, breaker)
	return r, reg
}

func TestTickDeliversHighestPriorityFirst(t *testing.T) {
	r, reg := newTestRouter(10, nil)
	sender := newRegisteredAgent(t, reg, "a1")

	mustEnqueue(t, r, "a1", "low", 1)
	mustEnqueue(t, r, "a1", "high", 9)
	mustEnqueue(t, r, "a1", "mid", 5)

	r.tick()

	if len(sender.sent) != 3 {
		t.Fatalf("expected 3 envelopes delivered, got %d", len(sender.sent))
	}
	want := []string{"high", "mid", "low"}
	for i, e := range sender.sent {
		if e.Type != want[i] {
			t.Fatalf("expected delivery order %v, got %+v", want, sender.sent)
		}
	}
}

func TestTickBreaksPriorityTiesByFIFO(t *testing.T) {
	r, reg := newTestRouter(10, nil)
	sender := newRegisteredAgent(t, reg, "a1")

	mustEnqueue(t, r, "a1", "first", 5)
	mustEnqueue(t, r, "a1", "second", 5)

	r.tick()

	if len(sender.sent) != 2 || sender.sent[0].Type != "first" || sender.sent[1].Type != "second" {
		t.Fatalf("expected FIFO tie-break [first second], got %+v", sender.sent)
	}
}

func TestEnqueueDropsLowestPriorityWhenFull(t *testing.T) {
	r, reg := newTestRouter(2, nil)
	sender := newRegisteredAgent(t, reg, "a1")

	mustEnqueue(t, r, "a1", "low", 1)
	mustEnqueue(t, r, "a1", "mid", 5)
	mustEnqueue(t, r, "a1", "high", 9)

	if r.Len() != 2 {
		t.Fatalf("expected queue capped at 2, got %d", r.Len())
	}

	r.tick()
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 envelopes delivered, got %d", len(sender.sent))
	}
	for _, e := range sender.sent {
		if e.Type == "low" {
			t.Fatal("expected the lowest-priority envelope to have been evicted under pressure, but it was delivered")
		}
	}
}

func TestProcessDropsExpiredEnvelope(t *testing.T) {
	r, reg := newTestRouter(10, nil)
	sender := newRegisteredAgent(t, reg, "a1")
	r.cfg.MessageTimeout = time.Millisecond

	mustEnqueue(t, r, "a1", "stale", 5)
	time.Sleep(5 * time.Millisecond)

	r.tick()
	if len(sender.sent) != 0 {
		t.Fatalf("expected the expired envelope to be dropped rather than delivered, got %+v", sender.sent)
	}
}

func TestProcessRetriesThenDropsOnRepeatedDeliveryFailure(t *testing.T) {
	r, reg := newTestRouter(10, nil)
	sender := newRegisteredAgent(t, reg, "a1")
	sender.fail = true

	mustEnqueue(t, r, "a1", "flaky", 5)

	r.tick() // attempt 1: fails, requeued with backoff
	if r.Len() != 1 {
		t.Fatalf("expected envelope requeued after first failed attempt, got len=%d", r.Len())
	}

	r.mu.Lock()
	for _, item := range r.q {
		item.scheduledAt = time.Time{} // force-ready for the next tick
	}
	r.mu.Unlock()

	r.tick() // attempt 2: RetryAttempts=1 exhausted, dropped
	if r.Len() != 0 {
		t.Fatalf("expected envelope dropped after exhausting retries, got len=%d", r.Len())
	}
}

func TestLowPriorityEnvelopeShedWhenCircuitOpen(t *testing.T) {
	breaker := resilience.NewCircuitBreaker(1)
	r, reg := newTestRouter(10, breaker)
	sender := newRegisteredAgent(t, reg, "a1")

	// Trip the breaker open by exceeding its queue-depth threshold.
	if breaker.ShouldAdmit(5, 0); breaker.GetState() != resilience.CircuitOpen {
		t.Fatalf("expected breaker to trip open, got state=%v", breaker.GetState())
	}

	if err := r.To("a1", "low", nil, 1); err != nil {
		t.Fatalf("To: %v", err)
	}
	if r.Len() != 0 {
		t.Fatal("expected the low-priority envelope to be shed immediately rather than queued")
	}

	// High-priority envelopes bypass the breaker regardless of state.
	if err := r.To("a1", "urgent", nil, 9); err != nil {
		t.Fatalf("To: %v", err)
	}
	if r.Len() != 1 {
		t.Fatal("expected a high-priority envelope to be admitted despite the open circuit")
	}

	r.tick()
	if len(sender.sent) != 1 || sender.sent[0].Type != "urgent" {
		t.Fatalf("expected only the urgent envelope delivered, got %+v", sender.sent)
	}
}

func mustEnqueue(t *testing.T, r *Router, agentID, msgType string, priority int) {
	t.Helper()
	if err := r.To(agentID, msgType, map[string]string{"marker": msgType}, priority); err != nil {
		t.Fatalf("To(%s): %v", msgType, err)
	}
}
