package registry

import (
	"testing"
	"time"

	"github.com/agentbridge/conductor/protocol"
)

type fakeSender struct {
	closed     bool
	closeCode  int
	sent       []protocol.Envelope
}

func (f *fakeSender) Send(e protocol.Envelope) error {
	f.sent = append(f.sent, e)
	return nil
}

func (f *fakeSender) Close(code int, reason string) error {
	f.closed = true
	f.closeCode = code
	return nil
}

func newConn(id, agentID string) (*Connection, *fakeSender) {
	s := &fakeSender{}
	return &Connection{
		ID:         id,
		Population: protocol.PopulationAgent,
		AgentID:    agentID,
		Sender:     s,
		CreatedAt:  time.Now(),
	}, s
}

func TestRegisterDuplicateAgentIDSupersedes(t *testing.T) {
	r := New(time.Second)
	c1, s1 := newConn("c1", "A1")
	c1.recordActivity(0, true)
	if err := r.Register(c1); err != nil {
		t.Fatalf("first register: %v", err)
	}

	c2, _ := newConn("c2", "A1")
	err := r.Register(c2)
	if err == nil {
		t.Fatal("expected conflict error on duplicate agentId")
	}
	if !s1.closed || s1.closeCode != protocol.CloseSupersededByNewer {
		t.Fatalf("expected prior connection closed with supersede code, got closed=%v code=%d", s1.closed, s1.closeCode)
	}
	cur, ok := r.ByAgentID("A1")
	if !ok || cur.ID != "c2" {
		t.Fatalf("expected A1 to resolve to c2, got %+v ok=%v", cur, ok)
	}
}

func TestIsHealthyReflectsActivityWindow(t *testing.T) {
	r := New(10 * time.Millisecond)
	c, _ := newConn("c1", "A1")
	c.recordActivity(0, true)
	_ = r.Register(c)

	if !r.IsHealthy("c1") {
		t.Fatal("expected fresh connection to be healthy")
	}
	time.Sleep(25 * time.Millisecond)
	if r.IsHealthy("c1") {
		t.Fatal("expected stale connection to be unhealthy past 2H")
	}
}

func TestUnregisterFiresDisconnectHook(t *testing.T) {
	r := New(time.Second)
	var got *Connection
	r.OnDisconnect(func(c *Connection) { got = c })

	c, _ := newConn("c1", "A1")
	_ = r.Register(c)
	r.Unregister("c1")

	if got == nil || got.ID != "c1" {
		t.Fatalf("expected disconnect hook to fire for c1, got %+v", got)
	}
	if _, ok := r.ByID("c1"); ok {
		t.Fatal("expected c1 to be removed from registry")
	}
}

func TestSweepClosesConnectionsPast3H(t *testing.T) {
	r := New(5 * time.Millisecond)
	c, s := newConn("c1", "A1")
	c.recordActivity(0, true)
	_ = r.Register(c)

	time.Sleep(20 * time.Millisecond)
	r.Sweep()

	if !s.closed {
		t.Fatal("expected stale connection to be closed by Sweep")
	}
	if _, ok := r.ByID("c1"); ok {
		t.Fatal("expected c1 to be unregistered after Sweep")
	}
}
