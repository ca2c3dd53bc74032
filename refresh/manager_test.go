package refresh

import (
	"testing"
	"time"

	"github.com/agentbridge/conductor/auth"
	"github.com/agentbridge/conductor/protocol"
	"github.com/agentbridge/conductor/registry"
)

type fakeSender struct {
	sent []protocol.Envelope
}

func (f *fakeSender) Send(e protocol.Envelope) error {
	f.sent = append(f.sent, e)
	return nil
}
func (f *fakeSender) Close(code int, reason string) error { return nil }

func newVerifier(t *testing.T) *auth.Verifier {
	t.Helper()
	v, err := auth.NewVerifier("a-strong-test-secret-that-is-long-enough")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func TestScanSendsRefreshNeededWhenDue(t *testing.T) {
	v := newVerifier(t)
	m := New(Config{
		CheckInterval:    time.Hour,
		RefreshThreshold: time.Minute,
		ReplyTimeout:     30 * time.Second,
		MaxAttempts:      3,
	}, v)

	reg := registry.New(time.Minute)
	sender := &fakeSender{}
	conn := &registry.Connection{ID: "c1", Population: protocol.PopulationDashboard, Sender: sender}
	_ = reg.Register(conn)

	m.Track("c1", time.Now().Add(10*time.Second)) // within threshold
	m.scan(reg, nil)

	if len(sender.sent) != 1 || sender.sent[0].Type != protocol.TypeAuthRefreshNeeded {
		t.Fatalf("expected one refresh-needed message, got %+v", sender.sent)
	}
}

func TestHandleAccessTokenReplacesPrincipal(t *testing.T) {
	v := newVerifier(t)
	m := New(Config{CheckInterval: time.Hour, RefreshThreshold: time.Minute, ReplyTimeout: 30 * time.Second, MaxAttempts: 3}, v)

	sender := &fakeSender{}
	conn := &registry.Connection{ID: "c1", Sender: sender}
	token, _ := v.GenerateAccessToken("u2", "u2@example.com", "viewer")

	if err := m.HandleAccessToken("c1", conn, token); err != nil {
		t.Fatalf("HandleAccessToken: %v", err)
	}
	if conn.GetPrincipal().UserID != "u2" {
		t.Fatalf("expected principal replaced, got %+v", conn.GetPrincipal())
	}
	if len(sender.sent) != 1 || sender.sent[0].Type != protocol.TypeAuthRefreshSuccess {
		t.Fatalf("expected refresh-success reply, got %+v", sender.sent)
	}
}

func TestFailAttemptClosesAfterMaxAttempts(t *testing.T) {
	v := newVerifier(t)
	m := New(Config{CheckInterval: time.Hour, RefreshThreshold: time.Minute, ReplyTimeout: time.Millisecond, MaxAttempts: 1}, v)

	reg := registry.New(time.Minute)
	sender := &fakeSender{}
	conn := &registry.Connection{ID: "c1", Sender: sender}
	_ = reg.Register(conn)

	m.Track("c1", time.Now().Add(time.Second))
	m.scan(reg, nil) // sends refresh-needed, starts pending
	time.Sleep(5 * time.Millisecond)

	var closedCode int
	m.scan(reg, func(connID string, code int, reason string) { closedCode = code })

	if closedCode != protocol.CloseTokenExpired {
		t.Fatalf("expected close with CloseTokenExpired, got %d", closedCode)
	}
}
