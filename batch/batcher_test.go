package batch

import (
	"testing"
	"time"

	"github.com/agentbridge/conductor/protocol"
)

func env(t *testing.T, msgType string) protocol.Envelope {
	t.Helper()
	e, err := protocol.NewEnvelope(msgType, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return e
}

func TestOfferFlushesOnMaxBatchSize(t *testing.T) {
	var got []protocol.Envelope
	b := New(Config{
		MaxBatchSize:  2,
		MaxBatchBytes: 1 << 20,
		BatchInterval: time.Hour,
		Batchable:     map[string]bool{protocol.TypeTerminalStream: true},
	}, func(connID string, envs []protocol.Envelope) { got = envs })

	b.Offer("c1", env(t, protocol.TypeTerminalStream))
	if got != nil {
		t.Fatal("expected no flush before cap reached")
	}
	b.Offer("c1", env(t, protocol.TypeTerminalStream))
	if len(got) != 2 {
		t.Fatalf("expected flush of 2 messages, got %d", len(got))
	}
}

func TestOfferBypassesBatchForPriorityType(t *testing.T) {
	var flushes [][]protocol.Envelope
	b := New(Config{
		MaxBatchSize:  10,
		MaxBatchBytes: 1 << 20,
		BatchInterval: time.Hour,
		Batchable:     map[string]bool{protocol.TypeTerminalStream: true},
		Priority:      map[string]bool{protocol.TypeEmergencyStop: true},
	}, func(connID string, envs []protocol.Envelope) {
		flushes = append(flushes, envs)
	})

	b.Offer("c1", env(t, protocol.TypeTerminalStream))
	b.Offer("c1", env(t, protocol.TypeEmergencyStop))

	if len(flushes) != 2 {
		t.Fatalf("expected 2 flushes (pending batch then priority msg), got %d", len(flushes))
	}
	if len(flushes[0]) != 1 || flushes[0][0].Type != protocol.TypeTerminalStream {
		t.Fatalf("expected first flush to drain the pending batch, got %+v", flushes[0])
	}
	if len(flushes[1]) != 1 || flushes[1][0].Type != protocol.TypeEmergencyStop {
		t.Fatalf("expected second flush to be the priority message, got %+v", flushes[1])
	}
}

func TestOfferFlushesOnTimer(t *testing.T) {
	done := make(chan []protocol.Envelope, 1)
	b := New(Config{
		MaxBatchSize:  10,
		MaxBatchBytes: 1 << 20,
		BatchInterval: 10 * time.Millisecond,
		Batchable:     map[string]bool{protocol.TypeTerminalStream: true},
	}, func(connID string, envs []protocol.Envelope) { done <- envs })

	b.Offer("c1", env(t, protocol.TypeTerminalStream))

	select {
	case envs := <-done:
		if len(envs) != 1 {
			t.Fatalf("expected 1 message flushed by timer, got %d", len(envs))
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timed out waiting for timer flush")
	}
}

func TestCloseDropsBufferWithoutFlushing(t *testing.T) {
	flushed := false
	b := New(Config{
		MaxBatchSize:  10,
		MaxBatchBytes: 1 << 20,
		BatchInterval: time.Hour,
		Batchable:     map[string]bool{protocol.TypeTerminalStream: true},
	}, func(connID string, envs []protocol.Envelope) { flushed = true })

	b.Offer("c1", env(t, protocol.TypeTerminalStream))
	b.Close("c1")

	time.Sleep(10 * time.Millisecond)
	if flushed {
		t.Fatal("expected no flush after Close")
	}
}
