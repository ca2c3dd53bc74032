// Package batch implements the Batcher (§4.4): a per-connection
// outbound buffer that coalesces high-volume stream messages into
// batch envelopes under size/time caps.
//
// No teacher component does this directly (the teacher answers one
// HTTP request at a time); the shape is adapted from
// control_plane/ws_hub.go's per-connection-goroutine + time.Ticker
// flush pattern, moved from one global ticker to one timer per
// connection.
package batch

import (
	"sync"
	"time"

	"github.com/agentbridge/conductor/protocol"
)

// Flusher is called with the envelopes to send for a connection: a
// slice of length 1 is sent as a single message, longer slices as a
// BatchEnvelope.
type Flusher func(connID string, envelopes []protocol.Envelope)

// Config controls batching caps.
type Config struct {
	MaxBatchSize  int
	MaxBatchBytes int
	BatchInterval time.Duration
	Batchable     map[string]bool
	Priority      map[string]bool
}

type connBuffer struct {
	mu       sync.Mutex
	pending  []protocol.Envelope
	bytes    int
	timer    *time.Timer
	closed   bool
}

// Batcher holds one buffer per connection.
type Batcher struct {
	cfg     Config
	flush   Flusher
	mu      sync.Mutex
	buffers map[string]*connBuffer
}

func New(cfg Config, flush Flusher) *Batcher {
	return &Batcher{cfg: cfg, flush: flush, buffers: make(map[string]*connBuffer)}
}

// Offer appends a message to the batch if its type is batchable, else
// flushes the current batch and sends this message singly, preserving
// per-connection order (§4.4).
func (b *Batcher) Offer(connID string, e protocol.Envelope) {
	if b.cfg.Priority[e.Type] {
		b.flushConn(connID)
		b.flush(connID, []protocol.Envelope{e})
		return
	}
	if !b.cfg.Batchable[e.Type] {
		b.flushConn(connID)
		b.flush(connID, []protocol.Envelope{e})
		return
	}

	buf := b.bufferFor(connID)
	buf.mu.Lock()
	buf.pending = append(buf.pending, e)
	buf.bytes += e.Size()
	full := len(buf.pending) >= b.cfg.MaxBatchSize || buf.bytes >= b.cfg.MaxBatchBytes
	if buf.timer == nil {
		buf.timer = time.AfterFunc(b.cfg.BatchInterval, func() { b.flushConn(connID) })
	}
	var toFlush []protocol.Envelope
	if full {
		toFlush = buf.pending
		buf.pending = nil
		buf.bytes = 0
		if buf.timer != nil {
			buf.timer.Stop()
			buf.timer = nil
		}
	}
	buf.mu.Unlock()

	if toFlush != nil {
		b.flush(connID, toFlush)
	}
}

func (b *Batcher) bufferFor(connID string) *connBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[connID]
	if !ok {
		buf = &connBuffer{}
		b.buffers[connID] = buf
	}
	return buf
}

// flushConn drains and sends whatever is pending for a connection.
func (b *Batcher) flushConn(connID string) {
	b.mu.Lock()
	buf, ok := b.buffers[connID]
	b.mu.Unlock()
	if !ok {
		return
	}

	buf.mu.Lock()
	if buf.closed || len(buf.pending) == 0 {
		buf.mu.Unlock()
		return
	}
	pending := buf.pending
	buf.pending = nil
	buf.bytes = 0
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}
	buf.mu.Unlock()

	b.flush(connID, pending)
}

// Close cancels the timer and drops the buffer without flushing, per
// §4.4: "on connection close the timer is cancelled and buffer
// dropped."
func (b *Batcher) Close(connID string) {
	b.mu.Lock()
	buf, ok := b.buffers[connID]
	delete(b.buffers, connID)
	b.mu.Unlock()
	if !ok {
		return
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	buf.closed = true
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.pending = nil
}
