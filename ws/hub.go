// Package ws implements the WebSocket session layer (§6): the
// /ws/agent and /ws/dashboard upgrade handlers, connection handshake,
// heartbeat and close-code discipline, and the inbound message
// dispatch that feeds the Router, Command Queue, Trace Collector and
// Orchestrator.
//
// Grounded on control_plane/api_stream.go's handleDashboardStream
// (websocket.Upgrader, SetReadDeadline+SetPongHandler, ping ticker,
// blocking read pump) and ws_hub.go's register/unregister channel
// pattern, generalized from a single tenant-scoped metrics feed to
// both connection populations and the full message catalogue.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

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

var errHandshakeTimeout = errors.New("ws: handshake window elapsed without a valid connect message")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config controls handshake/heartbeat timing (§4.2, §6 defaults).
type Config struct {
	HandshakeWindow   time.Duration
	HeartbeatInterval time.Duration // H; health = silent no longer than 2H, closed past 3H
}

// Hub wires every collaborator a live connection needs: auth,
// registry, rate limiting, batching, token refresh, the router, and
// the command-processing pipeline (queue/trace/orchestrator).
type Hub struct {
	cfg      Config
	reg      *registry.Registry
	verifier *auth.Verifier
	limiter  *ratelimit.Limiter
	batcher  *batch.Batcher
	refreshM *refresh.Manager
	r        *router.Router
	queues   *queue.Manager
	tracer   *trace.Collector
	orch     *orchestrator.Orchestrator
	st       store.Store
}

// New builds a Hub. The Batcher must be constructed by the caller with
// a Flusher that calls Hub.deliver (passed back via SetFlusher-style
// wiring is avoided by requiring the caller to build batcher with
// NewBatchFlusher(hub) as its Flusher) — see cmd/controlplane for the
// wiring order.
func New(cfg Config, reg *registry.Registry, verifier *auth.Verifier, limiter *ratelimit.Limiter, batcher *batch.Batcher, refreshM *refresh.Manager, r *router.Router, queues *queue.Manager, tracer *trace.Collector, orch *orchestrator.Orchestrator, st store.Store) *Hub {
	return &Hub{
		cfg:      cfg,
		reg:      reg,
		verifier: verifier,
		limiter:  limiter,
		batcher:  batcher,
		refreshM: refreshM,
		r:        r,
		queues:   queues,
		tracer:   tracer,
		orch:     orch,
		st:       st,
	}
}

// Flusher returns a batch.Flusher bound to this Hub's registry, for
// constructing the Batcher before the Hub itself (the two have a
// circular wiring need otherwise).
func Flusher(reg *registry.Registry) batch.Flusher {
	return func(connID string, envelopes []protocol.Envelope) {
		conn, ok := reg.ByID(connID)
		if !ok {
			return
		}
		sender, ok := conn.Sender.(*wsSender)
		if !ok {
			for _, e := range envelopes {
				_ = conn.Sender.Send(e)
			}
			return
		}
		if len(envelopes) == 1 {
			_ = sender.Send(envelopes[0])
			return
		}
		_ = sender.SendBatch(protocol.NewBatch(envelopes))
	}
}

type connectPeek struct {
	Token string `json:"token"`
}

// handshake upgrades the socket and resolves the authenticated
// principal, either from ?token= or from the first message's payload
// within the handshake window (§6).
func (h *Hub) handshake(w http.ResponseWriter, r *http.Request, wantType string) (*websocket.Conn, *auth.Principal, protocol.Envelope, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, nil, protocol.Envelope{}, err
	}

	if tok := r.URL.Query().Get("token"); tok != "" {
		principal, err := h.verifier.Validate(tok)
		if err != nil {
			_ = conn.Close()
			return nil, nil, protocol.Envelope{}, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.HandshakeWindow))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return nil, nil, protocol.Envelope{}, errHandshakeTimeout
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			_ = conn.Close()
			return nil, nil, protocol.Envelope{}, err
		}
		return conn, principal, env, nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.HandshakeWindow))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, nil, protocol.Envelope{}, errHandshakeTimeout
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		_ = conn.Close()
		return nil, nil, protocol.Envelope{}, err
	}
	if env.Type != wantType {
		_ = conn.Close()
		return nil, nil, protocol.Envelope{}, errors.New("ws: expected " + wantType + " as first message")
	}
	var peek connectPeek
	_ = json.Unmarshal(env.Payload, &peek)
	if peek.Token == "" {
		_ = conn.Close()
		return nil, nil, protocol.Envelope{}, errors.New("ws: no token supplied")
	}
	principal, err := h.verifier.Validate(peek.Token)
	if err != nil {
		_ = conn.Close()
		return nil, nil, protocol.Envelope{}, err
	}
	return conn, principal, env, nil
}

// startHeartbeat sends native ping frames and enforces the read
// deadline derived from the heartbeat window (§4.2: health window is
// 2H, close past 3H).
func (h *Hub) startHeartbeat(conn *websocket.Conn, done <-chan struct{}) {
	readDeadline := h.cfg.HeartbeatInterval * 3
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()
}

func (h *Hub) teardown(connID, agentID string) {
	h.reg.Unregister(connID)
	h.limiter.Forget(connID)
	h.batcher.Close(connID)
	h.refreshM.Forget(connID)
	if agentID != "" {
		h.queues.Remove(agentID)
	}
}
