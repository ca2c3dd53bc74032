package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentbridge/conductor/observability"
	"github.com/agentbridge/conductor/orchestrator"
	"github.com/agentbridge/conductor/protocol"
	"github.com/agentbridge/conductor/registry"
	"github.com/agentbridge/conductor/store"
	"github.com/agentbridge/conductor/trace"
)

// HandleAgent upgrades /ws/agent connections: handshake, register,
// heartbeat, then pump inbound agent messages into the store, trace
// collector and orchestrator.
func (h *Hub) HandleAgent(w http.ResponseWriter, r *http.Request) {
	conn, principal, first, err := h.handshake(w, r, protocol.TypeAgentConnect)
	if err != nil {
		log.Printf("ws: agent handshake failed: %v", err)
		return
	}

	var connectPayload protocol.AgentConnectPayload
	_ = json.Unmarshal(first.Payload, &connectPayload)
	if connectPayload.AgentID == "" {
		connectPayload.AgentID = uuid.NewString()
	}

	connID := uuid.NewString()
	sender := newWSSender(conn)
	rc := &registry.Connection{
		ID:           connID,
		Population:   protocol.PopulationAgent,
		Principal:    *principal,
		AgentID:      connectPayload.AgentID,
		AgentType:    connectPayload.AgentType,
		Capabilities: connectPayload.Capabilities,
		Sender:       sender,
		CreatedAt:    time.Now(),
	}
	rc.MarkAuthenticated()

	if err := h.reg.Register(rc); err != nil {
		log.Printf("ws: agent %s superseded prior session: %v", connectPayload.AgentID, err)
	}
	h.refreshM.Track(connID, principal.ExpiresAt)

	ctx := context.Background()
	_ = h.st.UpsertAgent(ctx, &store.Agent{
		AgentID: connectPayload.AgentID,
		UserID:  principal.UserID,
		Name:    connectPayload.AgentID,
		Type:    connectPayload.AgentType,
		Status:  "Online",
	})
	observability.ConnectedAgents.Inc()
	h.orch.TickDispatch(ctx, connectPayload.AgentID)

	done := make(chan struct{})
	h.startHeartbeat(conn, done)
	defer func() {
		close(done)
		_ = h.st.UpdateAgentStatus(ctx, connectPayload.AgentID, "Offline")
		h.teardown(connID, connectPayload.AgentID)
		observability.ConnectedAgents.Dec()
	}()

	h.agentReadPump(ctx, conn, connID, connectPayload.AgentID)
}

func (h *Hub) agentReadPump(ctx context.Context, conn *websocket.Conn, connID, agentID string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			continue
		}
		res := h.limiter.Allow(connID, env.Type)
		if !res.Allowed {
			observability.RateLimitRejections.WithLabelValues("per_minute").Inc()
			if res.Closed {
				rc, ok := h.reg.ByID(connID)
				if ok {
					_ = rc.Sender.Close(protocol.ClosePolicyViolation, "rate limit violations exceeded")
				}
				return
			}
			continue
		}
		h.dispatchAgentMessage(ctx, connID, agentID, env)
	}
}

func (h *Hub) dispatchAgentMessage(ctx context.Context, connID, agentID string, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAgentHeartbeat:
		_ = h.st.UpdateAgentHeartbeat(ctx, agentID, time.Now())

	case protocol.TypeCommandAck:
		var p protocol.CommandAckPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			h.orch.HandleAck(ctx, agentID, p.CommandID, p.Status, p.QueuePosition)
		}

	case protocol.TypeTerminalOutput:
		var p protocol.TerminalOutputPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		_ = h.st.AppendTerminalOutput(ctx, &store.TerminalOutput{
			ID:        uuid.NewString(),
			CommandID: p.CommandID,
			AgentID:   agentID,
			Type:      p.StreamType,
			Content:   p.Content,
			Timestamp: time.Now(),
		})
		_ = h.r.ToDashboards(protocol.TypeTerminalStream, protocol.TerminalStreamPayload{
			CommandID:  p.CommandID,
			Content:    p.Content,
			StreamType: p.StreamType,
			AnsiCodes:  p.AnsiCodes,
		}, 4, "command", p.CommandID)

	case protocol.TypeTraceEvent:
		var p protocol.TraceEventPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		te := &trace.Event{
			ID:        p.TraceID,
			CommandID: p.CommandID,
			AgentID:   agentID,
			ParentID:  p.ParentID,
			Type:      p.Type,
			Name:      p.Name,
			Content:   p.Content,
			StartedAt: time.UnixMilli(p.StartedAt),
			TokensUsed: p.TokensUsed,
		}
		if p.CompletedAt != nil {
			c := time.UnixMilli(*p.CompletedAt)
			te.CompletedAt = &c
		}
		if err := h.tracer.Ingest(ctx, te); err != nil {
			log.Printf("ws: trace ingest rejected for command %s: %v", p.CommandID, err)
		}
		_ = h.r.ToDashboards(protocol.TypeTraceStream, p, 2, "trace", p.CommandID)

	case protocol.TypeCommandComplete:
		var p protocol.CommandCompletePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		ok := p.Status == "Completed"
		h.orch.HandleComplete(ctx, agentID, p.CommandID, ok, p.ExecutionTime, p.TokensUsed, p.ExitCode, p.Error)

	case protocol.TypeAgentError:
		var p protocol.AgentErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			log.Printf("ws: agent %s reported error type=%s recoverable=%v: %s", agentID, p.ErrorType, p.Recoverable, p.Message)
		}

	case protocol.TypeAuthNewToken, protocol.TypeAuthRefreshSuccess:
		// Client-originated acks to our own refresh prompts; no action needed.

	default:
		log.Printf("ws: agent %s sent unhandled message type %s", agentID, env.Type)
	}
}

// HandleDashboard upgrades /ws/dashboard connections: handshake,
// register, heartbeat, then pump inbound dashboard control messages
// into the orchestrator and subscription state.
func (h *Hub) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	conn, principal, first, err := h.handshake(w, r, protocol.TypeDashboardInit)
	if err != nil {
		log.Printf("ws: dashboard handshake failed: %v", err)
		return
	}

	var initPayload protocol.DashboardInitPayload
	_ = json.Unmarshal(first.Payload, &initPayload)

	connID := uuid.NewString()
	sender := newWSSender(conn)
	rc := &registry.Connection{
		ID:         connID,
		Population: protocol.PopulationDashboard,
		Principal:  *principal,
		Sender:     sender,
		CreatedAt:  time.Now(),
	}
	rc.MarkAuthenticated()
	rc.SetSubscriptions(initPayload.Subscriptions)

	if err := h.reg.Register(rc); err != nil {
		log.Printf("ws: dashboard register conflict: %v", err)
	}
	h.refreshM.Track(connID, principal.ExpiresAt)
	observability.ConnectedDashboards.Inc()

	done := make(chan struct{})
	h.startHeartbeat(conn, done)
	defer func() {
		close(done)
		h.teardown(connID, "")
		observability.ConnectedDashboards.Dec()
	}()

	h.dashboardReadPump(context.Background(), conn, connID)
}

func (h *Hub) dashboardReadPump(ctx context.Context, conn *websocket.Conn, connID string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			continue
		}
		res := h.limiter.Allow(connID, env.Type)
		if !res.Allowed {
			observability.RateLimitRejections.WithLabelValues("per_minute").Inc()
			if res.Closed {
				rc, ok := h.reg.ByID(connID)
				if ok {
					_ = rc.Sender.Close(protocol.ClosePolicyViolation, "rate limit violations exceeded")
				}
				return
			}
			continue
		}
		h.dispatchDashboardMessage(ctx, connID, env)
	}
}

func (h *Hub) dispatchDashboardMessage(ctx context.Context, connID string, env protocol.Envelope) {
	rc, ok := h.reg.ByID(connID)
	if !ok {
		return
	}

	switch env.Type {
	case protocol.TypeDashboardSubscribe:
		var p protocol.DashboardSubscribePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			rc.AddSubscription(protocol.Subscription{Type: p.Type, ID: p.ID})
		}

	case protocol.TypeDashboardUnsubscribe:
		var p protocol.DashboardSubscribePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			rc.RemoveSubscription(protocol.Subscription{Type: p.Type, ID: p.ID})
		}

	case protocol.TypeCommandRequestIn:
		var p struct {
			CommandID   string `json:"commandId"`
			AgentID     string `json:"agentId"`
			Content     string `json:"content"`
			Type        string `json:"type"`
			Priority    int    `json:"priority"`
			MaxAttempts int    `json:"maxAttempts"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		_, err := h.orch.Submit(ctx, orchestrator.SubmitRequest{
			CommandID:   p.CommandID,
			UserID:      rc.Principal.UserID,
			AgentID:     p.AgentID,
			Content:     p.Content,
			Type:        p.Type,
			Priority:    p.Priority,
			MaxAttempts: p.MaxAttempts,
		})
		if err != nil {
			errEnv, _ := protocol.NewEnvelope(protocol.TypeError, protocol.ErrorPayload{
				Code:    protocol.ErrCodeQueueFull,
				Message: err.Error(),
			})
			_ = rc.Sender.Send(errEnv)
		}
		h.orch.TickDispatch(ctx, p.AgentID)

	case protocol.TypeCommandInterrupt:
		var p protocol.CommandCancelPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		if err := h.orch.Interrupt(ctx, p.CommandID, p.Reason, p.Force, 5*time.Second); err != nil {
			errEnv, _ := protocol.NewEnvelope(protocol.TypeError, protocol.ErrorPayload{
				Code:    protocol.ErrCodeNotActive,
				Message: err.Error(),
			})
			_ = rc.Sender.Send(errEnv)
		}

	case protocol.TypeAuthNewToken, protocol.TypeAuthRefreshSuccess:

	default:
		log.Printf("ws: dashboard %s sent unhandled message type %s", connID, env.Type)
	}
}
