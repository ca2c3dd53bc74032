// Package protocol defines the WebSocket wire format shared by agents and
// dashboards: the message envelope, the batch envelope and the message
// type catalogue from the external interface contract.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Version is the envelope schema version advertised on the wire.
const Version = "1.0.0"

// Population identifies which client population a connection belongs to.
type Population string

const (
	PopulationAgent     Population = "agent"
	PopulationDashboard Population = "dashboard"
)

// Message types, grouped by direction per the catalogue.
const (
	// Agent -> Server
	TypeAgentConnect    = "AGENT_CONNECT"
	TypeAgentHeartbeat  = "AGENT_HEARTBEAT"
	TypeCommandAck      = "COMMAND_ACK"
	TypeTerminalOutput  = "TERMINAL_OUTPUT"
	TypeTraceEvent      = "TRACE_EVENT"
	TypeCommandComplete = "COMMAND_COMPLETE"
	TypeAgentError      = "AGENT_ERROR"

	// Server -> Agent
	TypeCommandRequest = "COMMAND_REQUEST"
	TypeCommandCancel  = "COMMAND_CANCEL"
	TypeAgentControl   = "AGENT_CONTROL"
	TypeTokenRefresh   = "TOKEN_REFRESH"

	// Server -> Agent/Dashboard
	TypeServerHeartbeat = "SERVER_HEARTBEAT"

	// Server -> Dashboard
	TypeAgentStatus   = "AGENT_STATUS"
	TypeCommandStatus = "COMMAND_STATUS"
	TypeTerminalStream = "TERMINAL_STREAM"
	TypeTraceStream   = "TRACE_STREAM"
	TypeQueueUpdate   = "QUEUE_UPDATE"
	TypeEmergencyStop = "EMERGENCY_STOP"

	// Dashboard -> Server
	TypeDashboardInit        = "DASHBOARD_INIT"
	TypeDashboardSubscribe   = "DASHBOARD_SUBSCRIBE"
	TypeDashboardUnsubscribe = "DASHBOARD_UNSUBSCRIBE"
	TypeCommandRequestIn     = "command:request"
	TypeCommandInterrupt     = "command:interrupt"

	// Bidirectional control
	TypePing  = "PING"
	TypePong  = "PONG"
	TypeAck   = "ACK"
	TypeError = "ERROR"
	TypeBatch = "batch"

	// Auth refresh round trip (in-band, see auth.RefreshManager)
	TypeAuthRefreshNeeded = "auth:refresh-needed"
	TypeAuthRefreshSuccess = "auth:refresh-success"
	TypeAuthNewToken      = "auth:new-token"
)

// Envelope is the JSON wire frame for every non-batched message.
type Envelope struct {
	Version   string          `json:"version"`
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope with a fresh id and the current time,
// marshaling payload to JSON.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Version:   Version,
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// BatchEnvelope wraps several envelopes coalesced by the batcher.
type BatchEnvelope struct {
	Type      string     `json:"type"`
	Messages  []Envelope `json:"messages"`
	Count     int        `json:"count"`
	Timestamp int64      `json:"timestamp"`
}

// NewBatch builds a batch envelope from accumulated messages.
func NewBatch(messages []Envelope) BatchEnvelope {
	return BatchEnvelope{
		Type:      TypeBatch,
		Messages:  messages,
		Count:     len(messages),
		Timestamp: time.Now().UnixMilli(),
	}
}

// Size returns the serialized byte length of the envelope, used by the
// batcher to enforce maxBatchBytes.
func (e Envelope) Size() int {
	b, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return len(b)
}
