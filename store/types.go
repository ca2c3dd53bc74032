package store

import (
	"time"
)

// Agent is the persisted row for a registered execution agent (§3, §6).
type Agent struct {
	AgentID       string            `json:"agent_id" db:"id"`
	UserID        string            `json:"user_id" db:"user_id"`
	Name          string            `json:"name" db:"name"`
	Type          string            `json:"type" db:"type"` // Claude, Gemini, Codex, Mock
	Status        string            `json:"status" db:"status"` // Online, Connecting, Offline, Error
	LastPing      time.Time         `json:"last_ping" db:"last_ping"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
	Metadata      map[string]string `json:"metadata" db:"metadata"` // JSONB in Postgres
}

// Command is the persisted row for one unit of work submitted to an
// agent (§3, §6). Status transitions form the DAG Pending -> Queued ->
// Executing -> {Completed | Failed | Cancelled}; once terminal the row
// is immutable.
type Command struct {
	CommandID     string            `json:"command_id" db:"id"`
	UserID        string            `json:"user_id" db:"user_id"`
	AgentID       string            `json:"agent_id" db:"agent_id"`
	Content       string            `json:"content" db:"content"`
	Type          string            `json:"type" db:"type"`
	Priority      int               `json:"priority" db:"priority"` // clamped [0,100] on insert
	Status        string            `json:"status" db:"status"`
	QueuePosition *int              `json:"queue_position,omitempty" db:"queue_position"`
	AttemptCount  int               `json:"attempt_count" db:"attempt_count"`
	MaxAttempts   int               `json:"max_attempts" db:"max_attempts"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	QueuedAt      *time.Time        `json:"queued_at,omitempty" db:"queued_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	FailureReason string            `json:"failure_reason,omitempty" db:"failure_reason"`
	Metadata      map[string]string `json:"metadata,omitempty" db:"metadata"`
}

// TerminalOutput is one chunk of streamed stdout/stderr for a command.
type TerminalOutput struct {
	ID        string    `json:"id" db:"id"`
	CommandID string    `json:"command_id" db:"command_id"`
	AgentID   string    `json:"agent_id" db:"agent_id"`
	Type      string    `json:"type" db:"type"` // stdout, stderr
	Content   string    `json:"content" db:"content"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// TraceEntry is one node in a command's execution tree (§3, §4.8):
// LlmPrompt, ToolCall or Response, optionally parented to another
// entry within the same command.
type TraceEntry struct {
	ID          string         `json:"id" db:"id"`
	CommandID   string         `json:"command_id" db:"command_id"`
	AgentID     string         `json:"agent_id" db:"agent_id"`
	ParentID    *string        `json:"parent_id,omitempty" db:"parent_id"`
	Type        string         `json:"type" db:"type"`
	Name        string         `json:"name" db:"name"`
	Content     map[string]any `json:"content,omitempty" db:"content"`
	StartedAt   time.Time      `json:"started_at" db:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs  *int64         `json:"duration_ms,omitempty" db:"duration_ms"`
	TokensUsed  *int64         `json:"tokens_used,omitempty" db:"tokens_used"`
}

// AuditLog is an append-only record of a security- or operationally-
// relevant event (auth failures, emergency stops, interrupts).
type AuditLog struct {
	ID        string         `json:"id" db:"id"`
	UserID    *string        `json:"user_id,omitempty" db:"user_id"`
	EventType string         `json:"event_type" db:"event_type"`
	EventData map[string]any `json:"event_data,omitempty" db:"event_data"`
	IP        string         `json:"ip,omitempty" db:"ip"`
	UserAgent string         `json:"user_agent,omitempty" db:"user_agent"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// CommandStatusUpdate carries the optional fields a status transition
// may set; nil fields are left unchanged (§4.9 state machine).
type CommandStatusUpdate struct {
	QueuePosition *int
	AttemptCount  *int
	QueuedAt      *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	FailureReason *string
}
