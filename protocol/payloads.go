package protocol

// Payload structs for the message catalogue in the external interface
// contract. Handlers decode Envelope.Payload into these as needed;
// encoding uses the same structs via NewEnvelope.

type AgentConnectPayload struct {
	AgentID      string   `json:"agentId"`
	AgentType    string   `json:"agentType"`
	Version      string   `json:"version"`
	Host         string   `json:"host"`
	Capabilities []string `json:"capabilities"`
}

type HealthMetrics struct {
	CPU              float64 `json:"cpu"`
	MemoryMB         float64 `json:"memMb"`
	UptimeSeconds    int64   `json:"uptimeSeconds"`
	CommandsHandled  int64   `json:"commandsProcessed"`
	AvgResponseMs    float64 `json:"avgResponseMs"`
}

type AgentHeartbeatPayload struct {
	Health HealthMetrics `json:"health"`
}

type CommandAckPayload struct {
	CommandID     string `json:"commandId"`
	Status        string `json:"status"` // Received, Queued, Executing
	QueuePosition *int   `json:"queuePosition,omitempty"`
}

type TerminalOutputPayload struct {
	CommandID  string `json:"commandId"`
	StreamType string `json:"streamType"` // stdout, stderr
	Content    string `json:"content"`
	AnsiCodes  bool   `json:"ansiCodes"`
	Sequence   int64  `json:"sequence"`
}

type TraceEventPayload struct {
	TraceID     string         `json:"traceId"`
	CommandID   string         `json:"commandId"`
	ParentID    *string        `json:"parentId,omitempty"`
	Type        string         `json:"type"` // LlmPrompt, ToolCall, Response
	Name        string         `json:"name"`
	Content     map[string]any `json:"content,omitempty"`
	StartedAt   int64          `json:"startedAt"`
	CompletedAt *int64         `json:"completedAt,omitempty"`
	DurationMs  *int64         `json:"durationMs,omitempty"`
	TokensUsed  *int64         `json:"tokensUsed,omitempty"`
}

type CommandCompletePayload struct {
	CommandID     string `json:"commandId"`
	Status        string `json:"status"` // Completed, Failed
	ExecutionTime int64  `json:"executionTime"`
	TokensUsed    int64  `json:"tokensUsed"`
	ExitCode      *int   `json:"exitCode,omitempty"`
	Error         string `json:"error,omitempty"`
}

type AgentErrorPayload struct {
	ErrorType   string `json:"errorType"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

type CommandRequestPayload struct {
	CommandID   string         `json:"commandId"`
	Content     string         `json:"content"`
	Type        string         `json:"type"`
	Priority    int            `json:"priority"`
	Constraints map[string]any `json:"constraints,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

type CommandCancelPayload struct {
	CommandID string `json:"commandId"`
	Reason    string `json:"reason"`
	Force     bool   `json:"force,omitempty"`
}

type AgentControlPayload struct {
	Action   string `json:"action"` // Stop, Restart, Pause, Resume
	Reason   string `json:"reason"`
	Graceful bool   `json:"graceful,omitempty"`
	TimeoutMs int64 `json:"timeout,omitempty"`
}

type TokenRefreshPayload struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

type ServerHeartbeatPayload struct {
	ServerTime       int64 `json:"serverTime"`
	NextPingExpected int64 `json:"nextPingExpected"`
}

type AgentStatusPayload struct {
	AgentID        string         `json:"agentId"`
	Status         string         `json:"status"`
	Activity       string         `json:"activity"`
	Health         *HealthMetrics `json:"health,omitempty"`
	CurrentCommand *string        `json:"currentCommand,omitempty"`
	Queued         int            `json:"queued,omitempty"`
}

type CommandStatusPayload struct {
	CommandID     string   `json:"commandId"`
	Status        string   `json:"status"`
	Progress      *float64 `json:"progress,omitempty"`
	QueuePosition *int     `json:"queuePosition,omitempty"`
}

type TerminalStreamPayload struct {
	CommandID  string `json:"commandId"`
	Content    string `json:"content"`
	StreamType string `json:"streamType"`
	AnsiCodes  bool   `json:"ansiCodes"`
}

type QueueUpdatePayload struct {
	AgentID   string   `json:"agentId"`
	QueueSize int      `json:"queueSize"`
	Executing *string  `json:"executing,omitempty"`
	Queued    []string `json:"queued"`
}

type EmergencyStopPayload struct {
	TriggeredBy       string `json:"triggeredBy"`
	Reason            string `json:"reason"`
	AgentsStopped     int    `json:"agentsStopped"`
	CommandsCancelled int    `json:"commandsCancelled"`
}

type DashboardInitPayload struct {
	UserID        string         `json:"userId"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// Subscription names a stream the dashboard wants to receive. Type is
// one of "agent", "command", "trace", or "all"; ID narrows to a single
// agentId/commandId when present.
type Subscription struct {
	Type string  `json:"type"`
	ID   *string `json:"id,omitempty"`
}

type DashboardSubscribePayload struct {
	Type string  `json:"type"`
	ID   *string `json:"id,omitempty"`
}

type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable"`
	RetryAfter  *int64 `json:"retryAfter,omitempty"`
}

type AckPayload struct {
	ID string `json:"id"`
}

// Close codes per the external interface contract (§6).
const (
	CloseNormal            = 1000
	CloseGoingAway         = 1001
	ClosePolicyViolation    = 1008
	CloseServerError        = 1011
	CloseTokenExpired       = 4001
	CloseSupersededByNewer  = 4002
)

// Error codes used in ErrorPayload.Code.
const (
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeAgentNotFound  = "AGENT_NOT_FOUND"
	ErrCodeAgentOffline   = "AGENT_OFFLINE"
	ErrCodeQueueFull      = "QUEUE_FULL"
	ErrCodeNotActive      = "NOT_ACTIVE"
	ErrCodeInternal       = "INTERNAL"
)
