// Package incident assembles and persists the audit record for an
// EMERGENCY_STOP invocation (§4.9), following the gather-then-persist
// shape of a point-in-time capture.
package incident

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/agentbridge/conductor/store"
)

// StoppedCommand is one command the emergency stop interrupted.
type StoppedCommand struct {
	CommandID     string `json:"command_id"`
	AgentID       string `json:"agent_id"`
	PriorStatus   string `json:"prior_status"`
	Forced        bool   `json:"forced"`
}

// Report is the captured context for one EMERGENCY_STOP invocation.
type Report struct {
	TriggerUserID string            `json:"trigger_user_id"`
	Reason        string            `json:"reason,omitempty"`
	Stopped       []StoppedCommand  `json:"stopped"`
	Succeeded     int               `json:"succeeded"`
	Failed        int               `json:"failed"`
	CapturedAt    time.Time         `json:"captured_at"`
}

// Capture builds a Report from the set of commands an emergency stop
// touched.
func Capture(triggerUserID, reason string, stopped []StoppedCommand, failed int) *Report {
	return &Report{
		TriggerUserID: triggerUserID,
		Reason:        reason,
		Stopped:       stopped,
		Succeeded:     len(stopped) - failed,
		Failed:        failed,
		CapturedAt:    time.Now(),
	}
}

// Persist writes the report as an audit_logs row (§6).
func Persist(ctx context.Context, s store.Store, r *Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	var eventData map[string]any
	if err := json.Unmarshal(data, &eventData); err != nil {
		return err
	}
	userID := r.TriggerUserID
	return s.CreateAuditLog(ctx, &store.AuditLog{
		ID:        uuid.NewString(),
		UserID:    &userID,
		EventType: "emergency_stop",
		EventData: eventData,
		CreatedAt: r.CapturedAt,
	})
}
