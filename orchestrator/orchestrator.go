// Package orchestrator implements the command lifecycle state machine
// (§4.9): it accepts dashboard command:request, enqueues into the
// target agent's queue, dispatches to the agent via the router,
// translates agent acks/outputs back into dashboard broadcasts, and
// handles emergency-stop.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentbridge/conductor/incident"
	"github.com/agentbridge/conductor/observability"
	"github.com/agentbridge/conductor/protocol"
	"github.com/agentbridge/conductor/queue"
	"github.com/agentbridge/conductor/router"
	"github.com/agentbridge/conductor/store"
	"github.com/agentbridge/conductor/streaming"
)

// backoff returns the retry delay for a given attempt count (1-based),
// exponential with a 30s cap, mirroring the router's retry discipline.
func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// Orchestrator owns command submission, dispatch and completion.
type Orchestrator struct {
	st     store.Store
	queues *queue.Manager
	r      *router.Router
	events streaming.Publisher

	coalesceWindow time.Duration

	mu           sync.Mutex
	busyAgents   map[string]string // agentID -> executing commandID
	stopped      bool
	lastStopAt   time.Time
}

// New builds an Orchestrator. Audit events (currently just
// emergency-stop reports) publish to a log-backed streaming.Publisher
// until a message-broker-backed one is available.
func New(st store.Store, queues *queue.Manager, r *router.Router, coalesceWindow time.Duration) *Orchestrator {
	if coalesceWindow <= 0 {
		coalesceWindow = time.Second
	}
	return &Orchestrator{
		st:             st,
		queues:         queues,
		r:              r,
		events:         streaming.NewLogPublisher(),
		coalesceWindow: coalesceWindow,
		busyAgents:     make(map[string]string),
	}
}

// SubmitRequest is the dashboard-supplied command:request payload,
// already validated by the inbound handler.
type SubmitRequest struct {
	CommandID   string
	UserID      string
	AgentID     string
	Content     string
	Type        string
	Priority    int
	MaxAttempts int
	Delay       time.Duration
	Constraints queue.Constraints
}

// Submit validates and admits a new command: persist Pending, enqueue
// (Queued), broadcast status. Resubmission of the same CommandID is
// idempotent (merge-by-commandId, §9 Open Question) — the original
// command is returned and no new enqueue happens.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*store.Command, error) {
	if req.CommandID == "" {
		req.CommandID = uuid.NewString()
	}
	dedupeKey := "command:submit:" + req.CommandID
	if err := o.st.SetIdempotencyRecordNX(dedupeKey, req.AgentID, 24*time.Hour); err != nil {
		existing, getErr := o.st.GetCommand(ctx, req.CommandID)
		if getErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("duplicate command submission: %w", err)
	}

	if req.Priority < 0 {
		req.Priority = 0
	}
	if req.Priority > 100 {
		req.Priority = 100
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = 3
	}

	cmd := &store.Command{
		CommandID:   req.CommandID,
		UserID:      req.UserID,
		AgentID:     req.AgentID,
		Content:     req.Content,
		Type:        req.Type,
		Priority:    req.Priority,
		Status:      "Pending",
		MaxAttempts: req.MaxAttempts,
		CreatedAt:   time.Now(),
	}
	if err := o.st.CreateCommand(ctx, cmd); err != nil {
		return nil, err
	}
	observability.CommandTransitions.WithLabelValues("Pending").Inc()
	o.publishTransition(ctx, cmd.CommandID, "Pending")
	o.broadcastStatus(cmd.CommandID, "Pending", nil)

	if o.isStopped() {
		return cmd, nil
	}

	q := o.queues.For(req.AgentID)
	if _, err := q.Enqueue(req.CommandID, req.Priority, req.Delay, req.Constraints, req.MaxAttempts); err != nil {
		now := time.Now()
		reason := err.Error()
		_ = o.st.UpdateCommandStatus(ctx, req.CommandID, "Failed", store.CommandStatusUpdate{
			CompletedAt:   &now,
			FailureReason: &reason,
		})
		observability.CommandTransitions.WithLabelValues("Failed").Inc()
		o.publishTransition(ctx, req.CommandID, "Failed")
		o.broadcastStatus(req.CommandID, "Failed", nil)
		return cmd, err
	}

	now := time.Now()
	pos := q.Position(req.CommandID)
	_ = o.st.UpdateCommandStatus(ctx, req.CommandID, "Queued", store.CommandStatusUpdate{
		QueuedAt:      &now,
		QueuePosition: &pos,
	})
	cmd.Status = "Queued"
	observability.CommandTransitions.WithLabelValues("Queued").Inc()
	o.publishTransition(ctx, req.CommandID, "Queued")
	o.broadcastStatus(req.CommandID, "Queued", &pos)
	o.broadcastQueueUpdate(req.AgentID)
	return cmd, nil
}

// TickDispatch attempts to dispatch the next ready command for
// agentID, if the agent is currently idle and dispatch is not
// disabled by an active emergency stop.
func (o *Orchestrator) TickDispatch(ctx context.Context, agentID string) {
	if o.isStopped() {
		return
	}

	o.mu.Lock()
	if _, busy := o.busyAgents[agentID]; busy {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	job := o.queues.For(agentID).Dispatch()
	if job == nil {
		return
	}

	o.mu.Lock()
	o.busyAgents[agentID] = job.CommandID
	o.mu.Unlock()

	now := time.Now()
	_ = o.st.UpdateCommandStatus(ctx, job.CommandID, "Executing", store.CommandStatusUpdate{
		StartedAt:    &now,
		AttemptCount: &job.AttemptCount,
	})
	observability.CommandTransitions.WithLabelValues("Executing").Inc()
	o.publishTransition(ctx, job.CommandID, "Executing")

	cmd, err := o.st.GetCommand(ctx, job.CommandID)
	if err != nil || cmd == nil {
		return
	}
	err = o.r.To(agentID, protocol.TypeCommandRequest, protocol.CommandRequestPayload{
		CommandID: job.CommandID,
		Content:   cmd.Content,
		Type:      cmd.Type,
		Priority:  cmd.Priority,
	}, 5)
	if err != nil {
		o.HandleComplete(ctx, agentID, job.CommandID, false, 0, 0, nil, err.Error())
		return
	}
	o.broadcastStatus(job.CommandID, "Executing", nil)
	o.broadcastQueueUpdate(agentID)
}

// HandleAck records an agent's COMMAND_ACK and forwards status to
// dashboards.
func (o *Orchestrator) HandleAck(ctx context.Context, agentID, commandID, status string, queuePos *int) {
	o.broadcastStatus(commandID, status, queuePos)
}

// HandleComplete applies the COMMAND_COMPLETE transition (§4.9): on
// success the command becomes Completed; on failure it is retried
// with backoff if attempts remain, else Failed. Either outcome frees
// the agent for the next dispatch.
func (o *Orchestrator) HandleComplete(ctx context.Context, agentID, commandID string, ok bool, execTimeMs int64, tokens int64, exitCode *int, failReason string) {
	o.mu.Lock()
	delete(o.busyAgents, agentID)
	o.mu.Unlock()

	q := o.queues.For(agentID)

	if ok {
		q.Complete(commandID)
		now := time.Now()
		_ = o.st.UpdateCommandStatus(ctx, commandID, "Completed", store.CommandStatusUpdate{CompletedAt: &now})
		observability.CommandTransitions.WithLabelValues("Completed").Inc()
		o.publishTransition(ctx, commandID, "Completed")
		o.broadcastStatus(commandID, "Completed", nil)
		o.broadcastQueueUpdate(agentID)
		o.TickDispatch(ctx, agentID)
		return
	}

	cmd, err := o.st.GetCommand(ctx, commandID)
	attempt := 1
	if err == nil && cmd != nil {
		attempt = cmd.AttemptCount + 1
	}
	q.Fail(commandID, failReason, backoff(attempt))

	if attempt < maxAttemptsOr(cmd, 3) {
		pos := q.Position(commandID)
		_ = o.st.UpdateCommandStatus(ctx, commandID, "Queued", store.CommandStatusUpdate{
			AttemptCount:  &attempt,
			QueuePosition: &pos,
		})
		observability.CommandTransitions.WithLabelValues("Queued").Inc()
		o.publishTransition(ctx, commandID, "Queued")
		o.broadcastStatus(commandID, "Queued", &pos)
	} else {
		now := time.Now()
		_ = o.st.UpdateCommandStatus(ctx, commandID, "Failed", store.CommandStatusUpdate{
			CompletedAt:   &now,
			FailureReason: &failReason,
			AttemptCount:  &attempt,
		})
		observability.CommandTransitions.WithLabelValues("Failed").Inc()
		o.publishTransition(ctx, commandID, "Failed")
		o.broadcastStatus(commandID, "Failed", nil)
	}
	o.broadcastQueueUpdate(agentID)
	o.TickDispatch(ctx, agentID)
}

// publishTransition ships a command status change onto the audit/event
// feed alongside the observability.CommandTransitions counter bump at
// each call site, mirroring the teacher's one-metric-per-transition-site
// convention rather than centralizing transitions behind one dispatcher.
func (o *Orchestrator) publishTransition(ctx context.Context, commandID, status string) {
	_ = o.events.Publish(ctx, "audit.command_transition", map[string]string{
		"command_id": commandID,
		"status":     status,
	})
}

func maxAttemptsOr(cmd *store.Command, def int) int {
	if cmd == nil || cmd.MaxAttempts <= 0 {
		return def
	}
	return cmd.MaxAttempts
}

// Interrupt applies command:interrupt (§4.9): Cancelled, with audit.
func (o *Orchestrator) Interrupt(ctx context.Context, commandID, reason string, force bool, timeout time.Duration) error {
	cmd, err := o.st.GetCommand(ctx, commandID)
	if err != nil || cmd == nil {
		return queue.ErrNotActive
	}

	q := o.queues.For(cmd.AgentID)
	result, err := q.Interrupt(commandID, reason, force, timeout)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.busyAgents[cmd.AgentID] == commandID {
		delete(o.busyAgents, cmd.AgentID)
	}
	o.mu.Unlock()

	now := time.Now()
	failReason := result.Reason
	_ = o.st.UpdateCommandStatus(ctx, commandID, "Cancelled", store.CommandStatusUpdate{
		CompletedAt:   &now,
		FailureReason: &failReason,
	})
	observability.CommandTransitions.WithLabelValues("Cancelled").Inc()
	o.publishTransition(ctx, commandID, "Cancelled")
	o.broadcastStatus(commandID, "Cancelled", nil)
	o.broadcastQueueUpdate(cmd.AgentID)

	userID := cmd.UserID
	_ = o.st.CreateAuditLog(ctx, &store.AuditLog{
		ID:        uuid.NewString(),
		UserID:    &userID,
		EventType: "command_interrupt",
		EventData: map[string]any{"command_id": commandID, "reason": reason, "forced": result.Forced},
		CreatedAt: now,
	})
	return nil
}

// EmergencyStop force-interrupts every live command across every
// agent queue and broadcasts EMERGENCY_STOP (§4.9). Repeated triggers
// within the coalesce window are idempotent no-ops.
func (o *Orchestrator) EmergencyStop(ctx context.Context, triggerUserID, reason string, liveCommandIDs []string) error {
	o.mu.Lock()
	if time.Since(o.lastStopAt) < o.coalesceWindow {
		o.mu.Unlock()
		return nil
	}
	o.lastStopAt = time.Now()
	o.stopped = true
	o.mu.Unlock()

	observability.EmergencyStops.Inc()

	var stopped []incident.StoppedCommand
	var failedCount int
	agentsTouched := make(map[string]bool)

	for _, commandID := range liveCommandIDs {
		cmd, err := o.st.GetCommand(ctx, commandID)
		if err != nil || cmd == nil {
			continue
		}
		agentsTouched[cmd.AgentID] = true
		q := o.queues.For(cmd.AgentID)
		result, err := q.Interrupt(commandID, reason, true, 0)
		if err != nil {
			failedCount++
			continue
		}
		stopped = append(stopped, incident.StoppedCommand{
			CommandID:   commandID,
			AgentID:     cmd.AgentID,
			PriorStatus: cmd.Status,
			Forced:      result.Forced,
		})

		now := time.Now()
		failReason := "emergency stop: " + reason
		_ = o.st.UpdateCommandStatus(ctx, commandID, "Cancelled", store.CommandStatusUpdate{
			CompletedAt:   &now,
			FailureReason: &failReason,
		})
		observability.CommandTransitions.WithLabelValues("Cancelled").Inc()
		o.publishTransition(ctx, commandID, "Cancelled")
	}

	o.mu.Lock()
	for agentID := range agentsTouched {
		delete(o.busyAgents, agentID)
	}
	o.mu.Unlock()

	report := incident.Capture(triggerUserID, reason, stopped, failedCount)
	_ = incident.Persist(ctx, o.st, report)
	_ = o.events.Publish(ctx, "audit.emergency_stop", report)

	return o.r.EmergencyBroadcast(protocol.EmergencyStopPayload{
		TriggeredBy:       triggerUserID,
		Reason:            reason,
		AgentsStopped:     len(agentsTouched),
		CommandsCancelled: len(stopped),
	})
}

// ClearEmergencyStop re-enables dispatch after an operator confirms
// it is safe to resume.
func (o *Orchestrator) ClearEmergencyStop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = false
}

func (o *Orchestrator) isStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

func (o *Orchestrator) broadcastStatus(commandID, status string, queuePos *int) {
	_ = o.r.ToDashboards(protocol.TypeCommandStatus, protocol.CommandStatusPayload{
		CommandID:     commandID,
		Status:        status,
		QueuePosition: queuePos,
	}, 5, "", "")
}

func (o *Orchestrator) broadcastQueueUpdate(agentID string) {
	q := o.queues.For(agentID)
	m := q.Metrics()
	queued := q.ReadyIDs()
	var executing *string
	if id := q.Executing(); id != "" {
		executing = &id
	}
	_ = o.r.ToDashboards(protocol.TypeQueueUpdate, protocol.QueueUpdatePayload{
		AgentID:   agentID,
		QueueSize: m.Pending + m.Executing,
		Executing: executing,
		Queued:    queued,
	}, 3, "", "")
}
