// Package trace implements the Trace Tree Collector (§4.8): it ingests
// streamed trace events, builds the parent/child forest for a command,
// derives aggregated stats, and detects command completion.
package trace

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentbridge/conductor/observability"
	"github.com/agentbridge/conductor/store"
)

// errTraceTooDeep is returned by Ingest when an event's parentId chain
// exceeds Config.MaxTraceDepth.
var errTraceTooDeep = errors.New("trace: max depth exceeded")

// Event mirrors store.TraceEntry for the ingest path; Collector owns
// translating it to/from the persisted row.
type Event struct {
	ID          string
	CommandID   string
	AgentID     string
	ParentID    *string
	Type        string // LlmPrompt, ToolCall, Response
	Name        string
	Content     map[string]any
	StartedAt   time.Time
	CompletedAt *time.Time
	TokensUsed  *int64
}

// Config tunes the collector; zero values fall back to spec defaults.
type Config struct {
	MaxTraceDepth       int
	MaxTracesPerCommand int
	CompletionIdle      time.Duration
	SlowMs              int64
	VerySlowMs          int64
	HighTokenUsage      int64
	MaxExportSize       int
	MaxExportDepth      int
}

func (c Config) withDefaults() Config {
	if c.MaxTraceDepth <= 0 {
		c.MaxTraceDepth = 50
	}
	if c.MaxTracesPerCommand <= 0 {
		c.MaxTracesPerCommand = 2000
	}
	if c.CompletionIdle <= 0 {
		c.CompletionIdle = 30 * time.Second
	}
	if c.SlowMs <= 0 {
		c.SlowMs = 2000
	}
	if c.VerySlowMs <= 0 {
		c.VerySlowMs = 10000
	}
	if c.HighTokenUsage <= 0 {
		c.HighTokenUsage = 8000
	}
	if c.MaxExportSize <= 0 {
		c.MaxExportSize = 5000
	}
	if c.MaxExportDepth <= 0 {
		c.MaxExportDepth = 50
	}
	return c
}

type commandState struct {
	events     []*Event // insertion order, capped at MaxTracesPerCommand
	lastEvent  time.Time
	completed  bool
}

// Collector holds per-command in-memory trace lists and persists each
// event via Store as it arrives.
type Collector struct {
	mu   sync.Mutex
	cfg  Config
	st   store.Store
	cmds map[string]*commandState

	onAdded     func(commandID string, e *Event)
	onCompleted func(commandID string, agg *Aggregation)
}

// New builds a Collector. onAdded/onCompleted may be nil.
func New(st store.Store, cfg Config, onAdded func(string, *Event), onCompleted func(string, *Aggregation)) *Collector {
	return &Collector{
		cfg:         cfg.withDefaults(),
		st:          st,
		cmds:        make(map[string]*commandState),
		onAdded:     onAdded,
		onCompleted: onCompleted,
	}
}

// Ingest records one trace event (§4.8 ingest path).
func (c *Collector) Ingest(ctx context.Context, e *Event) error {
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}

	depth, err := c.depthOf(ctx, e)
	if err != nil {
		return err
	}
	if depth > c.cfg.MaxTraceDepth {
		return errTraceTooDeep
	}

	entry := &store.TraceEntry{
		ID:          e.ID,
		CommandID:   e.CommandID,
		AgentID:     e.AgentID,
		ParentID:    e.ParentID,
		Type:        e.Type,
		Name:        e.Name,
		Content:     e.Content,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		TokensUsed:  e.TokensUsed,
	}
	if e.CompletedAt != nil {
		d := e.CompletedAt.Sub(e.StartedAt).Milliseconds()
		entry.DurationMs = &d
	}
	if err := c.st.CreateTraceEntry(ctx, entry); err != nil {
		return err
	}

	c.mu.Lock()
	cs, ok := c.cmds[e.CommandID]
	if !ok {
		cs = &commandState{}
		c.cmds[e.CommandID] = cs
	}
	cs.events = append(cs.events, e)
	cs.lastEvent = time.Now()
	if len(cs.events) > c.cfg.MaxTracesPerCommand {
		observability.TraceEntriesDropped.Inc()
		cs.events = cs.events[1:]
	}
	snapshot := append([]*Event(nil), cs.events...)
	c.mu.Unlock()

	if c.onAdded != nil {
		c.onAdded(e.CommandID, e)
	}

	if e.CompletedAt != nil && allCompleted(snapshot) {
		c.complete(e.CommandID, snapshot)
	}
	return nil
}

// SweepIdle checks every tracked command for completion-by-idle
// (§4.8: "no new events arrive for 30s").
func (c *Collector) SweepIdle() {
	now := time.Now()
	c.mu.Lock()
	var toComplete []string
	for cmdID, cs := range c.cmds {
		if cs.completed {
			continue
		}
		if now.Sub(cs.lastEvent) >= c.cfg.CompletionIdle && allCompleted(cs.events) {
			toComplete = append(toComplete, cmdID)
		}
	}
	c.mu.Unlock()

	for _, cmdID := range toComplete {
		c.mu.Lock()
		cs := c.cmds[cmdID]
		snapshot := append([]*Event(nil), cs.events...)
		c.mu.Unlock()
		c.complete(cmdID, snapshot)
	}
}

func (c *Collector) complete(commandID string, events []*Event) {
	c.mu.Lock()
	cs, ok := c.cmds[commandID]
	if !ok || cs.completed {
		c.mu.Unlock()
		return
	}
	cs.completed = true
	c.mu.Unlock()

	start := time.Now()
	agg := BuildAggregation(events, c.cfg)
	observability.TraceBuildDuration.Observe(time.Since(start).Seconds())

	if c.onCompleted != nil {
		c.onCompleted(commandID, agg)
	}

	c.mu.Lock()
	delete(c.cmds, commandID)
	c.mu.Unlock()
}

func allCompleted(events []*Event) bool {
	if len(events) == 0 {
		return false
	}
	for _, e := range events {
		if e.CompletedAt == nil {
			return false
		}
	}
	return true
}

// depthOf walks the parentId chain via storage to compute e's depth.
func (c *Collector) depthOf(ctx context.Context, e *Event) (int, error) {
	depth := 0
	parentID := e.ParentID
	for parentID != nil {
		depth++
		if depth > c.cfg.MaxTraceDepth {
			return depth, nil
		}
		parent, err := c.st.GetTraceEntry(ctx, *parentID)
		if err != nil {
			return depth, err
		}
		if parent == nil {
			break
		}
		parentID = parent.ParentID
	}
	return depth, nil
}

// Cleanup deletes trace entries older than olderThan and returns the
// count removed (§4.8 storage hygiene).
func (c *Collector) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	return c.st.DeleteTraceEntriesOlderThan(ctx, time.Now().Add(-olderThan))
}
