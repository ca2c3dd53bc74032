// Package router implements the Message Router (§4.6): a bounded
// priority queue of outbound envelopes, a tick loop that drains them
// by descending priority with FIFO tie-break, retries with
// exponential backoff, and drop-lowest-priority eviction under
// pressure.
//
// Grounded on control_plane/scheduler/queue.go's container/heap
// TaskQueue (Less/Push/Pop, ThreadSafeQueue wrapper) — the aging term
// in the teacher's Less is dropped because router priority is static
// per envelope (§4.6 does not age envelopes the way the command queue
// ages commands, see package queue for that) — and on
// scheduler/circuit_breaker.go, wired here as the optional
// backpressure signal named in SPEC_FULL §11.
package router

import (
	"container/heap"
	"context"
	"log"
	"sync"
	"time"

	"github.com/agentbridge/conductor/batch"
	"github.com/agentbridge/conductor/observability"
	"github.com/agentbridge/conductor/protocol"
	"github.com/agentbridge/conductor/registry"
	"github.com/agentbridge/conductor/resilience"
	"github.com/agentbridge/conductor/streaming"
)

// TargetClass selects how an envelope's targets are resolved.
type TargetClass int

const (
	TargetPopulationAgent TargetClass = iota
	TargetPopulationDashboard
	TargetConnection
	TargetAgent
)

type outboundEnvelope struct {
	msg         protocol.Envelope
	class       TargetClass
	targetID    string
	filter      func(*registry.Connection) bool
	priority    int
	attempts    int
	createdAt   time.Time
	scheduledAt time.Time
	seq         int64
}

// envelopeHeap orders by descending priority, ties broken by insertion
// sequence (FIFO), mirroring the teacher's TaskQueue shape.
type envelopeHeap []*outboundEnvelope

func (h envelopeHeap) Len() int { return len(h) }
func (h envelopeHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h envelopeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *envelopeHeap) Push(x any)   { *h = append(*h, x.(*outboundEnvelope)) }
func (h *envelopeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// lowestPriorityIndex finds the oldest entry among the lowest-priority
// envelopes, for the drop-lowest-priority eviction policy.
func (h envelopeHeap) lowestPriorityIndex() int {
	worst := 0
	for i := 1; i < len(h); i++ {
		if h[i].priority < h[worst].priority ||
			(h[i].priority == h[worst].priority && h[i].seq < h[worst].seq) {
			worst = i
		}
	}
	return worst
}

// lowPriorityShedThreshold is the priority ceiling below which the
// circuit breaker gates admission (§11): envelopes at or above this
// priority always bypass the breaker so backpressure sheds load, not
// urgency.
const lowPriorityShedThreshold = 5

// Config controls router tunables (§4.6 defaults).
type Config struct {
	QueueCap       int
	TickInterval   time.Duration
	DrainPerTick   int
	MessageTimeout time.Duration
	RetryAttempts  int
	Batchable      map[string]bool
}

// Router is the Message Router core.
type Router struct {
	cfg     Config
	reg     *registry.Registry
	batcher *batch.Batcher
	breaker *resilience.CircuitBreaker
	events  streaming.Publisher

	mu   sync.Mutex
	q    envelopeHeap
	seq  int64

	stop chan struct{}
}

// New builds a Router. Drops publish to a log-backed streaming.Publisher
// (see Orchestrator.events) until a message-broker-backed one replaces it.
func New(cfg Config, reg *registry.Registry, batcher *batch.Batcher, breaker *resilience.CircuitBreaker) *Router {
	r := &Router{cfg: cfg, reg: reg, batcher: batcher, breaker: breaker, events: streaming.NewLogPublisher(), stop: make(chan struct{})}
	heap.Init(&r.q)
	return r
}

// To sends to a single agent by agentId (§4.6).
func (r *Router) To(agentID, msgType string, payload any, priority int) error {
	return r.enqueue(TargetAgent, agentID, nil, msgType, payload, priority)
}

// ToAllAgents fans out to every live agent connection.
func (r *Router) ToAllAgents(msgType string, payload any, priority int) error {
	return r.enqueue(TargetPopulationAgent, "", nil, msgType, payload, priority)
}

// ToDashboards fans out to dashboards subscribed to subKind/subID (or
// "all"); an empty subKind matches every dashboard unconditionally,
// used for truly global broadcasts like SERVER_HEARTBEAT.
func (r *Router) ToDashboards(msgType string, payload any, priority int, subKind, subID string) error {
	var filter func(*registry.Connection) bool
	if subKind != "" {
		filter = func(c *registry.Connection) bool { return c.MatchesSubscription(subKind, subID) }
	}
	return r.enqueue(TargetPopulationDashboard, "", filter, msgType, payload, priority)
}

// ToConnection sends to one connection by its connection id.
func (r *Router) ToConnection(connID, msgType string, payload any, priority int) error {
	return r.enqueue(TargetConnection, connID, nil, msgType, payload, priority)
}

// EmergencyBroadcast fans to both populations at priority 10 (§4.6),
// bypassing dashboard subscription filters.
func (r *Router) EmergencyBroadcast(payload any) error {
	if err := r.enqueue(TargetPopulationAgent, "", nil, protocol.TypeEmergencyStop, payload, 10); err != nil {
		return err
	}
	return r.enqueue(TargetPopulationDashboard, "", nil, protocol.TypeEmergencyStop, payload, 10)
}

func (r *Router) enqueue(class TargetClass, targetID string, filter func(*registry.Connection) bool, msgType string, payload any, priority int) error {
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}
	msg, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}

	if r.breaker != nil && priority < lowPriorityShedThreshold {
		r.mu.Lock()
		depth := len(r.q)
		r.mu.Unlock()
		saturation := 0.0
		if r.cfg.QueueCap > 0 {
			saturation = float64(depth) / float64(r.cfg.QueueCap)
		}
		if !r.breaker.ShouldAdmit(depth, saturation) {
			r.updateCircuitGauge()
			observability.RouterDropped.WithLabelValues("circuit_open").Inc()
			r.publishDrop(msg.ID, "circuit_open")
			return nil
		}
		r.updateCircuitGauge()
	}
	now := time.Now()

	r.mu.Lock()
	r.seq++
	item := &outboundEnvelope{
		msg: msg, class: class, targetID: targetID, filter: filter,
		priority: priority, createdAt: now, scheduledAt: now, seq: r.seq,
	}
	if len(r.q) >= r.cfg.QueueCap {
		victim := r.q.lowestPriorityIndex()
		victimID := r.q[victim].msg.ID
		heap.Remove(&r.q, victim)
		observability.RouterDropped.WithLabelValues("queue_full").Inc()
		r.publishDrop(victimID, "queue_full")
	}
	heap.Push(&r.q, item)
	observability.RouterQueueDepth.Set(float64(len(r.q)))
	r.mu.Unlock()
	return nil
}

// updateCircuitGauge syncs observability.RouterCircuitState with the
// breaker's current state.
func (r *Router) updateCircuitGauge() {
	observability.RouterCircuitState.Set(float64(r.breaker.GetState()))
}

// publishDrop ships a router-dropped-envelope event onto the audit/event
// feed alongside the observability.RouterDropped counter bump.
func (r *Router) publishDrop(envelopeID string, reason string) {
	_ = r.events.Publish(context.Background(), "audit.router_drop", map[string]any{
		"envelope_id": envelopeID,
		"reason":      reason,
	})
}

// Run drives the tick loop until Stop is called.
func (r *Router) Run() {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.tick()
		case <-r.stop:
			return
		}
	}
}

func (r *Router) Stop() { close(r.stop) }

func (r *Router) tick() {
	now := time.Now()
	var ready, requeue []*outboundEnvelope

	r.mu.Lock()
	for len(r.q) > 0 && len(ready) < r.cfg.DrainPerTick {
		item := heap.Pop(&r.q).(*outboundEnvelope)
		if item.scheduledAt.After(now) {
			requeue = append(requeue, item)
			continue
		}
		ready = append(ready, item)
	}
	for _, item := range requeue {
		heap.Push(&r.q, item)
	}
	observability.RouterQueueDepth.Set(float64(len(r.q)))
	r.mu.Unlock()

	for _, item := range ready {
		r.process(item)
	}
}

func (r *Router) process(item *outboundEnvelope) {
	if time.Since(item.createdAt) > r.cfg.MessageTimeout {
		observability.RouterDropped.WithLabelValues("timeout").Inc()
		log.Printf("router: dropped envelope %s type=%s reason=timeout", item.msg.ID, item.msg.Type)
		r.publishDrop(item.msg.ID, "timeout")
		return
	}

	targets := r.resolveTargets(item)
	delivered := 0
	for _, c := range targets {
		if r.batcher != nil && r.cfg.Batchable[item.msg.Type] {
			r.batcher.Offer(c.ID, item.msg)
			delivered++
			continue
		}
		if err := c.Sender.Send(item.msg); err != nil {
			if r.breaker != nil {
				r.breaker.RecordFailure()
				r.updateCircuitGauge()
			}
			continue
		}
		r.reg.RecordActivity(c.ID, int64(item.msg.Size()), false)
		if r.breaker != nil {
			r.breaker.RecordSuccess()
			r.updateCircuitGauge()
		}
		delivered++
	}

	if delivered == 0 {
		item.attempts++
		if item.attempts >= r.cfg.RetryAttempts+1 {
			observability.RouterDropped.WithLabelValues("delivery-failed").Inc()
			log.Printf("router: dropped envelope %s type=%s reason=delivery-failed", item.msg.ID, item.msg.Type)
			r.publishDrop(item.msg.ID, "delivery-failed")
			return
		}
		backoff := time.Duration(1<<uint(item.attempts-1)) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		item.scheduledAt = time.Now().Add(backoff)
		observability.RouterRetries.Inc()

		r.mu.Lock()
		if len(r.q) >= r.cfg.QueueCap {
			victim := r.q.lowestPriorityIndex()
			heap.Remove(&r.q, victim)
		}
		heap.Push(&r.q, item)
		r.mu.Unlock()
	}
}

func (r *Router) resolveTargets(item *outboundEnvelope) []*registry.Connection {
	var candidates []*registry.Connection
	switch item.class {
	case TargetPopulationAgent:
		candidates = r.reg.ByPopulation(protocol.PopulationAgent)
	case TargetPopulationDashboard:
		candidates = r.reg.ByPopulation(protocol.PopulationDashboard)
	case TargetConnection:
		if c, ok := r.reg.ByID(item.targetID); ok {
			candidates = []*registry.Connection{c}
		}
	case TargetAgent:
		if c, ok := r.reg.ByAgentID(item.targetID); ok {
			candidates = []*registry.Connection{c}
		}
	}

	out := make([]*registry.Connection, 0, len(candidates))
	for _, c := range candidates {
		if !c.Authenticated() || !r.reg.IsHealthy(c.ID) {
			continue
		}
		if item.filter != nil && !item.filter(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Len reports the current queue depth, for tests and metrics.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.q)
}
