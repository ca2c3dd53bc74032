// Package registry implements the Connection Registry (§4.2): a typed
// index of live sessions by connection id, by population and by
// agent id, with health derived from heartbeat activity.
//
// Grounded on control_plane/ws_hub.go's client map + register/
// unregister channel pattern and coordination/agent_monitor.go's
// periodic liveness sweep, generalized from a single global client map
// to the three-index registry the spec requires and from HTTP agent
// liveness to WS heartbeat liveness.
package registry

import (
	"sync"
	"time"

	"github.com/agentbridge/conductor/auth"
	"github.com/agentbridge/conductor/protocol"
)

// Sender abstracts a single outbound writer for a connection; the ws
// package supplies the concrete gorilla/websocket implementation so
// this package stays transport-agnostic.
type Sender interface {
	Send(envelope protocol.Envelope) error
	Close(code int, reason string) error
}

// Connection is one live WebSocket session.
type Connection struct {
	ID         string
	Population protocol.Population
	Principal  auth.Principal

	// Agent population only.
	AgentID      string
	AgentType    string
	Capabilities []string

	Sender Sender

	CreatedAt time.Time

	// Dashboard subscriptions; nil/empty means "subscribed to none"
	// until DASHBOARD_INIT lists subscriptions (§9 open question,
	// resolved in DESIGN.md).
	mu            sync.Mutex
	subscriptions []protocol.Subscription
	authenticated bool
	lastActivity  time.Time
	bytesIn       int64
	bytesOut      int64
	messagesIn    int64
	messagesOut   int64
}

// MarkAuthenticated flips the connection from "created" to
// "authenticated" per the Connection lifecycle (§3).
func (c *Connection) MarkAuthenticated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.lastActivity = time.Now()
}

func (c *Connection) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// SetPrincipal replaces the session principal, used by the Token
// Refresh Manager after a successful in-band refresh (§4.5).
func (c *Connection) SetPrincipal(p auth.Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Principal = p
}

func (c *Connection) GetPrincipal() auth.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Principal
}

func (c *Connection) SetSubscriptions(subs []protocol.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions = subs
}

// AddSubscription appends one subscription (DASHBOARD_SUBSCRIBE),
// replacing an existing entry of the same type+id if present.
func (c *Connection) AddSubscription(s protocol.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.subscriptions {
		if existing.Type == s.Type && subIDEqual(existing.ID, s.ID) {
			c.subscriptions[i] = s
			return
		}
	}
	c.subscriptions = append(c.subscriptions, s)
}

// RemoveSubscription drops a matching subscription (DASHBOARD_UNSUBSCRIBE).
func (c *Connection) RemoveSubscription(s protocol.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.subscriptions[:0]
	for _, existing := range c.subscriptions {
		if existing.Type == s.Type && subIDEqual(existing.ID, s.ID) {
			continue
		}
		out = append(out, existing)
	}
	c.subscriptions = out
}

func subIDEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// MatchesSubscription reports whether this dashboard wants to receive
// messages of the given type/id, per the resolved open question: an
// empty subscription list matches nothing.
func (c *Connection) MatchesSubscription(kind string, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subscriptions {
		if s.Type == "all" {
			return true
		}
		if s.Type != kind {
			continue
		}
		if s.ID == nil || *s.ID == id {
			return true
		}
	}
	return false
}

func (c *Connection) recordActivity(bytes int64, inbound bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
	if inbound {
		c.bytesIn += bytes
		c.messagesIn++
	} else {
		c.bytesOut += bytes
		c.messagesOut++
	}
}

func (c *Connection) lastActivityTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ErrConflict is returned by Register when an Agent population
// connection supersedes a prior live connection for the same agentId;
// the caller still proceeds (the prior connection is closed first).
type ErrConflict struct {
	ExistingID string
}

func (e *ErrConflict) Error() string { return "connection conflict: " + e.ExistingID }

// Registry is the three-index connection store (§4.2).
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]*Connection
	byPopulation map[protocol.Population]map[string]*Connection
	byAgentID   map[string]*Connection

	heartbeatInterval time.Duration

	disconnectHooks []func(*Connection)
}

// New builds a Registry with the given heartbeat interval H; a
// connection silent for 2H is unhealthy, for 3H it is closed (§4.2).
func New(heartbeatInterval time.Duration) *Registry {
	return &Registry{
		byID:         make(map[string]*Connection),
		byPopulation: map[protocol.Population]map[string]*Connection{
			protocol.PopulationAgent:     make(map[string]*Connection),
			protocol.PopulationDashboard: make(map[string]*Connection),
		},
		byAgentID:         make(map[string]*Connection),
		heartbeatInterval: heartbeatInterval,
	}
}

// OnDisconnect registers a hook fired from Unregister, used by the
// Router and Refresh Manager to drop their own per-connection state.
func (r *Registry) OnDisconnect(hook func(*Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectHooks = append(r.disconnectHooks, hook)
}

// Register adds a connection. For the Agent population, a duplicate
// agentId closes and replaces the prior connection (population-scoped
// preemption) before the new one is registered.
func (r *Registry) Register(conn *Connection) error {
	r.mu.Lock()
	var superseded *Connection
	if conn.Population == protocol.PopulationAgent && conn.AgentID != "" {
		if existing, ok := r.byAgentID[conn.AgentID]; ok {
			superseded = existing
			r.removeLocked(existing.ID)
		}
	}
	r.byID[conn.ID] = conn
	r.byPopulation[conn.Population][conn.ID] = conn
	if conn.Population == protocol.PopulationAgent && conn.AgentID != "" {
		r.byAgentID[conn.AgentID] = conn
	}
	r.mu.Unlock()

	if superseded != nil {
		_ = superseded.Sender.Close(protocol.CloseSupersededByNewer, "superseded by newer agent session")
		r.fireDisconnect(superseded)
		return &ErrConflict{ExistingID: superseded.ID}
	}
	return nil
}

// ByPopulation returns a snapshot slice of live connections in a
// population; readers take a lock-free copy (§5 shared resources).
func (r *Registry) ByPopulation(pop protocol.Population) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byPopulation[pop]))
	for _, c := range r.byPopulation[pop] {
		out = append(out, c)
	}
	return out
}

// ByAgentID looks up the single live connection for an agentId, if any.
func (r *Registry) ByAgentID(agentID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byAgentID[agentID]
	return c, ok
}

// ByID looks up a connection by its connection id.
func (r *Registry) ByID(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// IsHealthy reports health = (socket open) ∧ (last activity within 2H).
func (r *Registry) IsHealthy(id string) bool {
	r.mu.RLock()
	c, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return time.Since(c.lastActivityTime()) < 2*r.heartbeatInterval
}

// RecordActivity updates the last-activity timestamp and byte/message
// counters for a connection.
func (r *Registry) RecordActivity(id string, bytes int64, inbound bool) {
	r.mu.RLock()
	c, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		c.recordActivity(bytes, inbound)
	}
}

// Unregister removes a connection and fires the disconnected hooks.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.byID[id]
	if ok {
		r.removeLocked(id)
	}
	r.mu.Unlock()
	if ok {
		r.fireDisconnect(c)
	}
}

func (r *Registry) removeLocked(id string) {
	c, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byPopulation[c.Population], id)
	if c.Population == protocol.PopulationAgent && c.AgentID != "" {
		if cur, ok := r.byAgentID[c.AgentID]; ok && cur.ID == id {
			delete(r.byAgentID, c.AgentID)
		}
	}
}

func (r *Registry) fireDisconnect(c *Connection) {
	r.mu.RLock()
	hooks := append([]func(*Connection){}, r.disconnectHooks...)
	r.mu.RUnlock()
	for _, h := range hooks {
		h(c)
	}
}

// Sweep runs the 2H/3H heartbeat discipline: connections silent longer
// than 3H are forcibly closed with GoingAway. Intended to be called
// from a ticker loop at interval H (see cmd/controlplane wiring).
func (r *Registry) Sweep() {
	r.mu.RLock()
	stale := make([]*Connection, 0)
	for _, c := range r.byID {
		if time.Since(c.lastActivityTime()) >= 3*r.heartbeatInterval {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		_ = c.Sender.Close(protocol.CloseGoingAway, "heartbeat timeout")
		r.Unregister(c.ID)
	}
}

// Count returns the number of live connections in a population, used
// by observability gauges.
func (r *Registry) Count(pop protocol.Population) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPopulation[pop])
}
