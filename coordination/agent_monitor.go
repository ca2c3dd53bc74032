package coordination

import (
	"context"
	"log"
	"time"

	"github.com/agentbridge/conductor/observability"
	"github.com/agentbridge/conductor/store"
)

// AgentMonitor periodically reconciles persisted agent status against
// connection-registry liveness (§4.2's IsHealthy), marking agents
// Offline in the store once their WS connection has gone silent past
// the heartbeat window, independent of any single node's in-memory
// registry surviving a restart.
type AgentMonitor struct {
	store     store.Store
	isHealthy func(agentID string) bool
	interval  time.Duration
	threshold time.Duration
}

// NewAgentMonitor builds an AgentMonitor. isHealthy should report
// registry.Registry.IsHealthy for the connection currently bound to
// agentID (false if no connection is bound).
func NewAgentMonitor(s store.Store, isHealthy func(agentID string) bool, interval, threshold time.Duration) *AgentMonitor {
	return &AgentMonitor{
		store:     s,
		isHealthy: isHealthy,
		interval:  interval,
		threshold: threshold,
	}
}

func (m *AgentMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *AgentMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("agent monitor: starting (interval=%v threshold=%v)", m.interval, m.threshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkLiveness(ctx)
		}
	}
}

func (m *AgentMonitor) checkLiveness(ctx context.Context) {
	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		log.Printf("agent monitor: failed to list agents: %v", err)
		return
	}

	activeCount := 0
	now := time.Now()
	for _, agent := range agents {
		if agent.Status == "Offline" {
			continue
		}

		healthy := m.isHealthy != nil && m.isHealthy(agent.AgentID)
		silent := now.Sub(agent.LastPing) > m.threshold

		if !healthy && silent {
			if err := m.store.UpdateAgentStatus(ctx, agent.AgentID, "Offline"); err != nil {
				log.Printf("agent monitor: failed to mark agent %s offline: %v", agent.AgentID, err)
			}
			continue
		}
		activeCount++
	}
	observability.ConnectedAgents.Set(float64(activeCount))
}
