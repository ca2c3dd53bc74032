// Package observability exposes the Prometheus metrics surface for the
// control plane, following the promauto registration pattern.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RouterQueueDepth tracks the current size of the message router's
	// bounded envelope queue.
	RouterQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conductor_router_queue_depth",
		Help: "Current number of envelopes in the router queue",
	})

	// RouterDropped tracks envelopes dropped by the router, by reason.
	RouterDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_router_dropped_total",
		Help: "Total envelopes dropped by the router",
	}, []string{"reason"}) // queue_full, timeout, delivery-failed

	// RouterRetries tracks envelope delivery retries.
	RouterRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conductor_router_retries_total",
		Help: "Total envelope delivery retry attempts",
	})

	// RouterCircuitState tracks the router's backpressure circuit
	// breaker state (0 = closed, 1 = half_open, 2 = open).
	RouterCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conductor_router_circuit_state",
		Help: "Current router circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	// QueueDepth tracks the per-agent command queue depth.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conductor_command_queue_depth",
		Help: "Current number of commands held in an agent's queue",
	}, []string{"agent_id"})

	// QueueRejected tracks commands rejected because an agent's queue
	// was at capacity.
	QueueRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_command_queue_rejected_total",
		Help: "Total commands rejected due to queue capacity",
	}, []string{"agent_id"})

	// CommandTransitions tracks command status transitions (§4.9).
	CommandTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_command_transitions_total",
		Help: "Total command status transitions",
	}, []string{"to_status"})

	// ConnectedAgents tracks the number of currently connected agents.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conductor_connected_agents",
		Help: "Current number of connected agents",
	})

	// ConnectedDashboards tracks the number of currently connected
	// dashboard sessions.
	ConnectedDashboards = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conductor_connected_dashboards",
		Help: "Current number of connected dashboard sessions",
	})

	// RateLimitRejections tracks messages rejected by the rate limiter.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_rate_limit_rejected_total",
		Help: "Total messages rejected by the rate limiter",
	}, []string{"axis"}) // per_minute, per_hour, burst

	// APIRateLimited tracks REST API requests rejected by rate limiting.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_api_rate_limited_total",
		Help: "API requests rejected by rate limiter",
	}, []string{"endpoint"})

	// TraceBuildDuration tracks time spent building a trace tree /
	// aggregation for a completed command.
	TraceBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conductor_trace_build_duration_seconds",
		Help:    "Time spent building a trace tree aggregation",
		Buckets: prometheus.DefBuckets,
	})

	// TraceEntriesDropped tracks trace entries dropped because a
	// command's in-memory trace list exceeded its cap.
	TraceEntriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conductor_trace_entries_dropped_total",
		Help: "Total trace entries dropped because the per-command cap was exceeded",
	})

	// EmergencyStops tracks EMERGENCY_STOP invocations.
	EmergencyStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conductor_emergency_stops_total",
		Help: "Total emergency-stop invocations",
	})

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conductor_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// LeadershipEpoch tracks the current fencing epoch for the leader.
	LeadershipEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conductor_leader_epoch",
		Help: "Current fencing epoch of the leader",
	}, []string{"node_id"})

	// LeadershipTransitions tracks leadership acquisition and loss events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "event"})

	// LeadershipTransitionDuration tracks time taken for a leadership
	// transition (step-down to become-leader).
	LeadershipTransitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conductor_leader_transition_duration_seconds",
		Help:    "Time taken for leadership transition",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// LeaderStatus tracks current leader status for this node.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conductor_leader_status",
		Help: "Current leader status (1 = leader, 0 = follower)",
	})
)
