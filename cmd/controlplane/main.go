// Command controlplane is the bootstrap entrypoint: it wires every
// collaborator package into a running server exposing /ws/agent,
// /ws/dashboard, the REST surface under /api, and /metrics.
//
// Grounded on control_plane/main.go's env-driven store selection,
// leader-election wiring and background worker startup, generalized
// from the teacher's job/state schema to the agent/command one.
package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentbridge/conductor/auth"
	"github.com/agentbridge/conductor/batch"
	"github.com/agentbridge/conductor/config"
	"github.com/agentbridge/conductor/coordination"
	"github.com/agentbridge/conductor/httpapi"
	"github.com/agentbridge/conductor/idempotency"
	amw "github.com/agentbridge/conductor/middleware"
	"github.com/agentbridge/conductor/observability"
	"github.com/agentbridge/conductor/orchestrator"
	"github.com/agentbridge/conductor/protocol"
	"github.com/agentbridge/conductor/queue"
	"github.com/agentbridge/conductor/ratelimit"
	"github.com/agentbridge/conductor/refresh"
	"github.com/agentbridge/conductor/registry"
	"github.com/agentbridge/conductor/resilience"
	"github.com/agentbridge/conductor/router"
	"github.com/agentbridge/conductor/store"
	"github.com/agentbridge/conductor/trace"
	"github.com/agentbridge/conductor/ws"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	st, coord := buildStore(ctx, cfg)

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	reg := registry.New(cfg.HeartbeatInterval)

	limiter := ratelimit.New(ratelimit.Config{
		PerMinute: cfg.RateLimitPerMinute, PerHour: cfg.RateLimitPerHour,
		Burst: cfg.RateLimitBurst, BurstWindow: cfg.RateLimitBurstWindow,
		MaxViolations: cfg.RateLimitMaxViolations, PenaltyWindow: cfg.RateLimitPenaltyWindow,
		CleanupEvery: cfg.RateLimitCleanupInterval,
	})

	batcher := batch.New(batch.Config{
		MaxBatchSize: cfg.BatchMaxSize, MaxBatchBytes: cfg.BatchMaxBytes, BatchInterval: cfg.BatchInterval,
	}, ws.Flusher(reg))

	refreshM := refresh.New(refresh.Config{
		CheckInterval: cfg.RefreshInterval, RefreshThreshold: cfg.RefreshThreshold,
		ReplyTimeout: cfg.RefreshTimeout, MaxAttempts: cfg.MaxRefreshAttempts,
	}, verifier)

	breaker := resilience.NewCircuitBreaker(cfg.RouterQueueCap)
	r := router.New(router.Config{
		QueueCap: cfg.RouterQueueCap, TickInterval: cfg.RouterTickInterval,
		DrainPerTick: cfg.RouterDrainPerTick, MessageTimeout: cfg.RouterMessageTimeout,
		RetryAttempts: cfg.RouterRetryAttempts,
	}, reg, batcher, breaker)

	qm := queue.NewManager(queue.Config{
		MaxSize: cfg.QueueMaxSize, KeepCompleted: cfg.QueueKeepCompleted, KeepFailed: cfg.QueueKeepFailed,
		ShutdownGrace: cfg.QueueShutdownGrace,
	})

	traceCfg := trace.Config{
		MaxTraceDepth: cfg.MaxTraceDepth, MaxTracesPerCommand: cfg.MaxTracesPerCommand,
		CompletionIdle: cfg.TraceCompletionIdle, SlowMs: cfg.SlowTraceMs, VerySlowMs: cfg.VerySlowTraceMs,
		HighTokenUsage: cfg.HighTokenUsage, MaxExportSize: cfg.MaxExportSize, MaxExportDepth: cfg.MaxExportDepth,
	}
	tracer := trace.New(st, traceCfg, nil, nil)

	orch := orchestrator.New(st, qm, r, cfg.EmergencyStopCoalesceWindow)

	hub := ws.New(ws.Config{
		HandshakeWindow: cfg.HandshakeWindow, HeartbeatInterval: cfg.HeartbeatInterval,
	}, reg, verifier, limiter, batcher, refreshM, r, qm, tracer, orch, st)

	reg.OnDisconnect(func(c *registry.Connection) {
		limiter.Forget(c.ID)
		batcher.Close(c.ID)
		refreshM.Forget(c.ID)
	})

	go r.Run()
	go refreshM.Run(reg, func(connID string, code int, reason string) {
		if c, ok := reg.ByID(connID); ok {
			_ = c.Sender.Close(code, reason)
			reg.Unregister(connID)
		}
	})
	go sweepLoop(ctx, reg, cfg.HeartbeatInterval)
	go traceSweepLoop(ctx, tracer, cfg.TraceCompletionIdle)

	if cfg.HAEnabled {
		startCoordination(ctx, coord, st, reg, cfg)
	}

	var idemBackend idempotency.Backend
	if rs, ok := st.(*store.RedisStore); ok {
		idemBackend = rs
	}
	api := httpapi.New(st, orch, traceCfg, idempotency.NewStore(idemBackend))

	mux := chi.NewRouter()
	httpapi.Mount(mux, api, amw.Authenticate(verifier))
	mux.Get("/ws/agent", hub.HandleAgent)
	mux.Get("/ws/dashboard", hub.HandleDashboard)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	log.Printf("agent control plane listening on %s (ha=%v store=%s)", cfg.ListenAddr, cfg.HAEnabled, storeBackendName(cfg))
	log.Fatal(http.ListenAndServe(cfg.ListenAddr, mux))
}

func buildStore(ctx context.Context, cfg config.Config) (store.Store, store.Coordinator) {
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		log.Printf("store: connected to Postgres")
		if cfg.RedisAddr != "" {
			rs, err := store.NewRedisStore(cfg.RedisAddr, "", 0)
			if err != nil {
				log.Fatalf("redis (coordination): %v", err)
			}
			return pg, rs
		}
		return pg, nil
	}
	if cfg.RedisAddr != "" && !cfg.UseMemory {
		rs, err := store.NewRedisStore(cfg.RedisAddr, "", 0)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		log.Printf("store: connected to Redis at %s", cfg.RedisAddr)
		return rs, rs
	}
	log.Printf("store: using in-memory backend (single-node/dev)")
	return store.NewMemoryStore(), nil
}

func storeBackendName(cfg config.Config) string {
	switch {
	case cfg.PostgresDSN != "":
		return "postgres"
	case cfg.RedisAddr != "" && !cfg.UseMemory:
		return "redis"
	default:
		return "memory"
	}
}

func sweepLoop(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.Sweep()
			observability.ConnectedAgents.Set(float64(reg.Count(protocol.PopulationAgent)))
			observability.ConnectedDashboards.Set(float64(reg.Count(protocol.PopulationDashboard)))
		}
	}
}

// traceSweepLoop drives trace.Collector.SweepIdle (§4.8: a command
// whose agent never sends a final completedAt event, e.g. a mid-trace
// crash, still needs to complete its trace tree and emit
// command:completed once idle for CompletionIdle).
func traceSweepLoop(ctx context.Context, tracer *trace.Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tracer.SweepIdle()
		}
	}
}

// startCoordination wires the optional multi-replica HA layer (SPEC_FULL
// §11): leader election gates nothing load-bearing in this design (every
// replica serves WS/REST directly against the shared store), but the
// lock janitor and agent liveness monitor still run per-replica.
func startCoordination(ctx context.Context, coord store.Coordinator, st store.Store, reg *registry.Registry, cfg config.Config) {
	if coord == nil {
		log.Printf("ha: HA_ENABLED=true but no Redis coordinator configured, skipping")
		return
	}

	elector := coordination.NewLeaderElector(coord, st, cfg.NodeID, 30*time.Second)
	elector.SetCallbacks(
		func(ctx context.Context) { log.Printf("ha: %s elected leader", cfg.NodeID) },
		func() { log.Printf("ha: %s lost leadership", cfg.NodeID) },
	)
	elector.Start(ctx)

	janitor := coordination.NewLockJanitor(coord, st, 60*time.Second)
	janitor.Start(ctx)

	monitor := coordination.NewAgentMonitor(st, func(agentID string) bool {
		c, ok := reg.ByAgentID(agentID)
		if !ok {
			return false
		}
		return reg.IsHealthy(c.ID)
	}, 5*time.Second, cfg.HeartbeatInterval*2)
	monitor.Start(ctx)
}
