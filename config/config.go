// Package config centralizes the environment-variable driven tunables
// for every component, following the teacher's os.Getenv-with-defaults
// style (see control_plane/main.go) instead of a config file format no
// example repo in the pack establishes for this kind of service.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named across the component design.
type Config struct {
	ListenAddr string

	// Connection Registry (§4.2)
	HeartbeatInterval time.Duration // H
	HandshakeWindow   time.Duration

	// Rate Limiter (§4.3)
	RateLimitPerMinute int
	RateLimitPerHour   int
	RateLimitBurst     int
	RateLimitBurstWindow time.Duration
	RateLimitMaxViolations int
	RateLimitPenaltyWindow time.Duration
	RateLimitCleanupInterval time.Duration

	// Batcher (§4.4)
	BatchMaxSize  int
	BatchMaxBytes int
	BatchInterval time.Duration

	// Token Refresh Manager (§4.5)
	RefreshInterval      time.Duration
	RefreshThreshold     time.Duration
	RefreshTimeout       time.Duration
	MaxRefreshAttempts   int

	// Message Router (§4.6)
	RouterQueueCap     int
	RouterTickInterval time.Duration
	RouterDrainPerTick int
	RouterMessageTimeout time.Duration
	RouterRetryAttempts int

	// Command Queue (§4.7)
	QueueMaxSize        int
	QueueMaxAttempts    int
	QueueKeepCompleted  int
	QueueKeepFailed     int
	QueueShutdownGrace  time.Duration

	// Trace Tree Collector (§4.8)
	MaxTraceDepth       int
	MaxTracesPerCommand int
	TraceCompletionIdle time.Duration
	SlowTraceMs         int64
	VerySlowTraceMs     int64
	HighTokenUsage      int64
	MaxExportSize       int
	MaxExportDepth      int

	// Orchestrator (§4.9)
	EmergencyStopCoalesceWindow time.Duration

	// Store backend selection
	RedisAddr    string
	PostgresDSN  string
	UseMemory    bool

	// Auth
	JWTSecret string

	// Optional multi-replica coordination (SPEC_FULL §11)
	HAEnabled bool
	NodeID    string
}

// Load reads configuration from the environment, falling back to the
// defaults named throughout the component design.
func Load() Config {
	return Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		HandshakeWindow:   getEnvDuration("HANDSHAKE_WINDOW", 5*time.Second),

		RateLimitPerMinute:       getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		RateLimitPerHour:         getEnvInt("RATE_LIMIT_PER_HOUR", 3000),
		RateLimitBurst:           getEnvInt("RATE_LIMIT_BURST", 20),
		RateLimitBurstWindow:     getEnvDuration("RATE_LIMIT_BURST_WINDOW", time.Second),
		RateLimitMaxViolations:   getEnvInt("RATE_LIMIT_MAX_VIOLATIONS", 5),
		RateLimitPenaltyWindow:   getEnvDuration("RATE_LIMIT_PENALTY_WINDOW", 10*time.Second),
		RateLimitCleanupInterval: getEnvDuration("RATE_LIMIT_CLEANUP_INTERVAL", time.Minute),

		BatchMaxSize:  getEnvInt("BATCH_MAX_SIZE", 50),
		BatchMaxBytes: getEnvInt("BATCH_MAX_BYTES", 64*1024),
		BatchInterval: getEnvDuration("BATCH_INTERVAL", 200*time.Millisecond),

		RefreshInterval:    getEnvDuration("REFRESH_INTERVAL", 60*time.Second),
		RefreshThreshold:   getEnvDuration("REFRESH_THRESHOLD", 5*time.Minute),
		RefreshTimeout:     getEnvDuration("REFRESH_TIMEOUT", 30*time.Second),
		MaxRefreshAttempts: getEnvInt("MAX_REFRESH_ATTEMPTS", 3),

		RouterQueueCap:       getEnvInt("ROUTER_QUEUE_CAP", 10000),
		RouterTickInterval:   getEnvDuration("ROUTER_TICK_INTERVAL", 100*time.Millisecond),
		RouterDrainPerTick:   getEnvInt("ROUTER_DRAIN_PER_TICK", 200),
		RouterMessageTimeout: getEnvDuration("ROUTER_MESSAGE_TIMEOUT", 30*time.Second),
		RouterRetryAttempts:  getEnvInt("ROUTER_RETRY_ATTEMPTS", 3),

		QueueMaxSize:        getEnvInt("QUEUE_MAX_SIZE", 100),
		QueueMaxAttempts:    getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
		QueueKeepCompleted:  getEnvInt("QUEUE_KEEP_COMPLETED", 50),
		QueueKeepFailed:     getEnvInt("QUEUE_KEEP_FAILED", 25),
		QueueShutdownGrace:  getEnvDuration("QUEUE_SHUTDOWN_GRACE", 30*time.Second),

		MaxTraceDepth:       getEnvInt("MAX_TRACE_DEPTH", 50),
		MaxTracesPerCommand: getEnvInt("MAX_TRACES_PER_COMMAND", 2000),
		TraceCompletionIdle: getEnvDuration("TRACE_COMPLETION_IDLE", 30*time.Second),
		SlowTraceMs:         getEnvInt64("SLOW_TRACE_MS", 2000),
		VerySlowTraceMs:     getEnvInt64("VERY_SLOW_TRACE_MS", 10000),
		HighTokenUsage:      getEnvInt64("HIGH_TOKEN_USAGE", 8000),
		MaxExportSize:       getEnvInt("MAX_EXPORT_SIZE", 5000),
		MaxExportDepth:      getEnvInt("MAX_EXPORT_DEPTH", 50),

		EmergencyStopCoalesceWindow: getEnvDuration("EMERGENCY_STOP_COALESCE_WINDOW", time.Second),

		RedisAddr:   os.Getenv("REDIS_ADDR"),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		UseMemory:   getEnv("STORE_BACKEND", "memory") == "memory",

		JWTSecret: os.Getenv("JWT_SECRET"),

		HAEnabled: getEnvBool("HA_ENABLED", false),
		NodeID:    getEnv("NODE_ID", hostnameOrDefault()),
	}
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "node-0"
	}
	return h
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
