package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/agentbridge/conductor/observability"
	"github.com/redis/go-redis/v9"
)

func sortCommandsByCreatedDesc(cmds []*Command) {
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].CreatedAt.After(cmds[j].CreatedAt) })
}

// RedisStore implements the Store interface using Redis.
type RedisStore struct {
	client *redis.Client

	// Preloaded Lua script SHAs for atomic operations
	versionedSetSHA string
	versionedGetSHA string
}

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	// CRITICAL: Preload all Lua scripts for atomic operations
	// This avoids sending script text over network on every call
	versionedSetSHA, err := client.ScriptLoad(ctx, versionedSetScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload versioned set script: " + err.Error())
	}

	versionedGetSHA, err := client.ScriptLoad(ctx, versionedGetScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload versioned get script: " + err.Error())
	}

	return &RedisStore{
		client:          client,
		versionedSetSHA: versionedSetSHA,
		versionedGetSHA: versionedGetSHA,
	}, nil
}

// AcquireLock attempts to acquire a distributed lock.
// It uses SET key value NX EX ttl.
func (s *RedisStore) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	success, err := s.client.SetNX(ctx, key, ownerID, ttl).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// RenewLock extends the TTL if the lock is held by ownerID.
// It uses a Lua script to ensure atomicity.
func (s *RedisStore) RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	// Returns: 1 success, 0 pexpire failed, -1 key missing, -2 owner mismatch
	scriptP := `
		local val = redis.call("get", KEYS[1])
		if not val then
			return -1
		end
		if val == ARGV[1] then
			return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
		else
			return -2
		end
	`
	res, err := s.client.Eval(ctx, scriptP, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}

	if val, ok := res.(int64); ok {
		return val == 1, nil
	}
	return false, errors.New("unexpected return type from lua script")
}

// ReleaseLock releases the lock if held by ownerID.
func (s *RedisStore) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	_, err := s.client.Eval(ctx, script, []string{key}, ownerID).Result()
	return err
}

// GetLockOwner returns current owner.
func (s *RedisStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// --- Lease implementation (reuses lock logic) ---

func (s *RedisStore) AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.AcquireLock(ctx, key, value, ttl)
}

func (s *RedisStore) RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.RenewLock(ctx, key, value, ttl)
}

func (s *RedisStore) ReleaseLease(ctx context.Context, key string, value string) error {
	return s.ReleaseLock(ctx, key, value)
}

func (s *RedisStore) IsLeaseOwner(ctx context.Context, key string, value string) (bool, error) {
	val, err := s.GetLockOwner(ctx, key)
	if err != nil {
		return false, err
	}
	return val == value, nil
}

// IncrementEpoch increments the epoch counter for the given key.
func (s *RedisStore) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	epochKey := key + ":epoch"
	return s.client.Incr(ctx, epochKey).Result()
}

// ScanLocks returns keys matching the pattern.
func (s *RedisStore) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// --- Generic key-value operations ---

func (s *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// GetIdempotencyRecord retrieves a cached idempotency response from Redis.
func (s *RedisStore) GetIdempotencyRecord(key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	val, err := s.client.Get(ctx, "idempotency:"+key).Result()
	if err == redis.Nil {
		return "", errors.New("not found")
	}
	return val, err
}

// SetIdempotencyRecord stores an idempotency response in Redis with TTL.
func (s *RedisStore) SetIdempotencyRecord(key string, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	return s.client.Set(ctx, "idempotency:"+key, value, ttl).Err()
}

func (s *RedisStore) SetIdempotencyRecordNX(key string, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := s.client.SetNX(ctx, "idempotency:"+key, value, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("key exists")
	}
	return nil
}

// --- Agent operations ---

func (s *RedisStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	now := time.Now()
	if existing, err := s.GetAgent(ctx, agent.AgentID); err == nil && existing != nil {
		agent.CreatedAt = existing.CreatedAt
	} else {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	data, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, Key(ResourceAgent, agent.AgentID), data, 0).Err()
}

func (s *RedisStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	val, err := s.client.Get(ctx, Key(ResourceAgent, agentID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var a Agent
	if err := json.Unmarshal([]byte(val), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *RedisStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	keys, err := s.ScanLocks(ctx, Prefix(ResourceAgent)+"*")
	if err != nil {
		return nil, err
	}
	var out []*Agent
	for _, k := range keys {
		val, err := s.client.Get(ctx, k).Result()
		if err != nil {
			continue
		}
		var a Agent
		if err := json.Unmarshal([]byte(val), &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}

func (s *RedisStore) UpdateAgentHeartbeat(ctx context.Context, agentID string, t time.Time) error {
	a, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a == nil {
		return errors.New("agent not found")
	}
	a.LastPing = t
	return s.UpsertAgent(ctx, a)
}

func (s *RedisStore) UpdateAgentStatus(ctx context.Context, agentID string, status string) error {
	a, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a == nil {
		return errors.New("agent not found")
	}
	a.Status = status
	return s.UpsertAgent(ctx, a)
}

// --- Command operations ---

func (s *RedisStore) CreateCommand(ctx context.Context, c *Command) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, Key(ResourceCommand, c.CommandID), data, 0).Err()
}

func (s *RedisStore) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	val, err := s.client.Get(ctx, Key(ResourceCommand, commandID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c Command
	if err := json.Unmarshal([]byte(val), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *RedisStore) UpdateCommandStatus(ctx context.Context, commandID string, status string, upd CommandStatusUpdate) error {
	c, err := s.GetCommand(ctx, commandID)
	if err != nil {
		return err
	}
	if c == nil {
		return errors.New("command not found")
	}
	c.Status = status
	if upd.QueuePosition != nil {
		c.QueuePosition = upd.QueuePosition
	}
	if upd.AttemptCount != nil {
		c.AttemptCount = *upd.AttemptCount
	}
	if upd.QueuedAt != nil {
		c.QueuedAt = upd.QueuedAt
	}
	if upd.StartedAt != nil {
		c.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		c.CompletedAt = upd.CompletedAt
	}
	if upd.FailureReason != nil {
		c.FailureReason = *upd.FailureReason
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, Key(ResourceCommand, commandID), data, 0).Err()
}

func (s *RedisStore) listCommandsFiltered(ctx context.Context, limit int, match func(*Command) bool) ([]*Command, error) {
	keys, err := s.ScanLocks(ctx, Prefix(ResourceCommand)+"*")
	if err != nil {
		return nil, err
	}
	var out []*Command
	for _, k := range keys {
		val, err := s.client.Get(ctx, k).Result()
		if err != nil {
			continue
		}
		var c Command
		if err := json.Unmarshal([]byte(val), &c); err != nil {
			continue
		}
		if match(&c) {
			out = append(out, &c)
		}
	}
	sortCommandsByCreatedDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RedisStore) ListCommandsByAgent(ctx context.Context, agentID string, limit int) ([]*Command, error) {
	return s.listCommandsFiltered(ctx, limit, func(c *Command) bool { return c.AgentID == agentID })
}

func (s *RedisStore) ListCommandsByUser(ctx context.Context, userID string, limit int) ([]*Command, error) {
	return s.listCommandsFiltered(ctx, limit, func(c *Command) bool { return c.UserID == userID })
}

// --- Terminal output operations ---
//
// Outputs for a command are stored as a Redis list under the command's
// key so ordering is preserved without a client-side sort.

func (s *RedisStore) AppendTerminalOutput(ctx context.Context, o *TerminalOutput) error {
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, Key(ResourceTerminal, o.CommandID), data).Err()
}

func (s *RedisStore) ListTerminalOutputs(ctx context.Context, commandID string, limit int) ([]*TerminalOutput, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	vals, err := s.client.LRange(ctx, Key(ResourceTerminal, commandID), start, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*TerminalOutput, 0, len(vals))
	for _, v := range vals {
		var o TerminalOutput
		if err := json.Unmarshal([]byte(v), &o); err != nil {
			continue
		}
		out = append(out, &o)
	}
	return out, nil
}

// --- Trace entry operations ---

func (s *RedisStore) CreateTraceEntry(ctx context.Context, t *TraceEntry) error {
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, Key(ResourceTrace, t.ID), data, 0)
	pipe.RPush(ctx, Prefix(ResourceTrace)+"by-command:"+t.CommandID, t.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetTraceEntry(ctx context.Context, traceID string) (*TraceEntry, error) {
	val, err := s.client.Get(ctx, Key(ResourceTrace, traceID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t TraceEntry
	if err := json.Unmarshal([]byte(val), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *RedisStore) ListTraceEntries(ctx context.Context, commandID string) ([]*TraceEntry, error) {
	ids, err := s.client.LRange(ctx, Prefix(ResourceTrace)+"by-command:"+commandID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*TraceEntry, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTraceEntry(ctx, id)
		if err != nil || t == nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RedisStore) DeleteTraceEntriesOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	keys, err := s.ScanLocks(ctx, Prefix(ResourceTrace)+"*")
	if err != nil {
		return 0, err
	}
	count := 0
	for _, k := range keys {
		val, err := s.client.Get(ctx, k).Result()
		if err != nil {
			continue
		}
		var t TraceEntry
		if err := json.Unmarshal([]byte(val), &t); err != nil {
			continue
		}
		if t.StartedAt.Before(cutoff) {
			s.client.Del(ctx, k)
			count++
		}
	}
	return count, nil
}

// --- Audit log operations ---
//
// Audit entries are appended to a capped list under one shared key;
// Postgres remains the durable system of record for long-term retention.

const auditListKey = "conductor:audit:log"
const auditListCap = 10000

func (s *RedisStore) CreateAuditLog(ctx context.Context, l *AuditLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, auditListKey, data)
	pipe.LTrim(ctx, auditListKey, -auditListCap, -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListAuditLogs(ctx context.Context, limit int) ([]*AuditLog, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	vals, err := s.client.LRange(ctx, auditListKey, start, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*AuditLog, 0, len(vals))
	for _, v := range vals {
		var l AuditLog
		if err := json.Unmarshal([]byte(v), &l); err != nil {
			continue
		}
		out = append(out, &l)
	}
	return out, nil
}

// --- Coordination operations ---

func (s *RedisStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	return s.IncrementEpoch(ctx, resourceID)
}

func (s *RedisStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	val, err := s.client.Get(ctx, resourceID+":epoch").Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}
