package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend, matching
// the persisted state layout named as the collaborator contract (§6):
// agents, commands, terminal_outputs, trace_entries, audit_logs.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Agent operations ---

func (s *PostgresStore) UpsertAgent(ctx context.Context, a *Agent) error {
	query := `
		INSERT INTO agents (id, user_id, name, type, status, last_ping, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			status = EXCLUDED.status,
			last_ping = EXCLUDED.last_ping,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		a.AgentID, a.UserID, a.Name, a.Type, a.Status, a.LastPing, a.Metadata,
	)
	return err
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	query := `
		SELECT id, user_id, name, type, status, last_ping, created_at, updated_at, metadata
		FROM agents WHERE id = $1
	`
	var a Agent
	err := s.pool.QueryRow(ctx, query, agentID).Scan(
		&a.AgentID, &a.UserID, &a.Name, &a.Type, &a.Status, &a.LastPing, &a.CreatedAt, &a.UpdatedAt, &a.Metadata,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `
		SELECT id, user_id, name, type, status, last_ping, created_at, updated_at, metadata
		FROM agents ORDER BY name
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(
			&a.AgentID, &a.UserID, &a.Name, &a.Type, &a.Status, &a.LastPing, &a.CreatedAt, &a.UpdatedAt, &a.Metadata,
		); err != nil {
			return nil, err
		}
		agents = append(agents, &a)
	}
	return agents, nil
}

func (s *PostgresStore) UpdateAgentHeartbeat(ctx context.Context, agentID string, t time.Time) error {
	query := `UPDATE agents SET last_ping = $1, updated_at = NOW() WHERE id = $2`
	tag, err := s.pool.Exec(ctx, query, t, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("agent not found")
	}
	return nil
}

func (s *PostgresStore) UpdateAgentStatus(ctx context.Context, agentID string, status string) error {
	query := `UPDATE agents SET status = $1, updated_at = NOW() WHERE id = $2`
	tag, err := s.pool.Exec(ctx, query, status, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("agent not found")
	}
	return nil
}

// --- Command operations ---

func (s *PostgresStore) CreateCommand(ctx context.Context, c *Command) error {
	query := `
		INSERT INTO commands (id, user_id, agent_id, content, type, priority, status,
			queue_position, attempt_count, max_attempts, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), $11)
	`
	_, err := s.pool.Exec(ctx, query,
		c.CommandID, c.UserID, c.AgentID, c.Content, c.Type, c.Priority, c.Status,
		c.QueuePosition, c.AttemptCount, c.MaxAttempts, c.Metadata,
	)
	return err
}

func (s *PostgresStore) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	query := `
		SELECT id, user_id, agent_id, content, type, priority, status, queue_position,
			attempt_count, max_attempts, created_at, queued_at, started_at, completed_at,
			failure_reason, metadata
		FROM commands WHERE id = $1
	`
	var c Command
	err := s.pool.QueryRow(ctx, query, commandID).Scan(
		&c.CommandID, &c.UserID, &c.AgentID, &c.Content, &c.Type, &c.Priority, &c.Status,
		&c.QueuePosition, &c.AttemptCount, &c.MaxAttempts, &c.CreatedAt, &c.QueuedAt,
		&c.StartedAt, &c.CompletedAt, &c.FailureReason, &c.Metadata,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCommandStatus applies a status transition (§4.9) using COALESCE
// so unset fields in upd are left untouched, mirroring the teacher's
// per-status branching but collapsed into one statement.
func (s *PostgresStore) UpdateCommandStatus(ctx context.Context, commandID string, status string, upd CommandStatusUpdate) error {
	query := `
		UPDATE commands SET
			status = $2,
			queue_position = COALESCE($3, queue_position),
			attempt_count = COALESCE($4, attempt_count),
			queued_at = COALESCE($5, queued_at),
			started_at = COALESCE($6, started_at),
			completed_at = COALESCE($7, completed_at),
			failure_reason = COALESCE($8, failure_reason)
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, commandID, status,
		upd.QueuePosition, upd.AttemptCount, upd.QueuedAt, upd.StartedAt, upd.CompletedAt, upd.FailureReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("command not found")
	}
	return nil
}

func (s *PostgresStore) ListCommandsByAgent(ctx context.Context, agentID string, limit int) ([]*Command, error) {
	query := `
		SELECT id, user_id, agent_id, content, type, priority, status, queue_position,
			attempt_count, max_attempts, created_at, queued_at, started_at, completed_at,
			failure_reason, metadata
		FROM commands WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2
	`
	return s.queryCommands(ctx, query, agentID, limit)
}

func (s *PostgresStore) ListCommandsByUser(ctx context.Context, userID string, limit int) ([]*Command, error) {
	query := `
		SELECT id, user_id, agent_id, content, type, priority, status, queue_position,
			attempt_count, max_attempts, created_at, queued_at, started_at, completed_at,
			failure_reason, metadata
		FROM commands WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`
	return s.queryCommands(ctx, query, userID, limit)
}

func (s *PostgresStore) queryCommands(ctx context.Context, query string, arg string, limit int) ([]*Command, error) {
	rows, err := s.pool.Query(ctx, query, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		var c Command
		if err := rows.Scan(
			&c.CommandID, &c.UserID, &c.AgentID, &c.Content, &c.Type, &c.Priority, &c.Status, &c.QueuePosition,
			&c.AttemptCount, &c.MaxAttempts, &c.CreatedAt, &c.QueuedAt, &c.StartedAt, &c.CompletedAt,
			&c.FailureReason, &c.Metadata,
		); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, nil
}

// --- Terminal output operations ---

func (s *PostgresStore) AppendTerminalOutput(ctx context.Context, o *TerminalOutput) error {
	query := `
		INSERT INTO terminal_outputs (id, command_id, agent_id, type, content, timestamp)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`
	_, err := s.pool.Exec(ctx, query, o.ID, o.CommandID, o.AgentID, o.Type, o.Content)
	return err
}

func (s *PostgresStore) ListTerminalOutputs(ctx context.Context, commandID string, limit int) ([]*TerminalOutput, error) {
	query := `
		SELECT id, command_id, agent_id, type, content, timestamp
		FROM terminal_outputs WHERE command_id = $1 ORDER BY timestamp ASC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, commandID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TerminalOutput
	for rows.Next() {
		var o TerminalOutput
		if err := rows.Scan(&o.ID, &o.CommandID, &o.AgentID, &o.Type, &o.Content, &o.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, nil
}

// --- Trace entry operations ---

func (s *PostgresStore) CreateTraceEntry(ctx context.Context, t *TraceEntry) error {
	query := `
		INSERT INTO trace_entries (id, command_id, agent_id, parent_id, type, name, content,
			started_at, completed_at, duration_ms, tokens_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.pool.Exec(ctx, query,
		t.ID, t.CommandID, t.AgentID, t.ParentID, t.Type, t.Name, t.Content,
		t.StartedAt, t.CompletedAt, t.DurationMs, t.TokensUsed,
	)
	return err
}

func (s *PostgresStore) GetTraceEntry(ctx context.Context, traceID string) (*TraceEntry, error) {
	query := `
		SELECT id, command_id, agent_id, parent_id, type, name, content, started_at,
			completed_at, duration_ms, tokens_used
		FROM trace_entries WHERE id = $1
	`
	var t TraceEntry
	err := s.pool.QueryRow(ctx, query, traceID).Scan(
		&t.ID, &t.CommandID, &t.AgentID, &t.ParentID, &t.Type, &t.Name, &t.Content,
		&t.StartedAt, &t.CompletedAt, &t.DurationMs, &t.TokensUsed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) ListTraceEntries(ctx context.Context, commandID string) ([]*TraceEntry, error) {
	query := `
		SELECT id, command_id, agent_id, parent_id, type, name, content, started_at,
			completed_at, duration_ms, tokens_used
		FROM trace_entries WHERE command_id = $1 ORDER BY started_at ASC
	`
	rows, err := s.pool.Query(ctx, query, commandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TraceEntry
	for rows.Next() {
		var t TraceEntry
		if err := rows.Scan(
			&t.ID, &t.CommandID, &t.AgentID, &t.ParentID, &t.Type, &t.Name, &t.Content,
			&t.StartedAt, &t.CompletedAt, &t.DurationMs, &t.TokensUsed,
		); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, nil
}

func (s *PostgresStore) DeleteTraceEntriesOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trace_entries WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Audit log operations ---

func (s *PostgresStore) CreateAuditLog(ctx context.Context, l *AuditLog) error {
	query := `
		INSERT INTO audit_logs (id, user_id, event_type, event_data, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	_, err := s.pool.Exec(ctx, query, l.ID, l.UserID, l.EventType, l.EventData, l.IP, l.UserAgent)
	return err
}

func (s *PostgresStore) ListAuditLogs(ctx context.Context, limit int) ([]*AuditLog, error) {
	query := `
		SELECT id, user_id, event_type, event_data, ip, user_agent, created_at
		FROM audit_logs ORDER BY created_at DESC LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditLog
	for rows.Next() {
		var l AuditLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.EventType, &l.EventData, &l.IP, &l.UserAgent, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, nil
}

// --- Coordination operations ---

func (s *PostgresStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `
		INSERT INTO leader_epochs (resource_id, epoch)
		VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE
		SET epoch = leader_epochs.epoch + 1
		RETURNING epoch
	`
	var newEpoch int64
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&newEpoch)
	if err != nil {
		return 0, err
	}
	return newEpoch, nil
}

func (s *PostgresStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `SELECT epoch FROM leader_epochs WHERE resource_id = $1`
	var epoch int64
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return epoch, nil
}

// --- Idempotency operations ---
//
// Postgres is not the idempotency backend of choice (Redis's NX/TTL
// primitives are; see redis.go); these exist for Store-interface
// completeness when running without Redis configured.

func (s *PostgresStore) GetIdempotencyRecord(key string) (string, error) {
	return "", errors.New("not found")
}

func (s *PostgresStore) SetIdempotencyRecord(key string, value string, ttl time.Duration) error {
	return nil
}

func (s *PostgresStore) SetIdempotencyRecordNX(key string, value string, ttl time.Duration) error {
	return nil
}
