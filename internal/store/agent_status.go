package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	AgentInitializing = "initializing"
	AgentRunning      = "running"
	AgentStopped      = "stopped"
	AgentError        = "error"
)

type AgentStatus struct {
	AgentName     string         `json:"agent_name"`
	AgentID       string         `json:"agent_id"`
	Status        string         `json:"status"`
	LastHeartbeat *time.Time     `json:"last_heartbeat,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
	Metrics       map[string]any `json:"metrics,omitempty"`
	ErrorsCount   int            `json:"errors_count"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
}

// HeartbeatAge returns how long ago the last heartbeat was written, or -1
// if the agent never wrote one.
func (a *AgentStatus) HeartbeatAge(now time.Time) time.Duration {
	if a.LastHeartbeat == nil {
		return -1
	}
	return now.Sub(*a.LastHeartbeat)
}

const agentColumns = `agent_name, agent_id, status, last_heartbeat, config, metrics, errors_count, started_at`

func scanAgentStatus(scanner interface {
	Scan(dest ...any) error
}) (*AgentStatus, error) {
	a := &AgentStatus{}
	var cfg, metrics sql.NullString
	var heartbeat, started sql.NullTime
	if err := scanner.Scan(&a.AgentName, &a.AgentID, &a.Status, &heartbeat, &cfg, &metrics,
		&a.ErrorsCount, &started); err != nil {
		return nil, err
	}
	var err error
	if a.Config, err = decodeMap(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if a.Metrics, err = decodeMap(metrics); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	if heartbeat.Valid {
		t := heartbeat.Time
		a.LastHeartbeat = &t
	}
	if started.Valid {
		t := started.Time
		a.StartedAt = &t
	}
	return a, nil
}

// UpsertAgentStatus writes the full row for a fresh process instance. The
// error counter restarts at the value carried by a.
func (s *Store) UpsertAgentStatus(ctx context.Context, a *AgentStatus) error {
	cfg, err := encodeMap(a.Config)
	if err != nil {
		return fmt.Errorf("encode agent config: %w", err)
	}
	metrics, err := encodeMap(a.Metrics)
	if err != nil {
		return fmt.Errorf("encode agent metrics: %w", err)
	}
	now := s.Now()
	if a.StartedAt == nil {
		a.StartedAt = &now
	}
	if a.LastHeartbeat == nil {
		a.LastHeartbeat = &now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_status (agent_name, agent_id, status, last_heartbeat, config, metrics, errors_count, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_name) DO UPDATE SET
			agent_id = excluded.agent_id,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			config = excluded.config,
			metrics = excluded.metrics,
			errors_count = excluded.errors_count,
			started_at = excluded.started_at`,
		a.AgentName, a.AgentID, a.Status, a.LastHeartbeat.UTC(), cfg, metrics, a.ErrorsCount, a.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("save agent status: %w", err)
	}
	return nil
}

// TouchHeartbeat advances last_heartbeat and replaces the metrics snapshot.
func (s *Store) TouchHeartbeat(ctx context.Context, name string, metrics map[string]any) error {
	m, err := encodeMap(metrics)
	if err != nil {
		return fmt.Errorf("encode agent metrics: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_status SET last_heartbeat = ?, metrics = COALESCE(?, metrics) WHERE agent_name = ?`,
		s.Now(), m, name)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("touch heartbeat: agent %s not registered", name)
	}
	return nil
}

func (s *Store) SetAgentState(ctx context.Context, name, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agent_status SET status = ? WHERE agent_name = ?`, status, name)
	if err != nil {
		return fmt.Errorf("set agent state: %w", err)
	}
	return nil
}

// IncrementAgentErrors bumps the error counter and returns the new value.
func (s *Store) IncrementAgentErrors(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		UPDATE agent_status SET errors_count = errors_count + 1 WHERE agent_name = ?
		RETURNING errors_count`, name).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("increment agent errors: agent %s not registered", name)
	}
	if err != nil {
		return 0, fmt.Errorf("increment agent errors: %w", err)
	}
	return n, nil
}

func (s *Store) GetAgentStatus(ctx context.Context, name string) (*AgentStatus, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agent_status WHERE agent_name = ?`, name)
	a, err := scanAgentStatus(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent status: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgentStatuses(ctx context.Context) ([]AgentStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agent_status ORDER BY agent_name`)
	if err != nil {
		return nil, fmt.Errorf("list agent statuses: %w", err)
	}
	return collectAgents(rows)
}

func (s *Store) AgentsWithStatus(ctx context.Context, status string) ([]AgentStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agent_status WHERE status = ? ORDER BY agent_name`, status)
	if err != nil {
		return nil, fmt.Errorf("list agents with status: %w", err)
	}
	return collectAgents(rows)
}

// AgentCounts returns the number of agents per status.
func (s *Store) AgentCounts(ctx context.Context) (map[string]int, error) {
	return s.countBy(ctx, `SELECT status, COUNT(*) FROM agent_status GROUP BY status`)
}

func collectAgents(rows *sql.Rows) ([]AgentStatus, error) {
	defer rows.Close()

	var agents []AgentStatus
	for rows.Next() {
		a, err := scanAgentStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent status: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}
