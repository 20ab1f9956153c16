package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type LogEntry struct {
	ID        int64          `json:"id"`
	AgentName string         `json:"agent_name"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (s *Store) AppendLog(ctx context.Context, e *LogEntry) error {
	data, err := encodeMap(e.Data)
	if err != nil {
		return fmt.Errorf("encode log data: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.Now()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_logs (agent_name, level, message, data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.AgentName, e.Level, e.Message, data, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	e.ID, _ = result.LastInsertId()
	return nil
}

// RecentErrorLogs returns error-level rows written within window, oldest
// first.
func (s *Store) RecentErrorLogs(ctx context.Context, window time.Duration) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_name, level, message, data, created_at
		FROM agent_logs
		WHERE level = 'error' AND created_at >= ?
		ORDER BY created_at`, s.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("recent error logs: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var data sql.NullString
		var createdAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.AgentName, &e.Level, &e.Message, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if e.Data, err = decodeMap(data); err != nil {
			return nil, fmt.Errorf("decode log data: %w", err)
		}
		e.CreatedAt = createdAt.Time
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) DeleteLogsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_logs WHERE created_at < ?`, s.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("delete old logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
