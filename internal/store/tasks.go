package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// ErrNotClaimable is returned by StartTask when the row is not pending or
// belongs to another agent.
var ErrNotClaimable = errors.New("task not claimable")

type Task struct {
	ID         string         `json:"id"`
	AgentName  string         `json:"agent_name"`
	TaskType   string         `json:"task_type"`
	Data       map[string]any `json:"data,omitempty"`
	Priority   int            `json:"priority"`
	Status     string         `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Sender     string         `json:"sender,omitempty"`
	Attempts   int            `json:"attempts"`
	LeaseToken string         `json:"-"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Terminal reports whether the task reached completed or failed.
func (t *Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

const taskColumns = `id, agent_name, task_type, data, priority, status, result,
	sender, attempts, lease_token, created_at, updated_at`

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*Task, error) {
	t := &Task{}
	var data, result, sender, lease sql.NullString
	var createdAt, updatedAt sql.NullTime
	err := scanner.Scan(&t.ID, &t.AgentName, &t.TaskType, &data, &t.Priority, &t.Status, &result,
		&sender, &t.Attempts, &lease, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if t.Data, err = decodeMap(data); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	if t.Result, err = decodeMap(result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	t.Sender = sender.String
	t.LeaseToken = lease.String
	t.CreatedAt = createdAt.Time
	t.UpdatedAt = updatedAt.Time
	return t, nil
}

func encodeMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateOrUpdateTask upserts a task by id. A missing id or status is filled
// in; attempts and created_at of an existing row are preserved.
func (s *Store) CreateOrUpdateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	data, err := encodeMap(t.Data)
	if err != nil {
		return fmt.Errorf("encode task data: %w", err)
	}
	result, err := encodeMap(t.Result)
	if err != nil {
		return fmt.Errorf("encode task result: %w", err)
	}
	now := s.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, agent_name, task_type, data, priority, status, result, sender,
		                   attempts, lease_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_name = excluded.agent_name,
			task_type = excluded.task_type,
			data = excluded.data,
			priority = excluded.priority,
			status = excluded.status,
			result = excluded.result,
			sender = excluded.sender,
			lease_token = excluded.lease_token,
			updated_at = excluded.updated_at`,
		t.ID, t.AgentName, t.TaskType, data, t.Priority, t.Status, result, t.Sender,
		t.LeaseToken, t.CreatedAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) SetTaskStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, s.Now(), id)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	return nil
}

// SetTaskResult writes a result and status unconditionally. Workers finish
// their own executions through FinishTask instead.
func (s *Store) SetTaskResult(ctx context.Context, id string, result map[string]any, status string) error {
	res, err := encodeMap(result)
	if err != nil {
		return fmt.Errorf("encode task result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET result = ?, status = ?, lease_token = '', updated_at = ? WHERE id = ?`,
		res, status, s.Now(), id)
	if err != nil {
		return fmt.Errorf("set task result: %w", err)
	}
	return nil
}

// StartTask moves a pending task owned by owner (or by nobody) to
// processing, stamps a fresh lease token and counts the attempt. The token
// must be presented to FinishTask.
func (s *Store) StartTask(ctx context.Context, id, owner string) (string, error) {
	token := uuid.New().String()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'processing', agent_name = ?, lease_token = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'pending' AND (agent_name = ? OR agent_name = '')`,
		owner, token, s.Now(), id, owner)
	if err != nil {
		return "", fmt.Errorf("start task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("start task: %w", err)
	}
	if n == 0 {
		return "", ErrNotClaimable
	}
	return token, nil
}

// FinishTask writes a terminal status and result only while the row is
// still processing under the given lease token. It returns false when the
// row was reassigned in the meantime and nothing was written.
func (s *Store) FinishTask(ctx context.Context, id, leaseToken string, result map[string]any, status string) (bool, error) {
	res, err := encodeMap(result)
	if err != nil {
		return false, fmt.Errorf("encode task result: %w", err)
	}
	r, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, lease_token = '', updated_at = ?
		WHERE id = ? AND status = 'processing' AND lease_token = ?`,
		status, res, s.Now(), id, leaseToken)
	if err != nil {
		return false, fmt.Errorf("finish task: %w", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish task: %w", err)
	}
	return n == 1, nil
}

// ResetTask puts a processing task back to pending and invalidates its
// lease. With clearOwner the row becomes claimable by any capable agent.
func (s *Store) ResetTask(ctx context.Context, id string, clearOwner bool) error {
	query := `UPDATE tasks SET status = 'pending', lease_token = '', updated_at = ? WHERE id = ? AND status = 'processing'`
	if clearOwner {
		query = `UPDATE tasks SET status = 'pending', agent_name = '', lease_token = '', updated_at = ? WHERE id = ? AND status = 'processing'`
	}
	if _, err := s.db.ExecContext(ctx, query, s.Now(), id); err != nil {
		return fmt.Errorf("reset task: %w", err)
	}
	return nil
}

// ClaimPendingTasks assigns unowned pending tasks of the given types to
// agentName and returns the agent's pending tasks, oldest first. A "*"
// entry in taskTypes matches every type.
func (s *Store) ClaimPendingTasks(ctx context.Context, agentName string, taskTypes []string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}

	if len(taskTypes) > 0 {
		args := []any{agentName, s.Now()}
		filter := ""
		if !slices.Contains(taskTypes, "*") {
			filter = " AND task_type IN (" + placeholders(len(taskTypes)) + ")"
			for _, tt := range taskTypes {
				args = append(args, tt)
			}
		}
		args = append(args, limit)
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET agent_name = ?, updated_at = ?
			WHERE id IN (
				SELECT id FROM tasks
				WHERE status = 'pending' AND agent_name = ''`+filter+`
				ORDER BY created_at LIMIT ?
			) AND agent_name = ''`, args...)
		if err != nil {
			return nil, fmt.Errorf("claim tasks: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'pending' AND agent_name = ?
		ORDER BY created_at LIMIT ?`, agentName, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	return collectTasks(rows)
}

// TasksWithStatusOlderThan returns tasks in status whose last update is
// older than age.
func (s *Store) TasksWithStatusOlderThan(ctx context.Context, status string, age time.Duration) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at`, status, s.Now().Add(-age))
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	return collectTasks(rows)
}

// ListTasksExcludingStatus returns every task not in status, oldest first.
func (s *Store) ListTasksExcludingStatus(ctx context.Context, status string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE status != ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

// HasOpenTask reports whether a pending or processing task of taskType
// exists whose data[key] equals value.
func (s *Store) HasOpenTask(ctx context.Context, taskType, key, value string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE task_type = ? AND status IN ('pending', 'processing')
		  AND json_extract(data, '$.' || ?) = ?`, taskType, key, value).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check open task: %w", err)
	}
	return n > 0, nil
}

func (s *Store) DeleteCompletedTasksOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE status = 'completed' AND updated_at < ?`,
		s.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("delete completed tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TaskCounts returns the number of tasks per status.
func (s *Store) TaskCounts(ctx context.Context) (map[string]int, error) {
	return s.countBy(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
}

func (s *Store) countBy(ctx context.Context, query string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[k] = n
	}
	return counts, rows.Err()
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
