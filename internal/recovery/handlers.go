package recovery

import (
	"context"
	"fmt"

	"github.com/mtzanidakis/agora/internal/backup"
	"github.com/mtzanidakis/agora/internal/capability"
	"github.com/mtzanidakis/agora/internal/store"
)

const (
	TaskManualRecovery = "manual_recovery"
	TaskHealthCheck    = "system_health_check"
	TaskBackupData     = "backup_data"
)

// Install registers the recovery agent's on-demand task types.
func (s *Sweeper) Install(table *capability.Table) error {
	handlers := map[string]capability.HandlerFunc{
		TaskManualRecovery: s.handleManualRecovery,
		TaskHealthCheck:    s.handleHealthCheck,
		TaskBackupData:     s.handleBackup,
	}
	for taskType, fn := range handlers {
		if err := table.RegisterFunc(taskType, fn); err != nil {
			return fmt.Errorf("register %s: %w", taskType, err)
		}
	}
	return nil
}

func (s *Sweeper) handleManualRecovery(ctx context.Context, _ *store.Task) (map[string]any, error) {
	rep, err := s.Sweep(ctx)
	if err != nil {
		return nil, capability.FailWith(map[string]any{"report": rep}, err)
	}
	return capability.Success(map[string]any{"report": rep}), nil
}

func (s *Sweeper) handleHealthCheck(ctx context.Context, _ *store.Task) (map[string]any, error) {
	h, err := s.Health(ctx)
	if err != nil {
		return nil, err
	}
	return capability.Success(map[string]any{"health": h}), nil
}

func (s *Sweeper) handleBackup(ctx context.Context, _ *store.Task) (map[string]any, error) {
	if s.backup.Dir == "" {
		return nil, fmt.Errorf("backup directory not configured")
	}
	path, err := backup.Save(ctx, s.store, s.backup)
	if err != nil {
		return nil, err
	}
	s.log.Info("backup written", "path", path)
	return capability.Success(map[string]any{"path": path}), nil
}

// HealthReport is a point-in-time view of the system.
type HealthReport struct {
	Tasks        map[string]int `json:"tasks"`
	Agents       map[string]int `json:"agents"`
	RecentErrors int            `json:"recent_errors"`
	DeadAgents   []string       `json:"dead_agents"`
	Findings     []Finding      `json:"findings,omitempty"`
	LastSweep    *Report        `json:"last_sweep,omitempty"`
}

// Health counts tasks and agents by status and summarizes recent errors.
func (s *Sweeper) Health(ctx context.Context) (*HealthReport, error) {
	cfg := s.config()
	tasks, err := s.store.TaskCounts(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := s.store.AgentCounts(ctx)
	if err != nil {
		return nil, err
	}

	h := &HealthReport{Tasks: tasks, Agents: agents, DeadAgents: []string{}, LastSweep: s.LastReport()}
	if cfg.LogWindow > 0 {
		findings, err := s.CollectFindings(ctx, cfg.LogWindow)
		if err != nil {
			s.log.Warn("collect findings for health check", "error", err)
		}
		h.Findings = findings
		for _, f := range findings {
			h.RecentErrors += f.Count
		}
	}

	running, err := s.store.AgentsWithStatus(ctx, store.AgentRunning)
	if err != nil {
		return nil, err
	}
	now := s.store.Now()
	for _, a := range running {
		if age := a.HeartbeatAge(now); age < 0 || age > cfg.HeartbeatStale {
			h.DeadAgents = append(h.DeadAgents, a.AgentName)
		}
	}
	return h, nil
}
