// Package recovery implements the recovery agent's sweep: it resets stuck
// tasks, queues restarts for erroring agents, flags dead ones, triages
// recent error logs and prunes old rows.
//
// Only one sweeper may run against a store at a time.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"github.com/mtzanidakis/agora/internal/config"
	"github.com/mtzanidakis/agora/internal/store"
)

const (
	retryLimitExceeded = "retry limit exceeded"
	taskAgentRestart   = "agent_restart"
)

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Report summarizes one sweep cycle.
type Report struct {
	StartedAt      time.Time      `json:"started_at"`
	Duration       time.Duration  `json:"duration"`
	TasksReset     []string       `json:"tasks_reset,omitempty"`
	OwnersCleared  []string       `json:"owners_cleared,omitempty"`
	TasksFailed    []string       `json:"tasks_failed,omitempty"`
	RestartsQueued []string       `json:"restarts_queued,omitempty"`
	OverErrorCap   []string       `json:"over_error_cap,omitempty"`
	DeadAgents     []string       `json:"dead_agents,omitempty"`
	Triage         map[string]int `json:"triage,omitempty"`
	LogsDeleted    int64          `json:"logs_deleted"`
	TasksDeleted   int64          `json:"tasks_deleted"`
	Errors         []string       `json:"errors,omitempty"`
}

type Sweeper struct {
	store    *store.Store
	logDir   string
	notifier Notifier
	backup   config.BackupConfig
	log      *slog.Logger
	triage   map[Category]TriageFunc

	cfgMu    sync.RWMutex
	cfg      config.RecoveryConfig
	reloadCh chan struct{}

	// One cycle at a time, timer or on demand.
	sweepMu sync.Mutex

	mu       sync.Mutex
	last     *Report
	alerted  map[string]int
	deadSeen map[string]bool
}

type Option func(*Sweeper)

func WithNotifier(n Notifier) Option {
	return func(s *Sweeper) { s.notifier = n }
}

// WithLogDir sets the directory of per-agent JSON log files to triage.
func WithLogDir(dir string) Option {
	return func(s *Sweeper) { s.logDir = dir }
}

func WithBackup(cfg config.BackupConfig) Option {
	return func(s *Sweeper) { s.backup = cfg }
}

// WithTriageHandler replaces the handler for one log category.
func WithTriageHandler(c Category, fn TriageFunc) Option {
	return func(s *Sweeper) { s.triage[c] = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.log = l }
}

func New(st *store.Store, cfg config.RecoveryConfig, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    st,
		cfg:      cfg,
		log:      slog.Default(),
		reloadCh: make(chan struct{}, 1),
		alerted:  make(map[string]int),
		deadSeen: make(map[string]bool),
	}
	s.triage = s.defaultTriage()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sweeper) config() config.RecoveryConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// UpdateConfig applies new thresholds from the next cycle on.
func (s *Sweeper) UpdateConfig(cfg config.RecoveryConfig) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
	s.log.Info("recovery config reloaded", "interval", cfg.Interval, "stale_after", cfg.StaleAfter)
}

// LastReport returns the report of the most recent cycle, nil before the
// first one.
func (s *Sweeper) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Run sweeps on the configured interval until ctx ends. After a failed
// cycle the next one comes after the shorter error backoff.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("recovery sweeper started", "interval", s.config().Interval)
	for {
		wait := s.config().Interval
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error("sweep cycle failed", "error", err)
			wait = s.config().ErrorBackoff
		}
		if wait <= 0 {
			wait = time.Minute
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("recovery sweeper stopped")
			return
		case <-s.reloadCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Sweep runs one full cycle. Every step runs even when an earlier one
// failed; the returned error joins all step failures.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	cfg := s.config()
	rep := &Report{StartedAt: s.store.Now(), Triage: map[string]int{}}
	steps := []struct {
		name string
		fn   func(context.Context, config.RecoveryConfig, *Report) error
	}{
		{"stuck tasks", s.reconcileStuck},
		{"unhealthy agents", s.reconcileUnhealthy},
		{"dead agents", s.detectDead},
		{"log triage", s.triageLogs},
		{"retention", s.cleanup},
	}

	var errs []error
	for _, step := range steps {
		var err error
		var catcher panics.Catcher
		catcher.Try(func() { err = step.fn(ctx, cfg, rep) })
		if rec := catcher.Recovered(); rec != nil {
			err = rec.AsError()
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", step.name, err)
			rep.Errors = append(rep.Errors, err.Error())
			errs = append(errs, err)
		}
	}
	rep.Duration = s.store.Now().Sub(rep.StartedAt)

	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()

	s.log.Info("sweep complete",
		"tasks_reset", len(rep.TasksReset),
		"tasks_failed", len(rep.TasksFailed),
		"restarts_queued", len(rep.RestartsQueued),
		"dead_agents", len(rep.DeadAgents),
		"logs_deleted", rep.LogsDeleted,
		"tasks_deleted", rep.TasksDeleted,
	)
	return rep, errors.Join(errs...)
}

// reconcileStuck resets processing rows older than the stale threshold.
// The owner is kept when it is running and cleared otherwise. Rows that
// exhausted their attempts are failed instead.
func (s *Sweeper) reconcileStuck(ctx context.Context, cfg config.RecoveryConfig, rep *Report) error {
	stuck, err := s.store.TasksWithStatusOlderThan(ctx, store.TaskProcessing, cfg.StaleAfter)
	if err != nil {
		return err
	}

	owners := map[string]*store.AgentStatus{}
	var errs []error
	for _, t := range stuck {
		log := s.log.With("task_id", t.ID, "owner", t.AgentName, "attempts", t.Attempts)

		if cfg.MaxTaskAttempts > 0 && t.Attempts >= cfg.MaxTaskAttempts {
			result := map[string]any{
				"status":   "error",
				"error":    retryLimitExceeded,
				"attempts": t.Attempts,
			}
			if err := s.store.SetTaskResult(ctx, t.ID, result, store.TaskFailed); err != nil {
				errs = append(errs, err)
				continue
			}
			log.Warn("stuck task exhausted its attempts, marked failed")
			rep.TasksFailed = append(rep.TasksFailed, t.ID)
			continue
		}

		owner, ok := owners[t.AgentName]
		if !ok && t.AgentName != "" {
			owner, err = s.store.GetAgentStatus(ctx, t.AgentName)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			owners[t.AgentName] = owner
		}
		running := owner != nil && owner.Status == store.AgentRunning

		if err := s.store.ResetTask(ctx, t.ID, !running); err != nil {
			errs = append(errs, err)
			continue
		}
		rep.TasksReset = append(rep.TasksReset, t.ID)
		if running {
			log.Warn("reset stuck task, owner still running")
		} else {
			rep.OwnersCleared = append(rep.OwnersCleared, t.ID)
			log.Warn("reset stuck task and released it from its owner")
		}
	}
	return errors.Join(errs...)
}

// reconcileUnhealthy queues one agent_restart task for the router per
// erroring agent at or under the error cap. Agents over the cap are only
// reported.
func (s *Sweeper) reconcileUnhealthy(ctx context.Context, cfg config.RecoveryConfig, rep *Report) error {
	agents, err := s.store.AgentsWithStatus(ctx, store.AgentError)
	if err != nil {
		return err
	}

	var errs []error
	for _, a := range agents {
		log := s.log.With("target", a.AgentName, "errors_count", a.ErrorsCount)

		if a.ErrorsCount > cfg.MaxErrorCount {
			rep.OverErrorCap = append(rep.OverErrorCap, a.AgentName)
			log.Warn("agent over error cap, not restarting", "cap", cfg.MaxErrorCount)
			s.alertOnce(ctx, a.AgentName, a.ErrorsCount,
				fmt.Sprintf("Agent %s is in error state with %d errors (cap %d). Automatic restarts stopped.",
					a.AgentName, a.ErrorsCount, cfg.MaxErrorCount))
			continue
		}

		open, err := s.store.HasOpenTask(ctx, taskAgentRestart, "agent_name", a.AgentName)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if open {
			log.Debug("restart already queued")
			continue
		}

		t := &store.Task{
			ID:        uuid.New().String(),
			AgentName: config.RouterAgentName,
			TaskType:  taskAgentRestart,
			Data:      map[string]any{"agent_name": a.AgentName},
			Priority:  cfg.RestartPriority,
			Status:    store.TaskPending,
			Sender:    config.RecoveryAgentName,
		}
		if err := s.store.CreateOrUpdateTask(ctx, t); err != nil {
			errs = append(errs, err)
			continue
		}
		rep.RestartsQueued = append(rep.RestartsQueued, a.AgentName)
		log.Warn("queued agent restart", "task_id", t.ID)
	}
	return errors.Join(errs...)
}

// detectDead flags running agents whose heartbeat is older than the
// heartbeat window.
func (s *Sweeper) detectDead(ctx context.Context, cfg config.RecoveryConfig, rep *Report) error {
	running, err := s.store.AgentsWithStatus(ctx, store.AgentRunning)
	if err != nil {
		return err
	}
	now := s.store.Now()

	dead := map[string]bool{}
	for _, a := range running {
		age := a.HeartbeatAge(now)
		if age >= 0 && age <= cfg.HeartbeatStale {
			continue
		}
		dead[a.AgentName] = true
		rep.DeadAgents = append(rep.DeadAgents, a.AgentName)
		s.log.Warn("agent heartbeat is stale, considering it dead", "target", a.AgentName, "heartbeat_age", age.String())
	}

	s.mu.Lock()
	var fresh []string
	for name := range dead {
		if !s.deadSeen[name] {
			fresh = append(fresh, name)
		}
	}
	s.deadSeen = dead
	s.mu.Unlock()

	for _, name := range fresh {
		s.notify(ctx, "Agent "+name+" stopped sending heartbeats.")
	}
	return nil
}

func (s *Sweeper) cleanup(ctx context.Context, cfg config.RecoveryConfig, rep *Report) error {
	var errs []error
	if cfg.LogRetention > 0 {
		n, err := s.store.DeleteLogsOlderThan(ctx, cfg.LogRetention)
		if err != nil {
			errs = append(errs, err)
		}
		rep.LogsDeleted = n
	}
	if cfg.TaskRetention > 0 {
		n, err := s.store.DeleteCompletedTasksOlderThan(ctx, cfg.TaskRetention)
		if err != nil {
			errs = append(errs, err)
		}
		rep.TasksDeleted = n
	}
	return errors.Join(errs...)
}

func (s *Sweeper) alertOnce(ctx context.Context, agent string, count int, text string) {
	s.mu.Lock()
	prev, seen := s.alerted[agent]
	s.alerted[agent] = count
	s.mu.Unlock()
	if seen && prev == count {
		return
	}
	s.notify(ctx, text)
}

func (s *Sweeper) notify(ctx context.Context, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, text); err != nil {
		s.log.Warn("operator alert failed", "error", err)
	}
}
