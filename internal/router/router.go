// Package router implements the meta agent: it routes incoming tasks to the
// worker that owns a matching keyword, delegates over HTTP and runs
// composite tasks as ordered subtasks.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/mtzanidakis/agora/internal/capability"
	"github.com/mtzanidakis/agora/internal/config"
	"github.com/mtzanidakis/agora/internal/peer"
	"github.com/mtzanidakis/agora/internal/registry"
	"github.com/mtzanidakis/agora/internal/store"
)

const TaskComposite = "complex_task"

var ErrNoRoute = errors.New("no route")

// payloadHints are checked against the serialized payload, in order, when
// the task type matches no keyword.
var payloadHints = []string{"image", "telegram"}

// Submitter sends tasks to peers.
type Submitter interface {
	Submit(ctx context.Context, agent string, req peer.Request) (map[string]any, error)
	Probe(ctx context.Context, agent string) error
}

// Restarter restarts the process backing an agent.
type Restarter interface {
	Restart(ctx context.Context, agent string) error
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type Router struct {
	self      string
	reg       *registry.Registry
	discovery *registry.Discovery
	peers     Submitter
	store     *store.Store
	log       *slog.Logger

	cfgMu sync.RWMutex
	cfg   config.RouterConfig

	heartbeatStale time.Duration
	restarter      Restarter
	notifier       Notifier
	directory      *peer.StaticDirectory
	status         func() any

	reloadCh chan struct{}
}

type Option func(*Router)

func WithRestarter(r Restarter) Option {
	return func(rt *Router) { rt.restarter = r }
}

func WithNotifier(n Notifier) Option {
	return func(rt *Router) { rt.notifier = n }
}

// WithDirectory keeps dir in sync with the registry on reload.
func WithDirectory(dir *peer.StaticDirectory) Option {
	return func(rt *Router) { rt.directory = dir }
}

// WithStatus sets the function reporting the hosting worker's status.
func WithStatus(fn func() any) Option {
	return func(rt *Router) { rt.status = fn }
}

// WithHeartbeatWindow sets how old a running agent's heartbeat may be for
// discovery to still count it as alive.
func WithHeartbeatWindow(d time.Duration) Option {
	return func(rt *Router) { rt.heartbeatStale = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(rt *Router) { rt.log = l }
}

func New(reg *registry.Registry, peers Submitter, st *store.Store, cfg config.RouterConfig, opts ...Option) *Router {
	r := &Router{
		self:           config.RouterAgentName,
		reg:            reg,
		discovery:      registry.NewDiscovery(),
		peers:          peers,
		store:          st,
		cfg:            cfg,
		log:            slog.Default(),
		heartbeatStale: 5 * time.Minute,
		reloadCh:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Discovery() *registry.Discovery {
	return r.discovery
}

// localTypes are the task types the router serves itself. Only these are
// claimed from the unowned pending pool; everything else reaches the router
// through the fallback when submitted to it directly.
var localTypes = []string{TaskPing, TaskStatus, TaskListCapabilities, TaskAgentRestart, TaskComposite}

// Install makes the router the handler for every task type on table.
func (r *Router) Install(table *capability.Table) error {
	table.SetFallback(capability.HandlerFunc(r.Handle))
	for _, tt := range localTypes {
		if err := table.RegisterFunc(tt, r.Handle); err != nil {
			return fmt.Errorf("install %s: %w", tt, err)
		}
	}
	return nil
}

// Handle is the router's capability handler.
func (r *Router) Handle(ctx context.Context, t *store.Task) (map[string]any, error) {
	res, err := r.execute(ctx, t)
	if err != nil {
		return nil, capability.FailWith(res, err)
	}
	return res, nil
}

// execute runs one task through composite handling, routing and the local
// handlers. On error res is the error envelope.
func (r *Router) execute(ctx context.Context, t *store.Task) (map[string]any, error) {
	taskType := strings.ToLower(strings.TrimSpace(t.TaskType))
	if taskType == TaskComposite {
		return r.handleComposite(ctx, t)
	}

	if agent, found := r.Route(t); found {
		return r.delegate(ctx, t, agent)
	}

	local, err := r.handleLocal(ctx, taskType, t)
	if err != nil {
		return r.errorEnvelope(t, r.self, err), err
	}
	local["processedBy"] = r.self
	local["taskId"] = t.ID
	return local, nil
}

// Route picks the agent for t. An exact keyword hit wins; otherwise the
// first keyword, in registration order, contained in the task type; then
// payload hints. Only discovered agents are returned.
func (r *Router) Route(t *store.Task) (string, bool) {
	taskType := strings.ToLower(strings.TrimSpace(t.TaskType))
	if taskType == "" {
		return "", false
	}

	if agent, ok := r.reg.Exact(taskType); ok && r.routable(agent) {
		return agent, true
	}

	caps := r.reg.Capabilities()
	for _, c := range caps {
		if !r.routable(c.Agent) {
			continue
		}
		for _, kw := range c.Keywords {
			if strings.Contains(taskType, kw) {
				return c.Agent, true
			}
		}
	}

	if len(t.Data) == 0 {
		return "", false
	}
	raw, err := json.Marshal(t.Data)
	if err != nil {
		return "", false
	}
	payload := strings.ToLower(string(raw))
	for _, hint := range payloadHints {
		if !strings.Contains(payload, hint) {
			continue
		}
		for _, c := range caps {
			if !r.routable(c.Agent) {
				continue
			}
			for _, kw := range c.Keywords {
				if strings.Contains(kw, hint) {
					return c.Agent, true
				}
			}
		}
	}
	return "", false
}

func (r *Router) routable(agent string) bool {
	return agent != r.self && r.discovery.Contains(agent)
}

// Delegate submits t to agent and wraps the outcome in an envelope. The
// child task gets a fresh id; taskId in the envelope is t's id.
func (r *Router) Delegate(ctx context.Context, t *store.Task, agent string) map[string]any {
	res, _ := r.delegate(ctx, t, agent)
	return res
}

func (r *Router) delegate(ctx context.Context, t *store.Task, agent string) (map[string]any, error) {
	log := r.log.With("task_id", t.ID, "task_type", t.TaskType, "target", agent)
	res, err := r.peers.Submit(ctx, agent, peer.Request{
		ID:       uuid.New().String(),
		TaskType: t.TaskType,
		Data:     t.Data,
		Sender:   r.self,
	})
	if err != nil {
		log.Warn("delegation failed", "error", err)
		return r.errorEnvelope(t, agent, err), err
	}
	log.Debug("delegated task")
	return map[string]any{
		"status":      "success",
		"result":      res,
		"processedBy": agent,
		"taskId":      t.ID,
	}, nil
}

func (r *Router) errorEnvelope(t *store.Task, processedBy string, err error) map[string]any {
	return map[string]any{
		"status":      "error",
		"error":       err.Error(),
		"processedBy": processedBy,
		"taskId":      t.ID,
	}
}

// HandleComposite runs data.subtasks in order through the same path as a
// top-level task. Every subtask runs regardless of earlier failures; ok is
// false when any of them failed.
func (r *Router) HandleComposite(ctx context.Context, t *store.Task) (map[string]any, bool) {
	res, err := r.handleComposite(ctx, t)
	return res, err == nil
}

func (r *Router) handleComposite(ctx context.Context, t *store.Task) (map[string]any, error) {
	raw, _ := t.Data["subtasks"].([]any)
	results := make([]any, 0, len(raw))
	failed := 0

	for i, item := range raw {
		sub := &store.Task{
			ID:     fmt.Sprintf("%s.%d", t.ID, i),
			Sender: r.self,
		}
		entry, _ := item.(map[string]any)
		if entry != nil {
			sub.TaskType = firstString(entry, "taskType", "task_type")
			sub.Data, _ = entry["data"].(map[string]any)
		}
		if sub.TaskType == "" {
			results = append(results, r.errorEnvelope(sub, r.self, fmt.Errorf("subtask %d: missing taskType", i)))
			failed++
			continue
		}

		res, err := r.execute(ctx, sub)
		if err != nil {
			failed++
		}
		results = append(results, res)
	}

	out := map[string]any{
		"status":      "success",
		"results":     results,
		"processedBy": r.self,
		"taskId":      t.ID,
	}
	var err error
	switch {
	case len(raw) == 0:
		err = errors.New("complex_task without subtasks")
	case failed > 0:
		err = fmt.Errorf("%d of %d subtasks failed", failed, len(raw))
	}
	if err != nil {
		out["status"] = "error"
		out["error"] = err.Error()
	}
	return out, err
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Discover pings every routable agent concurrently and updates the
// discovery set. An agent that misses the ping stays discovered while its
// store row is running with a fresh heartbeat.
func (r *Router) Discover(ctx context.Context) []string {
	caps := r.reg.Capabilities()
	reached := make([]bool, len(caps))

	var wg conc.WaitGroup
	for i, c := range caps {
		wg.Go(func() {
			pctx, cancel := context.WithTimeout(ctx, r.probeTimeout())
			defer cancel()
			if err := r.peers.Probe(pctx, c.Agent); err != nil {
				r.log.Debug("discovery ping failed", "target", c.Agent, "error", err)
				return
			}
			reached[i] = true
		})
	}
	if rec := wg.WaitAndRecover(); rec != nil {
		r.log.Error("discovery probe panicked", "error", rec.AsError())
	}

	alive := r.aliveInStore(ctx)
	now := r.store.Now()
	for i, c := range caps {
		switch {
		case reached[i]:
			r.discovery.Add(c.Agent, now)
		case alive[c.Agent]:
			if !r.discovery.Contains(c.Agent) {
				r.discovery.Add(c.Agent, now)
			}
		default:
			if r.discovery.Remove(c.Agent) {
				r.log.Warn("agent left discovery set", "target", c.Agent)
			}
		}
	}
	r.discovery.Retain(func(name string) bool {
		def, ok := r.reg.Definition(name)
		return ok && len(def.Keywords) > 0
	})

	members := r.discovery.Members()
	r.log.Info("discovery complete", "discovered", members)
	return members
}

func (r *Router) config() config.RouterConfig {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

func (r *Router) probeTimeout() time.Duration {
	if d := r.config().RequestTimeout; d > 0 && d < 10*time.Second {
		return d
	}
	return 10 * time.Second
}

func (r *Router) aliveInStore(ctx context.Context) map[string]bool {
	rows, err := r.store.AgentsWithStatus(ctx, store.AgentRunning)
	if err != nil {
		r.log.Warn("discovery could not read agent status", "error", err)
		return nil
	}
	now := r.store.Now()
	alive := make(map[string]bool, len(rows))
	for _, a := range rows {
		if a.LastHeartbeat != nil && a.HeartbeatAge(now) <= r.heartbeatStale {
			alive[a.AgentName] = true
		}
	}
	return alive
}

// Run discovers once, then again every discovery interval until ctx ends.
func (r *Router) Run(ctx context.Context) {
	r.Discover(ctx)

	interval := func() time.Duration {
		if d := r.config().DiscoveryInterval; d > 0 {
			return d
		}
		return time.Minute
	}
	ticker := time.NewTicker(interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.reloadCh:
			ticker.Reset(interval())
			r.Discover(ctx)
		case <-ticker.C:
			r.Discover(ctx)
		}
	}
}

// Reload applies a configuration change: the agent table is re-validated
// and replaced, router settings take effect on the next discovery round.
func (r *Router) Reload(cfg *config.Config, diff config.ConfigDiff) error {
	if len(diff.AgentsAdded) > 0 || len(diff.AgentsRemoved) > 0 || len(diff.AgentsChanged) > 0 || diff.CapabilitiesChanged {
		if err := r.reg.Replace(cfg.Agents); err != nil {
			return fmt.Errorf("reload registry: %w", err)
		}
		if r.directory != nil {
			r.directory.Update(cfg.Agents)
		}
		for _, name := range diff.AgentsRemoved {
			r.discovery.Remove(name)
		}
	}
	if diff.RouterChanged {
		r.cfgMu.Lock()
		r.cfg = diff.NewRouter
		r.cfgMu.Unlock()
	}
	select {
	case r.reloadCh <- struct{}{}:
	default:
	}
	r.log.Info("router config reloaded", "capabilities", len(r.reg.Capabilities()))
	return nil
}
