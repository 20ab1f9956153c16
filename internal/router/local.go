package router

import (
	"context"
	"fmt"

	"github.com/mtzanidakis/agora/internal/capability"
	"github.com/mtzanidakis/agora/internal/store"
)

const (
	TaskPing             = "ping"
	TaskStatus           = "status"
	TaskListCapabilities = "list_capabilities"
	TaskAgentRestart     = "agent_restart"
)

func (r *Router) handleLocal(ctx context.Context, taskType string, t *store.Task) (map[string]any, error) {
	switch taskType {
	case TaskPing:
		return capability.Success(map[string]any{
			"agent":      r.self,
			"discovered": r.discovery.Members(),
		}), nil
	case TaskStatus:
		return r.statusReport(ctx)
	case TaskListCapabilities:
		return r.listCapabilities(), nil
	case TaskAgentRestart:
		return r.restartAgent(ctx, t)
	}
	return nil, fmt.Errorf("%w for task type %q", ErrNoRoute, t.TaskType)
}

func (r *Router) statusReport(ctx context.Context) (map[string]any, error) {
	rows, err := r.store.ListAgentStatuses(ctx)
	if err != nil {
		return nil, err
	}
	now := r.store.Now()
	agents := make([]map[string]any, 0, len(rows))
	for _, a := range rows {
		entry := map[string]any{
			"agent":        a.AgentName,
			"status":       a.Status,
			"errors_count": a.ErrorsCount,
			"discovered":   r.discovery.Contains(a.AgentName),
		}
		if a.LastHeartbeat != nil {
			entry["heartbeat_age_seconds"] = int64(a.HeartbeatAge(now).Seconds())
		}
		if b, ok := r.peers.(interface{ BreakerState(string) string }); ok {
			entry["breaker"] = b.BreakerState(a.AgentName)
		}
		agents = append(agents, entry)
	}

	out := map[string]any{
		"agent":      r.self,
		"agents":     agents,
		"discovered": r.discovery.Members(),
	}
	if r.status != nil {
		out["worker"] = r.status()
	}
	return capability.Success(out), nil
}

func (r *Router) listCapabilities() map[string]any {
	caps := r.reg.Capabilities()
	list := make([]map[string]any, 0, len(caps))
	for _, c := range caps {
		list = append(list, map[string]any{
			"agent":    c.Agent,
			"keywords": c.Keywords,
			"online":   r.discovery.Contains(c.Agent),
		})
	}
	return capability.Success(map[string]any{"capabilities": list})
}

// restartAgent drops the agent from discovery, restarts its container when
// enabled and pings it again. The outcome is reported to the operator.
func (r *Router) restartAgent(ctx context.Context, t *store.Task) (map[string]any, error) {
	name, _ := t.Data["agent_name"].(string)
	if name == "" {
		return nil, fmt.Errorf("agent_restart: agent_name is required")
	}
	if !r.reg.Has(name) {
		return nil, fmt.Errorf("agent_restart: unknown agent %s", name)
	}
	log := r.log.With("target", name, "task_id", t.ID)

	r.discovery.Remove(name)
	log.Warn("restarting agent")

	restarted := false
	var restartErr error
	if r.config().DockerRestart && r.restarter != nil {
		if restartErr = r.restarter.Restart(ctx, name); restartErr != nil {
			log.Error("container restart failed", "error", restartErr)
		} else {
			restarted = true
		}
	}

	reachable := false
	pctx, cancel := context.WithTimeout(ctx, r.probeTimeout())
	err := r.peers.Probe(pctx, name)
	cancel()
	if err == nil {
		reachable = true
		r.discovery.Add(name, r.store.Now())
	} else {
		log.Warn("agent unreachable after restart", "error", err)
	}

	msg := fmt.Sprintf("Agent %s restart requested (container restarted: %t, reachable: %t)", name, restarted, reachable)
	if restartErr != nil {
		msg += "\nRestart error: " + restartErr.Error()
	}
	r.notify(ctx, msg)

	return capability.Success(map[string]any{
		"agent_name": name,
		"restarted":  restarted,
		"reachable":  reachable,
	}), nil
}

func (r *Router) notify(ctx context.Context, text string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, text); err != nil {
		r.log.Warn("operator alert failed", "error", err)
	}
}
