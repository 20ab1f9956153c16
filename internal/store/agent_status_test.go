package store

import (
	"context"
	"testing"
	"time"
)

func TestAgentStatusLifecycle(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	a := &AgentStatus{
		AgentName: "vision_agent",
		AgentID:   "inst-1",
		Status:    AgentInitializing,
		Config:    map[string]any{"port": float64(8003)},
	}
	if err := s.UpsertAgentStatus(ctx, a); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetAgentStatus(ctx, "vision_agent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected agent status, got nil")
	}
	if got.Status != AgentInitializing {
		t.Errorf("expected initializing, got %s", got.Status)
	}
	if got.Config["port"] != float64(8003) {
		t.Errorf("expected config port 8003, got %v", got.Config["port"])
	}
	first := *got.LastHeartbeat

	if err := s.SetAgentState(ctx, "vision_agent", AgentRunning); err != nil {
		t.Fatalf("set state: %v", err)
	}

	clock.Advance(30 * time.Second)
	if err := s.TouchHeartbeat(ctx, "vision_agent", map[string]any{"tasks_processed": 3}); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ = s.GetAgentStatus(ctx, "vision_agent")
	if !got.LastHeartbeat.After(first) {
		t.Errorf("expected heartbeat to advance, %v !> %v", got.LastHeartbeat, first)
	}
	if got.Metrics["tasks_processed"] != float64(3) {
		t.Errorf("expected metrics snapshot, got %v", got.Metrics)
	}
	if age := got.HeartbeatAge(clock.Now()); age != 0 {
		t.Errorf("expected zero heartbeat age, got %v", age)
	}

	// A heartbeat with nil metrics keeps the previous snapshot.
	_ = s.TouchHeartbeat(ctx, "vision_agent", nil)
	got, _ = s.GetAgentStatus(ctx, "vision_agent")
	if got.Metrics["tasks_processed"] != float64(3) {
		t.Errorf("expected metrics preserved, got %v", got.Metrics)
	}

	n, err := s.IncrementAgentErrors(ctx, "vision_agent")
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if n != 1 {
		t.Errorf("expected errors_count 1, got %d", n)
	}

	if err := s.TouchHeartbeat(ctx, "ghost", nil); err == nil {
		t.Error("expected error touching unregistered agent")
	}
}

func TestAgentsWithStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for name, status := range map[string]string{
		"a": AgentRunning,
		"b": AgentError,
		"c": AgentError,
		"d": AgentStopped,
	} {
		if err := s.UpsertAgentStatus(ctx, &AgentStatus{AgentName: name, AgentID: name, Status: status}); err != nil {
			t.Fatalf("upsert %s: %v", name, err)
		}
	}

	errored, err := s.AgentsWithStatus(ctx, AgentError)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(errored) != 2 || errored[0].AgentName != "b" || errored[1].AgentName != "c" {
		t.Errorf("expected [b c], got %v", errored)
	}

	all, _ := s.ListAgentStatuses(ctx)
	if len(all) != 4 {
		t.Errorf("expected 4 agents, got %d", len(all))
	}

	counts, err := s.AgentCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[AgentError] != 2 || counts[AgentRunning] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}

	missing, err := s.GetAgentStatus(ctx, "nobody")
	if err != nil || missing != nil {
		t.Errorf("expected (nil, nil) for missing agent, got (%v, %v)", missing, err)
	}
}
