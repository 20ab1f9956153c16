package container

import (
	"context"
	"errors"
	"testing"

	dockercontainer "github.com/docker/docker/api/types/container"

	"github.com/mtzanidakis/agora/internal/config"
)

type fakeDocker struct {
	containers []dockercontainer.Summary
	listErr    error
	restartErr error
	running    bool
	restarted  []string
	listLabel  string
}

func (f *fakeDocker) ContainerList(_ context.Context, opts dockercontainer.ListOptions) ([]dockercontainer.Summary, error) {
	if vals := opts.Filters.Get("label"); len(vals) > 0 {
		f.listLabel = vals[0]
	}
	return f.containers, f.listErr
}

func (f *fakeDocker) ContainerRestart(_ context.Context, id string, _ dockercontainer.StopOptions) error {
	if f.restartErr != nil {
		return f.restartErr
	}
	f.restarted = append(f.restarted, id)
	return nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (dockercontainer.InspectResponse, error) {
	return dockercontainer.InspectResponse{
		ContainerJSONBase: &dockercontainer.ContainerJSONBase{
			ID:    id,
			State: &dockercontainer.State{Running: f.running},
		},
	}, nil
}

func (f *fakeDocker) Close() error { return nil }

func newTestManager(t *testing.T, d *fakeDocker, agents ...config.AgentDefinition) *Manager {
	t.Helper()
	m, err := NewManager(agents, withDocker(d))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestRestartConfiguredContainer(t *testing.T) {
	d := &fakeDocker{running: true}
	m := newTestManager(t, d, config.AgentDefinition{Name: "vision_agent", Container: "agora-vision"})

	if err := m.Restart(context.Background(), "vision_agent"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if len(d.restarted) != 1 || d.restarted[0] != "agora-vision" {
		t.Errorf("expected agora-vision restarted, got %v", d.restarted)
	}
	if d.listLabel != "" {
		t.Error("expected no container listing for a configured name")
	}
}

func TestRestartByLabel(t *testing.T) {
	d := &fakeDocker{
		running:    true,
		containers: []dockercontainer.Summary{{ID: "0123456789abcdef0123"}},
	}
	m := newTestManager(t, d)

	if err := m.Restart(context.Background(), "text_agent"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if d.listLabel != "agora.agent=text_agent" {
		t.Errorf("expected label filter, got %q", d.listLabel)
	}
	if len(d.restarted) != 1 || d.restarted[0] != "0123456789abcdef0123" {
		t.Errorf("unexpected restarts %v", d.restarted)
	}
}

func TestRestartErrors(t *testing.T) {
	tests := []struct {
		name   string
		docker *fakeDocker
		is     error
	}{
		{"no container", &fakeDocker{running: true}, ErrNoContainer},
		{"list fails", &fakeDocker{listErr: errors.New("daemon down")}, nil},
		{"restart fails", &fakeDocker{containers: []dockercontainer.Summary{{ID: "abc"}}, restartErr: errors.New("boom")}, nil},
		{"not running", &fakeDocker{containers: []dockercontainer.Summary{{ID: "abc"}}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, tt.docker)
			err := m.Restart(context.Background(), "text_agent")
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("expected %v, got %v", tt.is, err)
			}
		})
	}
}

func TestUpdateAgents(t *testing.T) {
	d := &fakeDocker{running: true}
	m := newTestManager(t, d, config.AgentDefinition{Name: "vision_agent", Container: "old"})
	m.UpdateAgents([]config.AgentDefinition{{Name: "vision_agent", Container: "new"}})

	id, err := m.Resolve(context.Background(), "vision_agent")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "new" {
		t.Errorf("expected new, got %s", id)
	}
}
