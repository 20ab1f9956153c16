// Package container restarts worker containers through the Docker API.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/mtzanidakis/agora/internal/config"
)

// AgentLabel marks a container as hosting the named agent.
const AgentLabel = "agora.agent"

var ErrNoContainer = errors.New("no container found for agent")

// dockerAPI is the subset of the Docker client the manager calls.
type dockerAPI interface {
	ContainerList(ctx context.Context, options dockercontainer.ListOptions) ([]dockercontainer.Summary, error)
	ContainerRestart(ctx context.Context, containerID string, options dockercontainer.StopOptions) error
	ContainerInspect(ctx context.Context, containerID string) (dockercontainer.InspectResponse, error)
	Close() error
}

type Manager struct {
	docker      dockerAPI
	stopTimeout int
	log         *slog.Logger

	mu    sync.RWMutex
	names map[string]string // agent → configured container name
}

type Option func(*Manager)

// WithStopTimeout sets the seconds Docker waits before killing the old
// process.
func WithStopTimeout(seconds int) Option {
	return func(m *Manager) { m.stopTimeout = seconds }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func withDocker(d dockerAPI) Option {
	return func(m *Manager) { m.docker = d }
}

func NewManager(agents []config.AgentDefinition, opts ...Option) (*Manager, error) {
	m := &Manager{stopTimeout: 10, log: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	if m.docker == nil {
		docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		m.docker = docker
	}
	m.UpdateAgents(agents)
	return m, nil
}

// UpdateAgents replaces the agent to container name mapping.
func (m *Manager) UpdateAgents(agents []config.AgentDefinition) {
	names := make(map[string]string, len(agents))
	for _, a := range agents {
		if a.Container != "" {
			names[a.Name] = a.Container
		}
	}
	m.mu.Lock()
	m.names = names
	m.mu.Unlock()
}

// Resolve finds the container hosting agent: the configured container
// name first, then a container labelled agora.agent=<agent>.
func (m *Manager) Resolve(ctx context.Context, agent string) (string, error) {
	m.mu.RLock()
	name := m.names[agent]
	m.mu.RUnlock()
	if name != "" {
		return name, nil
	}

	filterArgs := filters.NewArgs()
	filterArgs.Add("label", AgentLabel+"="+agent)
	containers, err := m.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return "", fmt.Errorf("list containers: %w", err)
	}
	if len(containers) == 0 {
		return "", fmt.Errorf("%w %s", ErrNoContainer, agent)
	}
	if len(containers) > 1 {
		m.log.Warn("several containers labelled for agent, restarting the first", "target", agent, "count", len(containers))
	}
	return containers[0].ID, nil
}

// Restart restarts the container hosting agent and checks it came back
// up.
func (m *Manager) Restart(ctx context.Context, agent string) error {
	id, err := m.Resolve(ctx, agent)
	if err != nil {
		return err
	}

	timeout := m.stopTimeout
	if err := m.docker.ContainerRestart(ctx, id, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("restart container %s: %w", shortID(id), err)
	}

	info, err := m.docker.ContainerInspect(ctx, id)
	if err != nil {
		return fmt.Errorf("inspect container %s: %w", shortID(id), err)
	}
	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
		return fmt.Errorf("container %s not running after restart", shortID(id))
	}
	m.log.Info("agent container restarted", "target", agent, "container", shortID(id))
	return nil
}

func (m *Manager) Close() error {
	return m.docker.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
