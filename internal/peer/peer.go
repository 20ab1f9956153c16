// Package peer submits tasks to other agents over HTTP.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/mtzanidakis/agora/internal/config"
)

var ErrUnknownAgent = errors.New("unknown agent")

// Request is the body of POST /process_task.
type Request struct {
	ID        string         `json:"id"`
	AgentName string         `json:"agentName"`
	TaskType  string         `json:"taskType"`
	Data      map[string]any `json:"data,omitempty"`
	Sender    string         `json:"sender,omitempty"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Agent   string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: http %d", e.Agent, e.Code)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Agent, e.Code, e.Message)
}

// Temporary reports whether retrying may help.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Directory resolves agent names to host:port.
type Directory interface {
	Addr(agent string) (string, bool)
}

// StaticDirectory is a Directory backed by the agents table of the config.
type StaticDirectory struct {
	mu    sync.RWMutex
	addrs map[string]string
}

func NewDirectory(agents []config.AgentDefinition) *StaticDirectory {
	d := &StaticDirectory{}
	d.Update(agents)
	return d
}

func (d *StaticDirectory) Update(agents []config.AgentDefinition) {
	addrs := make(map[string]string, len(agents))
	for _, a := range agents {
		addrs[a.Name] = a.Addr()
	}
	d.mu.Lock()
	d.addrs = addrs
	d.mu.Unlock()
}

func (d *StaticDirectory) Addr(agent string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.addrs[agent]
	return a, ok
}

// Client posts tasks to peers with bounded retry and a circuit breaker per
// peer.
type Client struct {
	http   *http.Client
	dir    Directory
	sender string

	maxAttempts  int
	retryBackoff time.Duration
	failures     int
	cooldown     time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewClient(cfg config.RouterConfig, dir Directory, sender string) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Client{
		http:         &http.Client{Timeout: cfg.RequestTimeout},
		dir:          dir,
		sender:       sender,
		maxAttempts:  cfg.MaxAttempts,
		retryBackoff: cfg.RetryBackoff,
		failures:     cfg.BreakerFailures,
		cooldown:     cfg.BreakerCooldown,
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Submit posts the task to agent and returns its result. Transport errors
// and 5xx responses are retried with exponential backoff; 4xx responses and
// an open breaker fail immediately.
func (c *Client) Submit(ctx context.Context, agent string, req Request) (map[string]any, error) {
	return c.submit(ctx, agent, req, c.maxAttempts)
}

// Probe sends a single anonymous ping to agent without retrying. The
// receiver answers it without creating a task row.
func (c *Client) Probe(ctx context.Context, agent string) error {
	_, err := c.submit(ctx, agent, Request{TaskType: "ping"}, 1)
	return err
}

func (c *Client) submit(ctx context.Context, agent string, req Request, attempts int) (map[string]any, error) {
	addr, ok := c.dir.Addr(agent)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}
	req.AgentName = agent
	if req.Sender == "" {
		req.Sender = c.sender
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	cb := c.breaker(agent)
	op := func() (map[string]any, error) {
		out, err := cb.Execute(func() (interface{}, error) {
			return c.post(ctx, agent, addr, body)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, backoff.Permanent(fmt.Errorf("%s: %w", agent, err))
			}
			var se *StatusError
			if errors.As(err, &se) && !se.Temporary() {
				return nil, backoff.Permanent(err)
			}
			slog.Debug("peer request failed", "agent", agent, "error", err)
			return nil, err
		}
		return out.(map[string]any), nil
	}

	eb := backoff.NewExponentialBackOff()
	if c.retryBackoff > 0 {
		eb.InitialInterval = c.retryBackoff
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(attempts)),
	)
}

func (c *Client) post(ctx context.Context, agent, addr string, body []byte) (map[string]any, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/process_task", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("post to %s: %w", agent, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", agent, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Agent: agent, Code: resp.StatusCode}
		var body map[string]any
		if json.Unmarshal(data, &body) == nil {
			se.Message, _ = body["error"].(string)
		}
		return nil, se
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", agent, err)
	}
	return result, nil
}

func (c *Client) breaker(agent string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[agent]; ok {
		return cb
	}
	threshold := uint32(c.failures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agent,
		MaxRequests: 1,
		Timeout:     c.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A 4xx is the peer answering, not the peer being down.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return !se.Temporary()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("peer circuit breaker state changed", "agent", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[agent] = cb
	return cb
}

// BreakerState returns the breaker state for agent, "closed" if none exists
// yet.
func (c *Client) BreakerState(agent string) string {
	c.mu.Lock()
	cb, ok := c.breakers[agent]
	c.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}
