package peer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtzanidakis/agora/internal/config"
)

type mapDir map[string]string

func (m mapDir) Addr(agent string) (string, bool) {
	a, ok := m[agent]
	return a, ok
}

func testConfig() config.RouterConfig {
	return config.RouterConfig{
		RequestTimeout:  2 * time.Second,
		MaxAttempts:     3,
		RetryBackoff:    time.Millisecond,
		BreakerFailures: 3,
		BreakerCooldown: time.Minute,
	}
}

func newPeer(t *testing.T, h http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestSubmitSuccess(t *testing.T) {
	var got Request
	addr := newPeer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/process_task" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","image":"cat.png"}`))
	})

	c := NewClient(testConfig(), mapDir{"image_gen_agent": addr}, "meta_agent")
	res, err := c.Submit(context.Background(), "image_gen_agent", Request{
		ID:       "t1",
		TaskType: "image_generation",
		Data:     map[string]any{"prompt": "cat"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res["image"] != "cat.png" {
		t.Errorf("expected image cat.png, got %v", res)
	}
	if got.AgentName != "image_gen_agent" || got.Sender != "meta_agent" || got.TaskType != "image_generation" {
		t.Errorf("unexpected wire request: %+v", got)
	}
}

func TestSubmitRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	addr := newPeer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":"warming up"}`, http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"success"}`))
	})

	c := NewClient(testConfig(), mapDir{"a": addr}, "meta_agent")
	if _, err := c.Submit(context.Background(), "a", Request{TaskType: "text"}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestSubmitDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	addr := newPeer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"status":"error","error":"model not loaded"}`))
	})

	c := NewClient(testConfig(), mapDir{"a": addr}, "meta_agent")
	_, err := c.Submit(context.Background(), "a", Request{TaskType: "text"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusUnprocessableEntity || se.Message != "model not loaded" {
		t.Errorf("unexpected status error: %+v", se)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
	if c.BreakerState("a") != "closed" {
		t.Errorf("4xx must not trip the breaker, state %s", c.BreakerState("a"))
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	addr := newPeer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	cfg := testConfig()
	cfg.MaxAttempts = 1
	c := NewClient(cfg, mapDir{"a": addr}, "meta_agent")

	for i := 0; i < 3; i++ {
		if _, err := c.Submit(context.Background(), "a", Request{TaskType: "text"}); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	if c.BreakerState("a") != "open" {
		t.Fatalf("expected open breaker, got %s", c.BreakerState("a"))
	}

	_, err := c.Submit(context.Background(), "a", Request{TaskType: "text"})
	if err == nil || !strings.Contains(err.Error(), "circuit breaker is open") {
		t.Errorf("expected open breaker error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected no request while open, got %d calls", calls.Load())
	}
}

func TestSubmitUnreachable(t *testing.T) {
	// Grab a free port and close it so the connection is refused.
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	cfg := testConfig()
	cfg.MaxAttempts = 2
	c := NewClient(cfg, mapDir{"a": addr}, "meta_agent")
	res, err := c.Submit(context.Background(), "a", Request{TaskType: "text"})
	if err == nil {
		t.Fatal("expected connection error")
	}
	if res != nil {
		t.Errorf("expected nil result, got %v", res)
	}
}

func TestSubmitUnknownAgent(t *testing.T) {
	c := NewClient(testConfig(), mapDir{}, "meta_agent")
	_, err := c.Submit(context.Background(), "ghost", Request{TaskType: "text"})
	if !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestProbe(t *testing.T) {
	addr := newPeer(t, func(w http.ResponseWriter, r *http.Request) {
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.TaskType != "ping" {
			t.Errorf("expected ping, got %s", req.TaskType)
		}
		_, _ = w.Write([]byte(`{"status":"success","pong":true}`))
	})
	c := NewClient(testConfig(), mapDir{"a": addr}, "meta_agent")
	if err := c.Probe(context.Background(), "a"); err != nil {
		t.Errorf("probe: %v", err)
	}
}

func TestStaticDirectory(t *testing.T) {
	d := NewDirectory([]config.AgentDefinition{{Name: "a", Port: 8001}})
	if addr, ok := d.Addr("a"); !ok || addr != "127.0.0.1:8001" {
		t.Errorf("expected 127.0.0.1:8001, got %s", addr)
	}
	d.Update([]config.AgentDefinition{{Name: "b", Host: "b.local", Port: 9}})
	if _, ok := d.Addr("a"); ok {
		t.Error("expected a removed after update")
	}
	if addr, _ := d.Addr("b"); addr != "b.local:9" {
		t.Errorf("expected b.local:9, got %s", addr)
	}
}
