package natsbus

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/agora/internal/config"
	"github.com/nats-io/nats.go"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := New(config.NATSConfig{
		Host: "127.0.0.1",
		Port: -1, // Random port
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func TestBusStartStop(t *testing.T) {
	bus := newTestBus(t)
	if bus.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestBusLogsThroughSlog(t *testing.T) {
	var out lockedBuffer
	log := slog.New(slog.NewJSONHandler(&out, nil))
	bus, err := New(config.NATSConfig{Host: "127.0.0.1", Port: -1}, WithServerLogger(log))
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)

	if !strings.Contains(out.String(), `"component":"nats"`) {
		t.Errorf("expected server notices in slog output, got %q", out.String())
	}
}

func TestPubSub(t *testing.T) {
	bus := newTestBus(t)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	_, err = client.Subscribe("test.topic", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.Publish("test.topic", []byte("hello")); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != "hello" {
			t.Errorf("expected 'hello', got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestTaskAndAgentEvents(t *testing.T) {
	bus := newTestBus(t)

	client, err := NewClientFromURL(bus.ClientURL(), "test")
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan *nats.Msg, 2)
	if _, err := client.Subscribe(TopicEventsAll, func(msg *nats.Msg) {
		received <- msg
	}); err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	client.Flush()

	if err := PublishTask(client, "text_agent", "t1", "text_generation", "completed", nil); err != nil {
		t.Fatalf("publish task: %v", err)
	}
	if err := PublishAgent(client, "text_agent", "running", map[string]any{"instance": "i1"}); err != nil {
		t.Fatalf("publish agent: %v", err)
	}
	client.Flush()

	for _, want := range []struct{ subject, typ, status string }{
		{"events.task.completed", EventTask, "completed"},
		{"events.agent.text_agent", EventAgent, "running"},
	} {
		select {
		case msg := <-received:
			if msg.Subject != want.subject {
				t.Errorf("expected subject %s, got %s", want.subject, msg.Subject)
			}
			ev, err := DecodeEvent(msg.Data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if ev.Type != want.typ || ev.Status != want.status || ev.AgentName != "text_agent" {
				t.Errorf("unexpected event: %+v", ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicEventsTask("failed"); got != "events.task.failed" {
		t.Errorf("expected events.task.failed, got %s", got)
	}
	if got := TopicEventsAgent("vision_agent"); got != "events.agent.vision_agent" {
		t.Errorf("expected events.agent.vision_agent, got %s", got)
	}
}
