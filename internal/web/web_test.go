package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtzanidakis/agora/internal/config"
	"github.com/mtzanidakis/agora/internal/natsbus"
	"github.com/mtzanidakis/agora/internal/store"
)

type muxMounter struct{ mux *http.ServeMux }

func (m muxMounter) Mount(pattern string, h http.Handler) { m.mux.Handle(pattern, h) }

func newTestServer(t *testing.T) (*httptest.Server, *Hub, *store.Store) {
	t.Helper()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub(nil)
	go hub.Run(ctx)

	mux := http.NewServeMux()
	NewServer(st, hub, nil).Register(muxMounter{mux})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, hub, st
}

func dial(t *testing.T, ts *httptest.Server, hub *Hub, query string) *websocket.Conn {
	t.Helper()
	before := hub.ClientCount()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() == before {
		t.Fatal("client never registered")
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) natsbus.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev natsbus.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return ev
}

func TestHubForwardsBusEvents(t *testing.T) {
	ts, hub, _ := newTestServer(t)

	bus, err := natsbus.New(config.NATSConfig{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	t.Cleanup(bus.Close)
	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(client.Close)

	if _, err := hub.Attach(client); err != nil {
		t.Fatalf("attach: %v", err)
	}
	client.Flush()

	conn := dial(t, ts, hub, "")
	if err := natsbus.PublishTask(client, "text_agent", "t1", "text_generation", "completed", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	client.Flush()

	ev := readEvent(t, conn)
	if ev.Type != natsbus.EventTask || ev.TaskID != "t1" || ev.Status != "completed" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestHubFilters(t *testing.T) {
	ts, hub, _ := newTestServer(t)
	conn := dial(t, ts, hub, "?type=agent&agent=vision_agent")

	publish := func(ev natsbus.Event) {
		data, _ := json.Marshal(ev)
		hub.Publish(ev, data)
	}
	publish(natsbus.Event{Type: natsbus.EventTask, AgentName: "vision_agent", Status: "completed"})
	publish(natsbus.Event{Type: natsbus.EventAgent, AgentName: "text_agent", Status: "running"})
	publish(natsbus.Event{Type: natsbus.EventAgent, AgentName: "vision_agent", Status: "error"})

	ev := readEvent(t, conn)
	if ev.Type != natsbus.EventAgent || ev.AgentName != "vision_agent" || ev.Status != "error" {
		t.Errorf("expected only the vision_agent agent event, got %+v", ev)
	}
}

func TestHubDropsClientOnClose(t *testing.T) {
	ts, hub, _ := newTestServer(t)
	conn := dial(t, ts, hub, "")
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected client removed, got %d", hub.ClientCount())
	}
}

func TestAPI(t *testing.T) {
	ts, _, st := newTestServer(t)
	ctx := context.Background()

	tasks := []*store.Task{
		{ID: "a", AgentName: "text_agent", TaskType: "chat"},
		{ID: "b", AgentName: "vision_agent", TaskType: "ocr", Status: store.TaskFailed},
		{ID: "c", AgentName: "text_agent", TaskType: "chat", Status: store.TaskCompleted},
	}
	for _, task := range tasks {
		if err := st.CreateOrUpdateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.UpsertAgentStatus(ctx, &store.AgentStatus{AgentName: "text_agent", AgentID: "x", Status: store.AgentRunning}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		code int
		want string
	}{
		{"/api/agents", http.StatusOK, `"agent_name":"text_agent"`},
		{"/api/agents/text_agent", http.StatusOK, `"status":"running"`},
		{"/api/agents/ghost", http.StatusNotFound, "agent not found"},
		{"/api/tasks/c", http.StatusOK, `"status":"completed"`},
		{"/api/tasks/zzz", http.StatusNotFound, "task not found"},
		{"/api/tasks?status=failed", http.StatusOK, `"id":"b"`},
		{"/api/stats", http.StatusOK, `"websocket_clients":0`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.code {
				t.Errorf("expected %d, got %d", tt.code, resp.StatusCode)
			}
			if !strings.Contains(string(body), tt.want) {
				t.Errorf("expected body to contain %s, got %s", tt.want, string(body))
			}
		})
	}

	resp, err := http.Get(ts.URL + "/api/tasks")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list []store.Task
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 open or failed tasks, got %d", len(list))
	}
}
