package logging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/mtzanidakis/agora/internal/config"
	"github.com/mtzanidakis/agora/internal/store"
)

type memSink struct {
	mu      sync.Mutex
	entries []store.LogEntry
	err     error
}

func (m *memSink) AppendLog(_ context.Context, e *store.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, *e)
	return nil
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestLoggerWritesJSONFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New(config.LogConfig{Dir: dir, Level: "info"}, "text_agent")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	l.Error("model load failed", "model", "llama")
	l.Debug("hidden")
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(FilePath(dir, "text_agent"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), data)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("invalid json line: %v", err)
	}
	if rec["level"] != "ERROR" {
		t.Errorf("expected level ERROR, got %v", rec["level"])
	}
	if rec["msg"] != "model load failed" {
		t.Errorf("expected msg, got %v", rec["msg"])
	}
	if rec["agent"] != "text_agent" {
		t.Errorf("expected agent attr, got %v", rec["agent"])
	}
}

func TestStoreHandlerPersistsWarnAndAbove(t *testing.T) {
	sink := &memSink{}
	h := NewStoreHandler(slog.NewJSONHandler(&strings.Builder{}, nil), "vision_agent")
	h.SetSink(sink)
	logger := slog.New(h).With("agent", "vision_agent", "component", "consumer")

	logger.Info("routine")
	logger.Warn("slow peer", "peer", "text_agent")
	logger.Error("handler failed", "error", errors.New("connection reset"))

	if len(sink.entries) != 2 {
		t.Fatalf("expected 2 persisted entries, got %d", len(sink.entries))
	}
	warn := sink.entries[0]
	if warn.Level != "warn" || warn.Message != "slow peer" {
		t.Errorf("unexpected warn entry: %+v", warn)
	}
	if warn.Data["peer"] != "text_agent" || warn.Data["component"] != "consumer" {
		t.Errorf("expected attrs in data, got %v", warn.Data)
	}
	if _, ok := warn.Data["agent"]; ok {
		t.Error("agent attr should be stored in its own column")
	}
	errEntry := sink.entries[1]
	if errEntry.Level != "error" || errEntry.Data["error"] != "connection reset" {
		t.Errorf("unexpected error entry: %+v", errEntry)
	}
	if errEntry.AgentName != "vision_agent" {
		t.Errorf("expected agent vision_agent, got %s", errEntry.AgentName)
	}
}

func TestStoreHandlerSinkFailureDoesNotRecurse(t *testing.T) {
	var out strings.Builder
	sink := &memSink{err: errors.New("database is locked")}
	h := NewStoreHandler(slog.NewJSONHandler(&out, nil), "a")
	h.SetSink(sink)

	slog.New(h).Error("boom")

	if !strings.Contains(out.String(), "persist log entry failed") {
		t.Errorf("expected sink failure to be reported, got %q", out.String())
	}
	if strings.Count(out.String(), "\n") != 2 {
		t.Errorf("expected exactly 2 lines, got %q", out.String())
	}
}
