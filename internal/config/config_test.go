package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Store.Path != "data/agora.db" {
		t.Errorf("expected store path data/agora.db, got %s", cfg.Store.Path)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Worker.QueueWait != time.Second {
		t.Errorf("expected queue wait 1s, got %v", cfg.Worker.QueueWait)
	}
	if cfg.Worker.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected heartbeat 30s, got %v", cfg.Worker.HeartbeatInterval)
	}
	if cfg.Worker.ErrorThreshold != 3 {
		t.Errorf("expected error threshold 3, got %d", cfg.Worker.ErrorThreshold)
	}
	if cfg.Recovery.Interval != 300*time.Second {
		t.Errorf("expected sweep interval 300s, got %v", cfg.Recovery.Interval)
	}
	if cfg.Recovery.ErrorBackoff != 60*time.Second {
		t.Errorf("expected error backoff 60s, got %v", cfg.Recovery.ErrorBackoff)
	}
	if cfg.Recovery.StaleAfter != 5*time.Minute {
		t.Errorf("expected stale after 5m, got %v", cfg.Recovery.StaleAfter)
	}
	if cfg.Recovery.MaxErrorCount != 10 {
		t.Errorf("expected max error count 10, got %d", cfg.Recovery.MaxErrorCount)
	}
	if cfg.Recovery.LogRetention != 7*24*time.Hour {
		t.Errorf("expected log retention 7d, got %v", cfg.Recovery.LogRetention)
	}
	if cfg.Recovery.TaskRetention != 24*time.Hour {
		t.Errorf("expected task retention 1d, got %v", cfg.Recovery.TaskRetention)
	}
	if !cfg.Router.Events {
		t.Error("expected router events enabled by default")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	// Point config to a non-existent file so we use defaults
	t.Setenv("AGORA_CONFIG", "/nonexistent/agora.yaml")
	t.Setenv("AGORA_TELEGRAM_TOKEN", "test-token-123")
	t.Setenv("AGORA_TELEGRAM_ADMIN_CHAT_ID", "4242")
	t.Setenv("AGORA_STORE_PATH", "/tmp/x.db")
	t.Setenv("AGORA_SWEEP_INTERVAL", "45s")
	t.Setenv("AGORA_NATS_PORT", "5222")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Telegram.Token != "test-token-123" {
		t.Errorf("expected telegram token test-token-123, got %s", cfg.Telegram.Token)
	}
	if cfg.Telegram.AdminChatID != 4242 {
		t.Errorf("expected admin chat 4242, got %d", cfg.Telegram.AdminChatID)
	}
	if cfg.Store.Path != "/tmp/x.db" {
		t.Errorf("expected store path /tmp/x.db, got %s", cfg.Store.Path)
	}
	if cfg.Recovery.Interval != 45*time.Second {
		t.Errorf("expected sweep interval 45s, got %v", cfg.Recovery.Interval)
	}
	if cfg.NATS.Port != 5222 {
		t.Errorf("expected nats port 5222, got %d", cfg.NATS.Port)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agora.yaml")

	t.Setenv("IMAGE_CMD", "/usr/local/bin/imagegen")
	yaml := `
telegram:
  token: "yaml-token"
recovery:
  interval: 2m
  max_task_attempts: 3
agents:
  - name: meta_agent
    port: 8000
  - name: image_agent
    host: images.local
    port: 8001
    keywords: [image, picture]
    handlers:
      image:
        command: "${IMAGE_CMD} --json"
  - name: text_agent
    port: 8002
    keywords: [text]
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("AGORA_CONFIG", cfgPath)
	// Clear any env overrides
	t.Setenv("AGORA_TELEGRAM_TOKEN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Telegram.Token != "yaml-token" {
		t.Errorf("expected yaml-token, got %s", cfg.Telegram.Token)
	}
	if cfg.Recovery.Interval != 2*time.Minute {
		t.Errorf("expected interval 2m, got %v", cfg.Recovery.Interval)
	}
	if cfg.Recovery.MaxTaskAttempts != 3 {
		t.Errorf("expected max attempts 3, got %d", cfg.Recovery.MaxTaskAttempts)
	}
	// Untouched defaults survive a partial file.
	if cfg.Recovery.StaleAfter != 5*time.Minute {
		t.Errorf("expected stale after 5m, got %v", cfg.Recovery.StaleAfter)
	}
	if len(cfg.Agents) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(cfg.Agents))
	}
	if cfg.Agents[1].Name != "image_agent" {
		t.Errorf("expected agent order preserved, got %s", cfg.Agents[1].Name)
	}

	img, ok := cfg.Agent("image_agent")
	if !ok {
		t.Fatal("expected image_agent")
	}
	if got := img.Handlers["image"].Command; got != "/usr/local/bin/imagegen --json" {
		t.Errorf("expected expanded command, got %q", got)
	}
	if img.Addr() != "images.local:8001" {
		t.Errorf("expected images.local:8001, got %s", img.Addr())
	}

	text, _ := cfg.Agent("text_agent")
	if text.Addr() != "127.0.0.1:8002" {
		t.Errorf("expected default host, got %s", text.Addr())
	}

	ports := cfg.Ports()
	if ports["meta_agent"] != 8000 || ports["text_agent"] != 8002 {
		t.Errorf("unexpected ports table: %v", ports)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		agents  []AgentDefinition
		wantErr string
	}{
		{"ok", []AgentDefinition{{Name: "a", Port: 1}, {Name: "b", Port: 2}}, ""},
		{"missing name", []AgentDefinition{{Port: 1}}, "name is required"},
		{"duplicate", []AgentDefinition{{Name: "a", Port: 1}, {Name: "a", Port: 2}}, "duplicate agent"},
		{"bad port", []AgentDefinition{{Name: "a", Port: 0}}, "invalid port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Agents: tt.agents}
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestWatchReportsChanges(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agora.yaml")
	initial := "agents:\n  - name: a\n    port: 9001\n"
	if err := os.WriteFile(cfgPath, []byte(initial), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan ConfigDiff, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, cfgPath, cfg, func(_ *Config, d ConfigDiff) {
			select {
			case got <- d:
			default:
			}
		})
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)
	updated := initial + "  - name: b\n    port: 9002\n    keywords: [text]\n"
	if err := os.WriteFile(cfgPath, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-got:
		if len(d.AgentsAdded) != 1 || d.AgentsAdded[0] != "b" {
			t.Errorf("expected b added, got %v", d.AgentsAdded)
		}
		if !d.CapabilitiesChanged {
			t.Error("expected capabilities changed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	<-done
}
