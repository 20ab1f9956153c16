package registry

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/mtzanidakis/agora/internal/config"
)

func testAgents() []config.AgentDefinition {
	return []config.AgentDefinition{
		{Name: "meta_agent", Port: 8000},
		{Name: "text_agent", Port: 8001, Keywords: []string{"text", "Chat", "summarize"}},
		{Name: "image_gen_agent", Port: 8002, Keywords: []string{"image_generation", "draw"}},
		{Name: "vision_agent", Port: 8003, Keywords: []string{"image_analysis", "ocr"}},
	}
}

func TestNewBuildsCapabilities(t *testing.T) {
	reg, err := New(testAgents())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	caps := reg.Capabilities()
	if len(caps) != 3 {
		t.Fatalf("expected 3 routable agents, got %d", len(caps))
	}
	order := []string{caps[0].Agent, caps[1].Agent, caps[2].Agent}
	if !reflect.DeepEqual(order, []string{"text_agent", "image_gen_agent", "vision_agent"}) {
		t.Errorf("expected registration order, got %v", order)
	}
	if caps[0].Keywords[1] != "chat" {
		t.Errorf("expected lowercased keyword, got %q", caps[0].Keywords[1])
	}

	if a, ok := reg.Exact("OCR"); !ok || a != "vision_agent" {
		t.Errorf("expected vision_agent for ocr, got %q", a)
	}
	if !reg.Has("meta_agent") {
		t.Error("expected keywordless agent to stay addressable")
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		agents []config.AgentDefinition
		want   error
	}{
		{
			name: "duplicate keyword",
			agents: []config.AgentDefinition{
				{Name: "a", Keywords: []string{"ocr"}},
				{Name: "b", Keywords: []string{"OCR"}},
			},
			want: ErrDuplicateKeyword,
		},
		{
			name: "duplicate agent",
			agents: []config.AgentDefinition{
				{Name: "a", Keywords: []string{"x"}},
				{Name: "a", Keywords: []string{"y"}},
			},
			want: ErrDuplicateAgent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.agents)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := New([]config.AgentDefinition{{Name: ""}}); err == nil {
		t.Error("expected error for empty agent name")
	}
}

func TestReplaceKeepsTableOnError(t *testing.T) {
	reg, _ := New(testAgents())
	err := reg.Replace([]config.AgentDefinition{
		{Name: "a", Keywords: []string{"ocr"}},
		{Name: "b", Keywords: []string{"ocr"}},
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if a, ok := reg.Exact("ocr"); !ok || a != "vision_agent" {
		t.Errorf("expected previous table kept, got %q", a)
	}
}

func TestDiscovery(t *testing.T) {
	d := NewDiscovery()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	d.Add("vision_agent", now)
	d.Add("text_agent", now)
	if !d.Contains("vision_agent") {
		t.Error("expected vision_agent discovered")
	}
	if got := d.Members(); !reflect.DeepEqual(got, []string{"text_agent", "vision_agent"}) {
		t.Errorf("unexpected members: %v", got)
	}
	if at, ok := d.LastSeen("text_agent"); !ok || !at.Equal(now) {
		t.Errorf("expected last seen %v, got %v", now, at)
	}

	if !d.Remove("vision_agent") {
		t.Error("expected remove to report presence")
	}
	if d.Remove("vision_agent") {
		t.Error("expected second remove to report absence")
	}

	d.Add("ghost", now)
	dropped := d.Retain(func(name string) bool { return name != "ghost" })
	if !reflect.DeepEqual(dropped, []string{"ghost"}) {
		t.Errorf("expected ghost dropped, got %v", dropped)
	}
}
