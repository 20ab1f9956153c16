package recovery

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/agora/internal/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want Category
	}{
		{"dial tcp 10.0.0.4:8002: connection refused", CategoryConnection},
		{"context deadline exceeded", CategoryConnection},
		{"Request timed out", CategoryConnection},
		{"CUDA out of memory", CategoryMemory},
		{"container OOMKilled", CategoryMemory},
		{"OOM error in worker", CategoryMemory},
		{"failed to load model weights", CategoryModel},
		{"unable to load tokenizer", CategoryModel},
		{"download failed", CategoryModel},
		{"checkpoint missing", CategoryModel},
		{"unexpected nil pointer", CategoryGeneric},
		{"invalid argument", CategoryGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := Classify(tt.msg); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.msg, got, tt.want)
			}
		})
	}
}

func TestCollectFindingsMergesSources(t *testing.T) {
	dir := t.TempDir()
	sw, s, clock := newTestSweeper(t, WithLogDir(dir))
	ctx := context.Background()
	now := clock.Now()

	// Persisted and written to the file at the same instant: counted once.
	if err := s.AppendLog(ctx, &store.LogEntry{AgentName: "vision_agent", Level: "error", Message: "connection refused", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	lines := []string{
		`{"time":"` + now.Format(time.RFC3339Nano) + `","level":"ERROR","msg":"connection refused","agent":"vision_agent"}`,
		`{"time":"` + now.Add(-time.Minute).Format(time.RFC3339Nano) + `","level":"ERROR","msg":"connection refused","agent":"vision_agent"}`,
		`{"time":"` + now.Format(time.RFC3339Nano) + `","level":"INFO","msg":"task completed","agent":"vision_agent"}`,
		`{"time":"` + now.Add(-2*time.Hour).Format(time.RFC3339Nano) + `","level":"ERROR","msg":"too old","agent":"vision_agent"}`,
		`not json at all`,
		`{"time":"` + now.Format(time.RFC3339Nano) + `","level":"ERROR","msg":"out of memory"}`,
	}
	if err := os.WriteFile(filepath.Join(dir, "vision_agent.log"), []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	findings, err := sw.CollectFindings(ctx, time.Hour)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %+v", findings)
	}
	if findings[0].Message != "connection refused" || findings[0].Count != 2 {
		t.Errorf("expected connection refused twice, got %+v", findings[0])
	}
	if findings[0].Category != CategoryConnection {
		t.Errorf("expected connection category, got %s", findings[0].Category)
	}
	if findings[1].Agent != "vision_agent" || findings[1].Category != CategoryMemory {
		t.Errorf("expected memory finding attributed from file name, got %+v", findings[1])
	}
}

func TestTriageDispatchesByCategory(t *testing.T) {
	var got []Finding
	record := func(_ context.Context, f Finding) { got = append(got, f) }
	sw, s, _ := newTestSweeper(t,
		WithTriageHandler(CategoryConnection, record),
		WithTriageHandler(CategoryModel, record),
	)
	ctx := context.Background()
	for _, msg := range []string{"connection reset by peer", "model not found"} {
		if err := s.AppendLog(ctx, &store.LogEntry{AgentName: "text_agent", Level: "error", Message: msg}); err != nil {
			t.Fatal(err)
		}
	}

	rep, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 handled findings, got %d", len(got))
	}
	if rep.Triage["connection"] != 1 || rep.Triage["model"] != 1 {
		t.Errorf("unexpected triage counts %v", rep.Triage)
	}
}
