package recovery

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mtzanidakis/agora/internal/config"
)

type Category string

const (
	CategoryConnection Category = "connection"
	CategoryMemory     Category = "memory"
	CategoryModel      Category = "model"
	CategoryGeneric    Category = "generic"
)

var categoryPatterns = []struct {
	category Category
	needles  []string
}{
	{CategoryConnection, []string{"connection", "timeout", "timed out", "refused", "unreachable", "deadline exceeded"}},
	{CategoryMemory, []string{"memory", "oom", "cannot allocate"}},
	{CategoryModel, []string{"model", "load", "weights", "checkpoint"}},
}

// Classify maps an error message to a triage category by keyword.
func Classify(msg string) Category {
	lower := strings.ToLower(msg)
	for _, p := range categoryPatterns {
		for _, n := range p.needles {
			if strings.Contains(lower, n) {
				return p.category
			}
		}
	}
	return CategoryGeneric
}

// Finding is one distinct error seen within the triage window. Error holds
// the record's error attribute, which is where handler failures carry their
// cause.
type Finding struct {
	Agent    string    `json:"agent"`
	Message  string    `json:"message"`
	Error    string    `json:"error,omitempty"`
	Category Category  `json:"category"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

type TriageFunc func(ctx context.Context, f Finding)

func (s *Sweeper) defaultTriage() map[Category]TriageFunc {
	return map[Category]TriageFunc{
		CategoryConnection: func(_ context.Context, f Finding) {
			s.log.Warn("connection errors detected", "target", f.Agent, "count", f.Count, "message", f.Message, "error", f.Error)
		},
		CategoryMemory: func(_ context.Context, f Finding) {
			s.log.Warn("memory pressure detected", "target", f.Agent, "count", f.Count, "message", f.Message, "error", f.Error)
		},
		CategoryModel: func(_ context.Context, f Finding) {
			s.log.Warn("model load failures detected", "target", f.Agent, "count", f.Count, "message", f.Message, "error", f.Error)
		},
		CategoryGeneric: func(_ context.Context, f Finding) {
			s.log.Info("agent errors detected", "target", f.Agent, "count", f.Count, "message", f.Message, "error", f.Error)
		},
	}
}

// triageLogs collects error records from the store and from the agents'
// JSON log files, folds duplicates and hands each finding to its category
// handler.
func (s *Sweeper) triageLogs(ctx context.Context, cfg config.RecoveryConfig, rep *Report) error {
	if cfg.LogWindow <= 0 {
		return nil
	}
	findings, err := s.CollectFindings(ctx, cfg.LogWindow)
	for _, f := range findings {
		rep.Triage[string(f.Category)] += f.Count
		if fn := s.triage[f.Category]; fn != nil {
			fn(ctx, f)
		}
	}
	return err
}

// CollectFindings gathers distinct error messages logged within window.
// Records that reached both the store and a log file are counted once.
func (s *Sweeper) CollectFindings(ctx context.Context, window time.Duration) ([]Finding, error) {
	since := s.store.Now().Add(-window)
	type key struct{ agent, msg, cause string }
	byKey := map[key]*Finding{}
	seen := map[key]map[int64]bool{}

	add := func(agent, msg, cause string, at time.Time) {
		k := key{agent, msg, cause}
		sec := at.Unix()
		if seen[k] == nil {
			seen[k] = map[int64]bool{}
		}
		if seen[k][sec] {
			return
		}
		seen[k][sec] = true

		f, ok := byKey[k]
		if !ok {
			f = &Finding{Agent: agent, Message: msg, Error: cause, Category: Classify(msg + " " + cause)}
			byKey[k] = f
		}
		f.Count++
		if at.After(f.LastSeen) {
			f.LastSeen = at
		}
	}

	var errs []error
	entries, err := s.store.RecentErrorLogs(ctx, window)
	if err != nil {
		errs = append(errs, err)
	}
	for _, e := range entries {
		cause, _ := e.Data["error"].(string)
		add(e.AgentName, e.Message, cause, e.CreatedAt)
	}

	if s.logDir != "" {
		files, err := filepath.Glob(filepath.Join(s.logDir, "*.log"))
		if err != nil {
			errs = append(errs, fmt.Errorf("list log files: %w", err))
		}
		for _, path := range files {
			if err := scanLogFile(path, since, add); err != nil {
				errs = append(errs, err)
			}
		}
	}

	findings := make([]Finding, 0, len(byKey))
	for _, f := range byKey {
		findings = append(findings, *f)
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Count != findings[j].Count {
			return findings[i].Count > findings[j].Count
		}
		if findings[i].Agent != findings[j].Agent {
			return findings[i].Agent < findings[j].Agent
		}
		if findings[i].Message != findings[j].Message {
			return findings[i].Message < findings[j].Message
		}
		return findings[i].Error < findings[j].Error
	})
	return findings, errors.Join(errs...)
}

type logLine struct {
	Time  time.Time `json:"time"`
	Level string    `json:"level"`
	Msg   string    `json:"msg"`
	Error string    `json:"error"`
	Agent string    `json:"agent"`
}

// scanLogFile feeds ERROR lines newer than since to add. Lines that are
// not JSON are skipped.
func scanLogFile(path string, since time.Time, add func(agent, msg, cause string, at time.Time)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	fallback := strings.TrimSuffix(filepath.Base(path), ".log")
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line logLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if !strings.EqualFold(line.Level, "error") || line.Time.Before(since) {
			continue
		}
		agent := line.Agent
		if agent == "" {
			agent = fallback
		}
		add(agent, line.Msg, line.Error, line.Time.UTC())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return nil
}
