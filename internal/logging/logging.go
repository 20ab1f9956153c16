// Package logging builds the process logger: JSON records to stderr and to a
// per-agent file the recovery sweeper can triage, plus an optional sink that
// persists warnings and errors to the agent_logs table.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mtzanidakis/agora/internal/config"
)

// Logger owns the log file and the store handler of one agent process.
type Logger struct {
	*slog.Logger
	file  *os.File
	store *StoreHandler
}

// New opens <dir>/<agent>.log for append and returns a logger writing JSON
// to both stderr and that file.
func New(cfg config.LogConfig, agentName string) (*Logger, error) {
	var w io.Writer = os.Stderr
	var file *os.File
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(FilePath(cfg.Dir, agentName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		w = io.MultiWriter(os.Stderr, f)
	}

	json := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(cfg.Level)})
	sh := NewStoreHandler(json, agentName)
	return &Logger{
		Logger: slog.New(sh).With("agent", agentName),
		file:   file,
		store:  sh,
	}, nil
}

// AttachStore starts persisting warn and error records through sink.
func (l *Logger) AttachStore(sink Sink) {
	l.store.SetSink(sink)
}

func (l *Logger) Close() error {
	l.store.SetSink(nil)
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// FilePath returns the log file location for an agent.
func FilePath(dir, agentName string) string {
	return filepath.Join(dir, agentName+".log")
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return slog.LevelInfo
	}
	return l
}
