package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"mvdan.cc/sh/v3/shell"

	"github.com/mtzanidakis/agora/internal/config"
	"github.com/mtzanidakis/agora/internal/store"
)

// Exec runs an external program per task. The task is written to stdin as
// JSON and the program must print a JSON object on stdout.
type Exec struct {
	name string
	argv []string
	dir  string
	env  []string
}

type execInput struct {
	ID       string         `json:"id"`
	TaskType string         `json:"task_type"`
	Data     map[string]any `json:"data,omitempty"`
	Sender   string         `json:"sender,omitempty"`
	Attempt  int            `json:"attempt"`
}

// NewExec parses cfg.Command with shell word splitting. Variables are
// expanded from cfg.Env first, then the process environment.
func NewExec(name string, cfg config.HandlerConfig) (*Exec, error) {
	lookup := func(key string) string {
		if v, ok := cfg.Env[key]; ok {
			return v
		}
		return os.Getenv(key)
	}
	argv, err := shell.Fields(cfg.Command, lookup)
	if err != nil {
		return nil, fmt.Errorf("parse command for %s: %w", name, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("handler %s: empty command", name)
	}

	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	return &Exec{name: name, argv: argv, dir: cfg.Dir, env: env}, nil
}

// Argv returns the parsed command line.
func (e *Exec) Argv() []string {
	return e.argv
}

func (e *Exec) Handle(ctx context.Context, t *store.Task) (map[string]any, error) {
	input, err := json.Marshal(execInput{
		ID:       t.ID,
		TaskType: t.TaskType,
		Data:     t.Data,
		Sender:   t.Sender,
		Attempt:  t.Attempts,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal task: %w", e.name, err)
	}

	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Dir = e.dir
	cmd.Env = e.env
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = strings.TrimSpace(stdout.String())
			}
			return nil, fmt.Errorf("%s: exit %d: %s", e.name, exitErr.ExitCode(), msg)
		}
		return nil, fmt.Errorf("%s: exec: %w", e.name, err)
	}

	var result map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &result); err != nil {
		return nil, fmt.Errorf("%s: decode output: %w", e.name, err)
	}
	if status, _ := result["status"].(string); status == "error" {
		msg, _ := result["error"].(string)
		if msg == "" {
			msg = "handler reported error"
		}
		return nil, fmt.Errorf("%s: %s", e.name, msg)
	}
	return Success(result), nil
}

// FromConfig builds an Exec handler for every configured task type.
func FromConfig(table *Table, handlers map[string]config.HandlerConfig) error {
	for taskType, hc := range handlers {
		h, err := NewExec(taskType, hc)
		if err != nil {
			return err
		}
		if err := table.Register(taskType, h); err != nil {
			return err
		}
	}
	return nil
}
