package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mtzanidakis/agora/internal/config"
	"github.com/mtzanidakis/agora/internal/peer"
	"github.com/mtzanidakis/agora/internal/recovery"
	"github.com/mtzanidakis/agora/internal/store"
)

// runSubmit posts one task to an agent (the router by default) and prints
// the result as JSON.
func runSubmit(args []string) error {
	opts := parseArgs(args)
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	req, agent, err := buildRequest(opts)
	if err != nil {
		return err
	}

	client := peer.NewClient(cfg.Router, peer.NewDirectory(cfg.Agents), "cli")
	result, err := client.Submit(context.Background(), agent, req)
	if result != nil {
		if perr := printJSON(os.Stdout, result); perr != nil {
			return perr
		}
	}
	return err
}

func buildRequest(opts map[string]string) (peer.Request, string, error) {
	taskType := opts["type"]
	if taskType == "" {
		return peer.Request{}, "", fmt.Errorf("--type is required")
	}
	agent := opts["agent"]
	if agent == "" {
		agent = config.RouterAgentName
	}

	req := peer.Request{ID: opts["id"], AgentName: agent, TaskType: taskType, Sender: "cli"}
	if raw := opts["data"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Data); err != nil {
			return peer.Request{}, "", fmt.Errorf("invalid --data: %w", err)
		}
	}
	return req, agent, nil
}

// runHealth prints the health report straight from the store.
func runHealth(_ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	sweeper := recovery.New(db, cfg.Recovery, recovery.WithLogDir(cfg.Log.Dir))
	report, err := sweeper.Health(context.Background())
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, report)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
