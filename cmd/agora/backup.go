package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mtzanidakis/agora/internal/backup"
	"github.com/mtzanidakis/agora/internal/config"
	"github.com/mtzanidakis/agora/internal/store"
)

func runBackup(args []string) error {
	opts := parseArgs(args)
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	bcfg := cfg.Backup
	if dir := opts["dir"]; dir != "" {
		bcfg.Dir = dir
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	path, err := backupTo(context.Background(), db, bcfg)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	fmt.Printf("Backup complete: %s, %s\n", path, backup.FormatSize(info.Size()))
	return nil
}

func backupTo(ctx context.Context, db *store.Store, cfg config.BackupConfig) (string, error) {
	if cfg.Dir == "" {
		return "", fmt.Errorf("no backup directory, set backup.dir or pass --dir")
	}
	return backup.Save(ctx, db, cfg)
}

func runRestore(args []string) error {
	opts := parseArgs(args)
	if opts["file"] == "" {
		fmt.Fprintf(os.Stderr, "Usage: agora restore --file <backup> [--overwrite]\n")
		return fmt.Errorf("missing --file flag")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	tasks, agents, err := restoreFrom(context.Background(), db, opts["file"], cfg.Backup.Passphrase, opts["overwrite"] == "true")
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: %d tasks, %d agents\n", tasks, agents)
	return nil
}

func restoreFrom(ctx context.Context, db *store.Store, path, passphrase string, overwrite bool) (int, int, error) {
	snap, err := backup.Load(path, passphrase)
	if err != nil {
		return 0, 0, err
	}
	return backup.Restore(ctx, db, snap, overwrite)
}
