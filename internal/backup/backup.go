// Package backup exports the open tasks and agent status rows to a
// tar+zstd archive, optionally sealed with the vault, and restores them.
package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/agora/internal/config"
	"github.com/mtzanidakis/agora/internal/store"
	"github.com/mtzanidakis/agora/internal/vault"
)

const (
	Ext       = ".tar.zst"
	SealedExt = ".tar.zst.enc"

	manifestEntry = "manifest.json"
	tasksEntry    = "tasks.json"
	agentsEntry   = "agents.json"
)

type Manifest struct {
	CreatedAt time.Time `json:"created_at"`
	Tasks     int       `json:"tasks"`
	Agents    int       `json:"agents"`
}

type Snapshot struct {
	CreatedAt time.Time
	Tasks     []store.Task
	Agents    []store.AgentStatus
}

// Collect reads every non-completed task and every agent row.
func Collect(ctx context.Context, st *store.Store) (*Snapshot, error) {
	tasks, err := st.ListTasksExcludingStatus(ctx, store.TaskCompleted)
	if err != nil {
		return nil, fmt.Errorf("collect tasks: %w", err)
	}
	agents, err := st.ListAgentStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect agents: %w", err)
	}
	return &Snapshot{CreatedAt: st.Now(), Tasks: tasks, Agents: agents}, nil
}

// Write encodes snap as a zstd-compressed tar.
func Write(w io.Writer, snap *Snapshot) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	entries := []struct {
		name string
		v    any
	}{
		{manifestEntry, Manifest{CreatedAt: snap.CreatedAt, Tasks: len(snap.Tasks), Agents: len(snap.Agents)}},
		{tasksEntry, snap.Tasks},
		{agentsEntry, snap.Agents},
	}
	for _, e := range entries {
		data, err := json.MarshalIndent(e.v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal %s: %w", e.name, err)
		}
		hdr := &tar.Header{
			Name:    e.name,
			Mode:    0o600,
			Size:    int64(len(data)),
			ModTime: snap.CreatedAt,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("write tar data: %w", err)
		}
	}

	// Close explicitly to catch write errors.
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

// Read decodes an archive produced by Write.
func Read(r io.Reader) (*Snapshot, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	var (
		snap     Snapshot
		manifest Manifest
		seen     = map[string]bool{}
	)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}

		var target any
		switch hdr.Name {
		case manifestEntry:
			target = &manifest
		case tasksEntry:
			target = &snap.Tasks
		case agentsEntry:
			target = &snap.Agents
		default:
			continue
		}
		if err := json.NewDecoder(tr).Decode(target); err != nil {
			return nil, fmt.Errorf("decode %s: %w", hdr.Name, err)
		}
		seen[hdr.Name] = true
	}

	if !seen[manifestEntry] {
		return nil, fmt.Errorf("archive has no %s", manifestEntry)
	}
	snap.CreatedAt = manifest.CreatedAt
	return &snap, nil
}

// Save collects a snapshot and writes it to a timestamped file in
// cfg.Dir. With a passphrase the archive is sealed.
func Save(ctx context.Context, st *store.Store, cfg config.BackupConfig) (string, error) {
	snap, err := Collect(ctx, st)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := Write(&buf, snap); err != nil {
		return "", err
	}
	data := buf.Bytes()

	name := "agora-backup-" + snap.CreatedAt.Format("20060102-150405") + Ext
	if cfg.Passphrase != "" {
		data, err = vault.New(cfg.Passphrase).Seal(data)
		if err != nil {
			return "", fmt.Errorf("seal backup: %w", err)
		}
		name = strings.TrimSuffix(name, Ext) + SealedExt
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	path := filepath.Join(cfg.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename backup: %w", err)
	}
	return path, nil
}

// Load reads a backup file, opening it with passphrase when sealed.
func Load(path, passphrase string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	if vault.IsSealed(data) {
		if passphrase == "" {
			return nil, fmt.Errorf("backup %s is sealed, passphrase required", filepath.Base(path))
		}
		data, err = vault.New(passphrase).Open(data)
		if err != nil {
			return nil, fmt.Errorf("open backup: %w", err)
		}
	}
	return Read(bytes.NewReader(data))
}

// Restore writes snap back into st. Existing rows are kept unless
// overwrite is set.
func Restore(ctx context.Context, st *store.Store, snap *Snapshot, overwrite bool) (tasks, agents int, err error) {
	for i := range snap.Tasks {
		t := snap.Tasks[i]
		if !overwrite {
			existing, err := st.GetTask(ctx, t.ID)
			if err != nil {
				return tasks, agents, err
			}
			if existing != nil {
				continue
			}
		}
		// A restored processing row has no live lease; let the owner
		// claim it again.
		if t.Status == store.TaskProcessing {
			t.Status = store.TaskPending
			t.LeaseToken = ""
		}
		if err := st.CreateOrUpdateTask(ctx, &t); err != nil {
			return tasks, agents, fmt.Errorf("restore task %s: %w", t.ID, err)
		}
		tasks++
	}

	for i := range snap.Agents {
		a := snap.Agents[i]
		if !overwrite {
			existing, err := st.GetAgentStatus(ctx, a.AgentName)
			if err != nil {
				return tasks, agents, err
			}
			if existing != nil {
				continue
			}
		}
		if err := st.UpsertAgentStatus(ctx, &a); err != nil {
			return tasks, agents, fmt.Errorf("restore agent %s: %w", a.AgentName, err)
		}
		agents++
	}
	return tasks, agents, nil
}

// FormatSize renders a byte count for humans.
func FormatSize(b int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", b)
	}
}
