package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Watch reloads the config file whenever it changes on disk and calls
// onChange with the new config and the diff against the previous one.
// Only diffs with reloadable changes are reported. Watch blocks until ctx
// is cancelled.
func Watch(ctx context.Context, path string, current *Config, onChange func(*Config, ConfigDiff)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		case <-fire:
			next, err := LoadFile(path)
			if err != nil {
				slog.Error("config reload failed", "path", path, "error", err)
				continue
			}
			d := Diff(current, next)
			for _, field := range d.NonReloadable {
				slog.Warn("config field changed but requires restart", "field", field)
			}
			current = next
			if d.HasChanges() {
				slog.Info("config reloaded",
					"agents_added", d.AgentsAdded,
					"agents_removed", d.AgentsRemoved,
					"agents_changed", d.AgentsChanged,
				)
				onChange(next, d)
			}
		}
	}
}
