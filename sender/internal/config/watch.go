package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors the config file at path and calls onChange with the newly
// loaded Config each time it is written or replaced. It runs until ctx is
// cancelled.
//
// The parent directory is watched rather than the file itself so that editors
// and config-management tools that save via rename keep being tracked.
//
// If a reload fails (e.g., invalid YAML or a now-missing required variable),
// the error is logged and onChange is not called.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	slog.Info("config: watching for changes", "path", abs)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(abs)
			if err != nil {
				slog.Error("config: reload failed, keeping previous settings",
					"path", abs, "err", err)
				continue
			}

			slog.Info("config: reloaded", "path", abs)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}
