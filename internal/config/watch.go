package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file on change and hands the new value to
// OnReload. Editors often replace a file rather than write in place, so
// it watches the containing directory and filters by the exact path,
// matching fsnotify's documented rename-safe pattern.
type Watcher struct {
	path     string
	OnReload func(*Config)
}

// NewWatcher constructs a Watcher for path; call Start to begin watching.
func NewWatcher(path string, onReload func(*Config)) *Watcher {
	return &Watcher{path: path, OnReload: onReload}
}

// Start watches the config file's directory until ctx is cancelled. Any
// write/create/rename event for the exact path triggers a reload via
// Load, which itself falls back to defaults on failure.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, loadErr := Load(w.path)
				if loadErr != nil {
					slog.WarnContext(ctx, "config reload fell back to defaults", "path", w.path, "error", loadErr)
				} else {
					slog.InfoContext(ctx, "config reloaded", "path", w.path)
				}
				if w.OnReload != nil {
					w.OnReload(cfg)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.ErrorContext(ctx, "config watcher error", "error", err)
			}
		}
	}()
	return nil
}
