package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"deepresearch/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path whenever it changes and passes the new config to
// onChange. Invalid configs are logged and skipped. Watch blocks until ctx is
// done. The parent directory is watched so editors that replace the file
// atomically are handled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	logging.Config("watching %s", abs)

	// Debounce rapid saves
	const debounce = 250 * time.Millisecond
	var pending <-chan time.Time

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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logging.ConfigDebug("%s event for %s", event.Op, event.Name)
			pending = time.After(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.ConfigError("watcher error: %v", err)

		case <-pending:
			pending = nil
			cfg, err := Load(path)
			if err != nil {
				logging.ConfigWarn("reload failed: %v", err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				logging.ConfigWarn("reloaded config invalid, keeping previous: %v", err)
				continue
			}
			logging.Config("config reloaded from %s", abs)
			onChange(cfg)
		}
	}
}
