package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay lets editors finish writing before the file is read.
const reloadDelay = 100 * time.Millisecond

// Watch reloads path whenever it changes and passes every valid result to
// onChange. Invalid files are logged and skipped; the previous config stays
// in effect. Watch blocks until ctx is done.
func (l Loader) Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config.watch")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	// Watch the directory; editors and config maps replace the file.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	logger.Info("Watching configuration file", slog.String("path", abs))

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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(reloadDelay)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config watcher error", slog.String("error", err.Error()))

		case <-pending:
			pending = nil
			config, err := l.Load(abs)
			if err != nil {
				logger.Error("Ignoring invalid configuration", slog.String("error", err.Error()))
				continue
			}
			logger.Info("Configuration reloaded")
			onChange(config)
		}
	}
}
