package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 500 * time.Millisecond

// ConfigWatcher reloads the runtime config file when it changes on disk and
// hands the result to the settings manager.
type ConfigWatcher struct {
	Path     string
	Defaults RuntimeConfig
	Settings *RuntimeSettingsManager
	Logger   *slog.Logger
	Debounce time.Duration
}

// Run blocks until ctx is done. The parent directory is watched so that
// editors replacing the file via rename are noticed.
func (w ConfigWatcher) Run(ctx context.Context) error {
	if w.Path == "" {
		w.Logger.Info("runtime config watcher disabled")
		<-ctx.Done()
		return nil
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(w.Path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	w.Logger.Info("watching runtime config", slog.String("path", target))

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("runtime config watcher error", slog.String("error", err.Error()))
		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w ConfigWatcher) reload(ctx context.Context) {
	cfg, err := LoadRuntimeConfig(w.Path, w.Defaults)
	if err != nil {
		w.Logger.Warn("runtime config reload failed", slog.String("error", err.Error()))
		return
	}
	if err := w.Settings.Apply(ctx, cfg); err != nil {
		w.Logger.Warn("runtime config apply failed", slog.String("error", err.Error()))
		return
	}
	w.Logger.Info("runtime config reloaded", slog.String("path", w.Path))
}
