package configwatcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/makeict/mcp/api"
	"github.com/makeict/mcp/core/config"
)

// DefaultDebounce collapses the burst of events an editor save produces
const DefaultDebounce = 250 * time.Millisecond

// ReloadFunc receives every configuration that loaded successfully after a change
type ReloadFunc func(cfg *config.Config)

// ConfigWatcher reloads the configuration when one of its files changes
type ConfigWatcher struct {
	configPath string
	watcher    *fsnotify.Watcher
	files      map[string]bool
	mutex      sync.Mutex
	logger     api.Logger
	onReload   ReloadFunc
	debounce   time.Duration
	timer      *time.Timer
}

// NewConfigWatcher creates a watcher for the files that produced cfg.
// Directories are watched rather than files so editors that replace the
// file on save are still observed.
func NewConfigWatcher(configPath string, cfg *config.Config, logger api.Logger, onReload ReloadFunc) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	cw := &ConfigWatcher{
		configPath: configPath,
		watcher:    watcher,
		files:      make(map[string]bool),
		logger:     logger,
		onReload:   onReload,
		debounce:   DefaultDebounce,
	}
	if err := cw.track(cfg.Files()); err != nil {
		watcher.Close()
		return nil, err
	}
	return cw, nil
}

// track watches the directories of files, replacing the previous file set
func (cw *ConfigWatcher) track(files []string) error {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()

	cw.files = make(map[string]bool, len(files))
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", f, err)
		}
		cw.files[abs] = true

		dir := filepath.Dir(abs)
		if err := cw.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		cw.logger.Debug("Watching config file", "path", abs)
	}
	return nil
}

// Run watches until ctx is done
func (cw *ConfigWatcher) Run(ctx context.Context) error {
	defer cw.watcher.Close()
	cw.logger.Info("Config watcher started")

	for {
		select {
		case <-ctx.Done():
			cw.mutex.Lock()
			if cw.timer != nil {
				cw.timer.Stop()
			}
			cw.mutex.Unlock()
			cw.logger.Info("Config watcher stopped")
			return nil
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				cw.handleChange(event.Name)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return nil
			}
			cw.logger.Error("Config watcher error", "error", err)
		}
	}
}

// handleChange schedules a reload when a tracked file changes
func (cw *ConfigWatcher) handleChange(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	if !cw.files[abs] {
		return
	}
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, cw.reload)
}

// reload loads the configuration again and hands it to onReload.
// A configuration that fails to load is logged and the previous one stays in effect.
func (cw *ConfigWatcher) reload() {
	cfg, err := config.LoadConfig(cw.configPath)
	if err != nil {
		cw.logger.Error("Failed to reload configuration", "error", err)
		return
	}
	if err := cw.track(cfg.Files()); err != nil {
		cw.logger.Error("Failed to update watched files", "error", err)
	}

	cw.logger.Info("Configuration reloaded", "files", len(cfg.Files()))
	cw.onReload(cfg)
}
