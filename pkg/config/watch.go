package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/meshreg/meshreg/internal/logger"
)

// DynamicConfig is the subset of the configuration that may change at
// runtime. Structural settings (role, slot count, ports) require a restart
// and are ignored by the watcher.
type DynamicConfig struct {
	StopPush                   bool
	LeaderSyncSessionInterval  string
	FollowerSyncLeaderInterval string
}

// Watch re-reads the config file whenever it changes and calls onChange
// with the freshly loaded config. Returns a stop function.
//
// Editors often replace files instead of writing in place, so both Write
// and Create events on the path trigger a reload.
func Watch(path string, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	// watch the directory: rename-over-replace drops the file watch
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config dir %q: %w", dir, err)
	}

	target := filepath.Clean(path)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("config reload failed, keeping previous", "error", err)
					continue
				}
				logger.Info("config reloaded", "path", path)
				onChange(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)

			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
