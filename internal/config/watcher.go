package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadSettle absorbs editor write bursts (truncate+write, atomic rename)
// into a single reload.
const reloadSettle = 250 * time.Millisecond

// Watch reloads the config file on change and invokes onReload with the
// freshly loaded config. The watch runs until ctx is cancelled. Reload
// failures keep the previous config and are logged, never fatal.
//
// The parent directory is watched rather than the file itself: most editors
// and provisioning tools replace config files by rename, which drops a
// file-level watch.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var settle *time.Timer
		var settleC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if settle == nil {
					settle = time.NewTimer(reloadSettle)
					settleC = settle.C
				} else {
					settle.Reset(reloadSettle)
				}
			case <-settleC:
				settle = nil
				settleC = nil
				cfg, err := Load(path)
				if err != nil {
					slog.Warn("config reload failed, keeping previous", "path", path, "error", err)
					continue
				}
				slog.Info("config reloaded", "path", path, "hash", cfg.Hash())
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return nil
}
