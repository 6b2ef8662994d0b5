package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const watchDebounce = 250 * time.Millisecond

// Watch calls onChange with the reloaded config whenever the file at path
// is written, created or renamed into place. The parent directory is
// watched so editors that replace the file are seen. Watch blocks until
// ctx is done. Reloads that fail to parse or validate are logged and
// skipped.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("config watch %s: %w", filepath.Dir(target), err)
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
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
			timer = time.NewTimer(watchDebounce)
			pending = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithFields(log.Fields{"event": "config_watch_error", "error": err}).Warn("config watcher error")
		case <-pending:
			pending = nil
			cfg, err := LoadFrom(target)
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				log.WithFields(log.Fields{"event": "config_reload_rejected", "path": target, "error": err}).Warn("ignoring invalid config change")
				continue
			}
			log.WithFields(log.Fields{"event": "config_reloaded", "path": target, "instances": len(cfg.Instances)}).Info("config reloaded")
			onChange(cfg)
		}
	}
}
