package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "leafcheck/pkg/logx"
)

// Watch re-loads the config file whenever it changes and calls onChange with
// the new config. Invalid configs are logged and skipped; the previous config
// stays active. It blocks until ctx is canceled.
//
// Editors often emit several write/rename events per save, so events are
// debounced before reloading.
func Watch(ctx context.Context, path string, log logx.Logger, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: many editors replace the file (rename+create),
	// which drops a watch placed on the file itself.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)

	var (
		debounce  = 250 * time.Millisecond
		timer     *time.Timer
		timerCh   <-chan time.Time
		dirtyOnce bool
	)

	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			log.Warn("config reload failed; keeping previous config", logx.String("path", path), logx.Err(err))
			return
		}
		log.Info("config reloaded", logx.String("path", path))
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerCh = timer.C
			} else {
				if !timer.Stop() && dirtyOnce {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			dirtyOnce = true
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", logx.Err(err))
		case <-timerCh:
			dirtyOnce = false
			reload()
		}
	}
}
