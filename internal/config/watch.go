package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "unitgauge/pkg/logx"
)

const watchDebounce = 250 * time.Millisecond

// Watch reports content changes of the config file until ctx is done.
//
// The directory is watched rather than the file so editors that replace the
// file via rename are still observed. onChange runs at most once per
// distinct valid content; invalid files are logged and ignored. Watch does
// not commit the new config: settings are fixed for the process lifetime
// and callers are expected to restart to pick them up.
func (l *Loader) Watch(ctx context.Context, onChange func(cfg *Config)) error {
	dir := filepath.Dir(l.path)
	file := filepath.Base(l.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch init: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch add %s: %w", dir, err)
	}

	var (
		timerMu  sync.Mutex
		timer    *time.Timer
		lastSeen = l.committedHash()
	)
	check := func() {
		cfg, h, err := l.Parse()
		if err != nil {
			l.log.Warn("config change ignored; file does not parse", logx.String("path", l.path), logx.Err(err))
			return
		}
		if err := Validate(cfg); err != nil {
			l.log.Warn("config change ignored; file is invalid", logx.String("path", l.path), logx.Err(err))
			return
		}
		timerMu.Lock()
		unchanged := h == lastSeen
		lastSeen = h
		timerMu.Unlock()
		if unchanged {
			l.log.Debug("config unchanged", logx.String("path", l.path))
			return
		}
		onChange(cfg)
	}
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, check)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	l.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("config watcher closed")
			}
			// Compare by basename (more robust across absolute/relative paths).
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("config watcher closed")
			}
			l.log.Warn("config watcher error", logx.Err(err))
		}
	}
}
