package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and hands the
// diff to a callback. Invalid files are logged and ignored.
type Watcher struct {
	path     string
	debounce time.Duration
	current  *Config
	onChange func(next *Config, d ConfigDiff)
	watcher  *fsnotify.Watcher
}

// NewWatcher watches the directory holding path so editors that replace
// the file by rename are picked up.
func NewWatcher(path string, current *Config, onChange func(*Config, ConfigDiff)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: 250 * time.Millisecond,
		current:  current,
		onChange: onChange,
		watcher:  w,
	}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	next, err := LoadFile(w.path)
	if err != nil {
		slog.Warn("config reload rejected", "path", w.path, "error", err)
		return
	}
	d := Diff(w.current, next)
	for _, field := range d.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	w.current = next
	if d.HasChanges() && w.onChange != nil {
		w.onChange(next, d)
	}
}
