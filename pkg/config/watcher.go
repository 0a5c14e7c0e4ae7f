package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polystore/polystore/pkg/telemetry"
)

// ReloadFunc receives freshly loaded settings after a file change.
type ReloadFunc func(*Settings)

// Watcher reloads the settings file when it changes on disk. Editors often
// replace the file rather than write in place, so the parent directory is
// watched and events are debounced.
type Watcher struct {
	path     string
	onReload ReloadFunc
	log      *telemetry.Logger
	fsw      *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given settings file.
func NewWatcher(path string, onReload ReloadFunc, log *telemetry.Logger) (*Watcher, error) {
	if onReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}
	if log == nil {
		log = telemetry.NewNopLogger()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &Watcher{
		path:     path,
		onReload: onReload,
		log:      log.NewComponentLogger("config.watcher"),
		fsw:      fsw,
	}, nil
}

// Run processes file events until the context is cancelled. A reload that
// fails to parse or validate keeps the previous settings and logs the error.
func (w *Watcher) Run(ctx context.Context) {
	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerC:
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watch error")
		}
	}
}

func (w *Watcher) reload() {
	settings, err := Load(w.path)
	if err != nil {
		w.log.WithError(err).Error("config reload failed, keeping previous settings")
		return
	}
	w.log.Info("configuration reloaded")
	w.onReload(settings)
}

// Close stops the underlying file watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
