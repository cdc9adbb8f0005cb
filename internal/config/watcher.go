package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/switchboard/internal/routing"
)

// reloadDebounce coalesces the event bursts editors produce on save.
const reloadDebounce = 200 * time.Millisecond

// Watcher keeps the live binding table in sync with the config file:
// on change it upserts the file's bindings and retires the ones that
// vanished. Bindings added through other paths (ops API, code) are left
// alone.
type Watcher struct {
	path    string
	router  *routing.Router
	applied map[string]bool
}

// NewWatcher returns a watcher for the config file at path.
func NewWatcher(path string, router *routing.Router) *Watcher {
	return &Watcher{
		path:    path,
		router:  router,
		applied: make(map[string]bool),
	}
}

// Track records bindings already seeded from the config, so a later
// reload can retire them when they disappear from the file.
func (w *Watcher) Track(bindings []routing.Binding) {
	for _, b := range bindings {
		w.applied[b.ID] = true
	}
}

// Run watches until ctx is cancelled. The parent directory is watched
// rather than the file itself, since editors replace files atomically.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	slog.Info("watching config for binding changes", "path", w.path)

	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		case <-timer.C:
			w.reload()
		}
	}
}

// reload re-reads the file and reconciles the router's binding table.
// A binding that fails validation is skipped; the rest still apply.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config reload failed", "path", w.path, "error", err)
		return
	}

	applied := make(map[string]bool)
	for _, b := range cfg.NormalizedBindings() {
		if err := w.router.AddBinding(b); err != nil {
			slog.Error("config reload: binding rejected", "binding", b.ID, "error", err)
			continue
		}
		applied[b.ID] = true
	}

	removed := 0
	for id := range w.applied {
		if !applied[id] {
			w.router.RemoveBinding(id)
			removed++
		}
	}
	w.applied = applied

	slog.Info("bindings reloaded", "bindings", len(applied), "removed", removed)
}
