package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadCallback is handed each re-read dev-server record. A nil cfg means the
// edit left the file unparsable and the running proxy table and aliases
// should stay as they are.
type ReloadCallback func(cfg *Config, errs []error)

// LoadFunc turns a config path into a record. Defaults to Load.
type LoadFunc func(path string) (*Config, []error)

// Watcher follows edits to devserver.yaml so proxy rules and aliases can be
// swapped into a running server.
type Watcher struct {
	path     string
	callback ReloadCallback
	load     LoadFunc
	logger   *slog.Logger
	debounce time.Duration
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must stay quiet before a reload (300ms).
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithLoader swaps Load for fn, for callers that post-process the record.
func WithLoader(fn LoadFunc) WatcherOption {
	return func(w *Watcher) {
		w.load = fn
	}
}

// NewWatcher watches path and calls callback with every reloaded record.
func NewWatcher(path string, callback ReloadCallback, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		path:     path,
		callback: callback,
		load:     Load,
		logger:   logger,
		debounce: 300 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is cancelled. The parent directory is watched rather
// than the file itself: editors that write a temp file and rename it over
// devserver.yaml would otherwise detach the watch after the first save.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	reloadCh := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.touchesConfig(event) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			})

		case <-reloadCh:
			w.logger.Debug("devserver config edited, re-reading", "path", w.path)
			cfg, errs := w.load(w.path)
			w.callback(cfg, errs)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("devserver config watch error", "path", w.path, "error", err)
		}
	}
}

// touchesConfig reports whether event may have changed the config contents.
// Chmod and Remove alone do not: a removed file keeps the last record.
func (w *Watcher) touchesConfig(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != filepath.Base(w.path) {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}
