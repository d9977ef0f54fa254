package livereload

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

var skipDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"dist":         {},
}

// Watch observes root recursively and broadcasts a reload after each burst
// of changes. New directories are added as they appear. It blocks until ctx
// is cancelled.
func (h *Hub) Watch(ctx context.Context, root string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := addTree(fsw, root); err != nil {
		return err
	}

	var (
		timer  *time.Timer
		last   string
		fire   = make(chan struct{}, 1)
		logger = h.opts.Logger
	)
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
			if ignored(root, event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(fsw, event.Name); err != nil {
						logger.Warn("live-reload watch failed", "dir", event.Name, "error", err)
					}
				}
			}
			last = event.Name
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(h.opts.Debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			rel, err := filepath.Rel(root, last)
			if err != nil {
				rel = last
			}
			n := h.Broadcast(ctx, Message{Type: "reload", Path: filepath.ToSlash(rel)})
			logger.Info("File changed, reloading clients", "path", rel, "clients", n)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("live-reload watcher error", "error", err)
		}
	}
}

func addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if _, skip := skipDirs[d.Name()]; skip && path != dir {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

// ignored reports whether path lies in a skipped directory or is an editor
// temp file.
func ignored(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if _, skip := skipDirs[part]; skip {
			return true
		}
	}
	base := filepath.Base(path)
	return strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasPrefix(base, ".#")
}
