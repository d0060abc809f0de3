package vault

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch follows filesystem changes under the vault root and drops the
// backlink index whenever a document is created, written, renamed or
// removed. Newly created directories are added to the watch set so the
// whole tree stays covered. Watch blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := s.watchTree(w); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "vault.watch.start", slog.String("root", s.root))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.WarnContext(ctx, "vault.watch.error", slog.String("err", err.Error()))
		}
	}
}

func (s *Store) handleEvent(ctx context.Context, w *fsnotify.Watcher, ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") {
		return
	}

	if ev.Op.Has(fsnotify.Create) {
		// Directories created after startup need their own watch.
		if err := s.watchIfDir(w, ev.Name); err != nil {
			s.log.WarnContext(ctx, "vault.watch.add.fail", slog.String("err", err.Error()))
		}
	}

	if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		s.invalidateLinkIndex()
		s.log.DebugContext(ctx, "vault.watch.event",
			slog.String("op", ev.Op.String()),
			slog.String("path", ev.Name))
	}
}

func (s *Store) watchTree(w *fsnotify.Watcher) error {
	return filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != s.root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (s *Store) watchIfDir(w *fsnotify.Watcher, p string) error {
	info, err := os.Stat(p)
	if err != nil || !info.IsDir() {
		return nil
	}
	return w.Add(p)
}
