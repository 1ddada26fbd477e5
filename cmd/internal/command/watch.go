package command

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the catalog whenever its file is written, created or renamed into place.
// It watches the parent directory so editors that replace the file are seen. It returns
// when ctx is done.
func (s *CatalogStore) Watch(ctx context.Context, log *slog.Logger) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	if log == nil {
		log = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	target := filepath.Clean(s.path)
	if err := fsw.Add(filepath.Dir(target)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				log.Warn("catalog.reload.fail", "path", target, "op", ev.Op.String(), "err", err)
				continue
			}
			log.Info("catalog.reload", "path", target, "op", ev.Op.String())

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Error("catalog.watch.error", "err", err)
		}
	}
}
