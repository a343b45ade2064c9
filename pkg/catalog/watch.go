package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the catalog under paths after any change and hands it to
// apply. Reloads are debounced. A catalog that fails to load or apply is
// logged and the next change tries again.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func(context.Context, *Catalog) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.IsDir() {
			path = filepath.Dir(path)
		}
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(p)
			}
			return nil
		})
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	go l.processEvents(ctx, watcher, paths, apply)

	l.logger.Info().Strs("paths", paths).Msg("Watching catalog paths")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, apply func(context.Context, *Catalog) error) {
	defer watcher.Close()

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isCatalogFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Catalog file changed")
			reload = time.After(l.reloadDelay)

		case <-reload:
			reload = nil
			cat, err := l.Load(ctx, paths)
			if err == nil {
				err = apply(ctx, cat)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Catalog reload failed")
				continue
			}
			l.logger.Info().Int("groups", len(cat.Groups)).Int("plans", len(cat.Plans)).Msg("Catalog reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
