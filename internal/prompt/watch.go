package prompt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the templates whenever a file in the override directory is
// written, created, renamed or removed. It returns once the watcher is set
// up; watching stops when ctx is done.
func (l *Library) Watch(ctx context.Context) error {
	if l.opts.Dir == "" {
		return fmt.Errorf("no prompt directory configured")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(l.opts.Dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", l.opts.Dir, err)
	}

	l.logger.Info("watching prompt directory for changes", slog.String("path", l.opts.Dir))

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				l.logger.Debug("prompt watch stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
					!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}

				if err := l.Reload(); err != nil {
					l.logger.Error("failed to reload prompts",
						slog.String("error", err.Error()),
						slog.String("path", event.Name))
					continue
				}
				l.logger.Info("prompts reloaded", slog.String("path", event.Name))

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("prompt watch error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}
