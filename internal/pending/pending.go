// Package pending watches the videos directory for ".pending" markers the
// event processor drops once a clip's dump-clear-refill-dump save completes.
// It is purely observational: an external remuxer is the one that acts on
// these markers; this package only logs their arrival for visibility.
package pending

import (
	"context"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher logs new .pending markers as they appear in a directory.
type Watcher struct {
	logger *slog.Logger
	dir    string
}

// New builds a watcher over dir. Call Run to start watching.
func New(logger *slog.Logger, dir string) *Watcher {
	return &Watcher{logger: logger, dir: dir}
}

// Run watches dir until ctx is canceled, logging each new .pending marker.
// A watch-setup failure is logged and Run returns; the daemon continues
// without this observational layer rather than treating it as fatal.
func (w *Watcher) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Error("pending: failed to create directory watcher", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		w.logger.Error("pending: failed to watch videos directory", "dir", w.dir, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if strings.HasSuffix(event.Name, ".pending") {
				w.logger.Info("pending: new video marker observed", "path", event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("pending: watch error", "error", err)
		}
	}
}
