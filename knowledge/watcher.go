package knowledge

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce is how long to wait for more file changes before
// rebuilding the corpus index.
const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the knowledge base when corpus shard files change.
type Watcher struct {
	base      *Watched
	corpusDir string
	fsw       *fsnotify.Watcher
	logger    *slog.Logger

	pendingMu sync.Mutex
	pending   bool
}

// Watched pairs a Base with the directory it was loaded from.
type Watched struct {
	*Base
	Dir string
}

// NewWatcher creates a watcher over the corpus directory. The caller is
// responsible for running Run and closing via Close.
func NewWatcher(base *Base, corpusDir string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fsw.Add(corpusDir); err != nil {
		fsw.Close()
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		base:      &Watched{Base: base, Dir: corpusDir},
		corpusDir: corpusDir,
		fsw:       fsw,
		logger:    logger,
	}, nil
}

// Run processes file events until the context is cancelled. Changes are
// debounced so a multi-file corpus sync triggers one reload.
func (w *Watcher) Run(ctx context.Context) {
	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isYAML(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.pendingMu.Lock()
			if !w.pending {
				w.pending = true
				timer.Reset(reloadDebounce)
			}
			w.pendingMu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Corpus watch error", "error", err)

		case <-timer.C:
			w.pendingMu.Lock()
			w.pending = false
			w.pendingMu.Unlock()

			if err := w.base.Reload(w.corpusDir); err != nil {
				// Keep serving the previous snapshot on a bad reload.
				w.logger.Error("Corpus reload failed", "dir", w.corpusDir, "error", err)
				continue
			}
			w.logger.Info("Corpus reloaded",
				"dir", w.corpusDir,
				"techniques", w.base.Len(),
				"version", w.base.Version())
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func isYAML(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}
