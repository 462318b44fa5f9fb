package revision

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/buildcoord/internal/logfields"
	"git.home.luguber.info/inful/buildcoord/internal/model"
)

// Watcher reloads a definitions file into a MemoryStore when it changes.
type Watcher struct {
	path     string
	store    *MemoryStore
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onReload func([]model.Revision)

	mu         sync.Mutex
	stopChan   chan struct{}
	reloadChan chan struct{}
	stopOnce   sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides the quiet period before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithReloadHook registers fn to receive the revisions created by each reload.
func WithReloadHook(fn func([]model.Revision)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, store *MemoryStore, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Resolve absolute path for consistent watching
	absPath, err := filepath.Abs(path)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to resolve definitions path: %w", err)
	}
	w := &Watcher{
		path:       absPath,
		store:      store,
		watcher:    fw,
		debounce:   time.Second,
		stopChan:   make(chan struct{}),
		reloadChan: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Start begins watching. The directory is watched rather than the file so
// editors that replace the file on save are handled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch definitions directory %s: %w", dir, err)
	}
	slog.Info("Starting definitions watcher", logfields.Path(w.path))

	go w.watchLoop(ctx)
	go w.reloadLoop(ctx)
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		slog.Info("Stopping definitions watcher")
		close(w.stopChan)
		if err := w.watcher.Close(); err != nil {
			slog.Error("Error closing file watcher", logfields.Error(err))
		}
	})
}

func (w *Watcher) watchLoop(ctx context.Context) {
	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0:
				slog.Debug("Definitions file change detected", logfields.Path(event.Name), slog.String("op", event.Op.String()))
				w.triggerReload()
			case event.Op&fsnotify.Remove != 0:
				slog.Warn("Definitions file removed", logfields.Path(event.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Definitions watcher error", logfields.Error(err))
		}
	}
}

func (w *Watcher) reloadLoop(ctx context.Context) {
	var timer *time.Timer
	stop := func() {
		if timer != nil {
			timer.Stop()
		}
	}
	for {
		select {
		case <-ctx.Done():
			stop()
			return
		case <-w.stopChan:
			stop()
			return
		case <-w.reloadChan:
			stop()
			timer = time.AfterFunc(w.debounce, func() {
				if _, err := w.Reload(); err != nil {
					slog.Error("Failed to reload definitions", logfields.Path(w.path), logfields.Error(err))
				}
			})
		}
	}
}

func (w *Watcher) triggerReload() {
	select {
	case w.reloadChan <- struct{}{}:
	default:
	}
}

// Reload loads the file now and applies it to the store.
func (w *Watcher) Reload() ([]model.Revision, error) {
	defs, err := LoadDefinitions(w.path)
	if err != nil {
		return nil, err
	}
	created, err := w.store.Apply(defs)
	if err != nil {
		return created, err
	}
	slog.Info("Definitions reloaded",
		logfields.Path(w.path),
		slog.Int("configurations", len(defs.Configurations)),
		slog.Int("new_revisions", len(created)))
	if w.onReload != nil && len(created) > 0 {
		w.onReload(created)
	}
	return created, nil
}
