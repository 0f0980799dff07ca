package model

import (
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	fhirerrors "github.com/medql/fhirsql/pkg/errors"
	"github.com/medql/fhirsql/pkg/log"
)

// Watcher monitors a model definition directory and reloads the model
// when files change. Events are debounced so a burst of writes (editor
// save, rsync) triggers a single reload. The whole directory is reloaded
// on every change; definition files are small and reload order matters,
// so incremental merging is not worth the bookkeeping.
type Watcher struct {
	mu sync.Mutex

	root   string
	model  *Model
	loader *Loader
	logger *log.Logger

	fsWatcher *fsnotify.Watcher

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	debounceDelay time.Duration
	reloadTimer   *time.Timer

	onReload func(m *Model)
	onError  func(err error)
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay for batching file events.
// Default is 100ms.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = d
	}
}

// WithOnReload sets a callback invoked after each successful reload.
func WithOnReload(fn func(m *Model)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// WithOnError sets a callback for reload errors.
func WithOnError(fn func(err error)) WatcherOption {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// NewWatcher creates a watcher that keeps model up to date with the
// definition files under root. The model must already hold the initial
// load; Start only reacts to subsequent changes.
func NewWatcher(root string, model *Model, logger *log.Logger, opts ...WatcherOption) (*Watcher, error) {
	if logger == nil {
		logger = log.Nop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fhirerrors.Wrap(err, fhirerrors.ErrCodeModelWatch,
			"failed to create file watcher").
			WithOp("NewWatcher").
			Err()
	}

	w := &Watcher{
		root:          root,
		model:         model,
		loader:        NewLoader(logger),
		logger:        logger,
		fsWatcher:     fsw,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		debounceDelay: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Start begins watching for file changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.fsWatcher.Add(w.root); err != nil {
		return fhirerrors.Wrap(err, fhirerrors.ErrCodeModelWatch,
			"failed to watch model directory").
			WithOp("Watcher.Start").
			WithField("path", w.root).
			Err()
	}

	w.logger.Model().Info("model watcher started", "root", w.root)

	go w.processEvents()

	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.logger.Model().Info("model watcher stopped")

	return w.fsWatcher.Close()
}

// IsRunning reports whether the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// processEvents handles fsnotify events until stopped.
func (w *Watcher) processEvents() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			w.mu.Lock()
			if w.reloadTimer != nil {
				w.reloadTimer.Stop()
			}
			w.mu.Unlock()
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Model().Error("watcher error", err)
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// handleEvent schedules a debounced reload for relevant events.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(strings.ToLower(event.Name), ".json") {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
	}
	w.reloadTimer = time.AfterFunc(w.debounceDelay, w.reload)
}

// reload re-reads the whole directory and swaps the model contents.
func (w *Watcher) reload() {
	loaded, err := w.loader.LoadDirectory(w.root)
	if err != nil {
		w.logger.Model().Error("model reload failed", err, "root", w.root)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	fresh := loaded.snapshot()
	w.model.Replace(fresh)

	w.logger.Model().Info("model reloaded",
		"root", w.root,
		"resources", len(fresh),
	)

	if w.onReload != nil {
		w.onReload(w.model)
	}
}
