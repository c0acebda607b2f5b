package ingest

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a file must be quiet before it is reloaded.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads datasets when files under the loader's root change. Writes
// are debounced per file; when the timer fires the file is reloaded if it
// exists and unloaded otherwise.
type Watcher struct {
	loader   *Loader
	fs       *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer

	// onReload, when set, is called after each reload attempt. Tests use it.
	onReload func(rel string, err error)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithReloadHook registers a callback run after every reload or unload.
func WithReloadHook(fn func(rel string, err error)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// NewWatcher watches the loader's root and every directory below it.
func NewWatcher(loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		loader:   loader,
		fs:       fw,
		debounce: DefaultDebounce,
		pending:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.addTree(loader.Root()); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
}

// Run processes file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	log.Printf("Watching data directory (root: %s, debounce: %v)", w.loader.Root(), w.debounce)
	defer w.stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			log.Printf("File watcher error (root: %s, error: %v)", w.loader.Root(), err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				log.Printf("Failed to watch new directory (path: %s, error: %v)", event.Name, err)
			}
			return
		}
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	rel, err := filepath.Rel(w.loader.Root(), event.Name)
	if err != nil || !w.loader.Matches(rel) {
		return
	}
	w.schedule(ctx, rel)
}

func (w *Watcher) schedule(ctx context.Context, rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[rel]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[rel] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, rel)
		w.mu.Unlock()
		w.reload(ctx, rel)
	})
}

func (w *Watcher) reload(ctx context.Context, rel string) {
	if ctx.Err() != nil {
		return
	}
	var err error
	if _, statErr := os.Stat(filepath.Join(w.loader.Root(), rel)); statErr == nil {
		res := w.loader.LoadFile(ctx, rel)
		err = res.Err
		if err == nil {
			log.Printf("Dataset reloaded (id: %s, path: %s, records: %d)", res.Descriptor.ID, rel, res.Records)
		}
	} else {
		err = w.loader.Unload(ctx, rel)
	}
	if err != nil {
		log.Printf("Dataset reload failed (path: %s, error: %v)", rel, err)
	}
	if w.onReload != nil {
		w.onReload(rel, err)
	}
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for rel, t := range w.pending {
		t.Stop()
		delete(w.pending, rel)
	}
	w.mu.Unlock()
	w.fs.Close()
}
