// Package watch enqueues FITS files that appear in watched directories.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"platesolve/internal/fsutil"
	"platesolve/internal/pipeline"
)

// DefaultSettle is how long a file must stay unchanged before it is queued.
const DefaultSettle = 2 * time.Second

// Enqueuer accepts solve requests.
type Enqueuer interface {
	Enqueue(req pipeline.Request) (string, error)
}

// Watcher monitors directories and queues new images once writing stops.
type Watcher struct {
	watcher      *fsnotify.Watcher
	dirs         []string
	enq          Enqueuer
	log          *slog.Logger
	settle       time.Duration
	updateHeader bool

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string
	done    chan struct{}

	// queued holds images already handed to the queue. Header commits
	// replace the file in place, so later events for these paths are ignored
	// until the file is removed or renamed away. Owned by Run.
	queued map[string]struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithSettle overrides DefaultSettle.
func WithSettle(d time.Duration) Option {
	return func(w *Watcher) { w.settle = d }
}

// WithUpdateHeader asks for the solution to be written into each image.
func WithUpdateHeader(update bool) Option {
	return func(w *Watcher) { w.updateHeader = update }
}

// New creates a watcher for dirs.
func New(dirs []string, enq Enqueuer, log *slog.Logger, opts ...Option) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Watcher{
		watcher: watcher,
		dirs:    dirs,
		enq:     enq,
		log:     log,
		settle:  DefaultSettle,
		pending: make(map[string]*time.Timer),
		queued:  make(map[string]struct{}),
		ready:   make(chan string, 16),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.log.Info("watching directory", "dir", dir)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !fsutil.IsFITSFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// a rename over the image reports the old inode as removed
				if !fsutil.Exists(event.Name) {
					delete(w.queued, event.Name)
				}
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if _, seen := w.queued[event.Name]; seen {
				continue
			}
			w.touch(event.Name)

		case path := <-w.ready:
			w.enqueue(path)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)
		}
	}
}

// touch (re)starts the settle timer for path.
func (w *Watcher) touch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		select {
		case w.ready <- path:
		case <-w.done:
		}
	})
}

func (w *Watcher) enqueue(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()

	if !fsutil.Exists(path) {
		return
	}
	if _, seen := w.queued[path]; seen {
		return
	}
	id, err := w.enq.Enqueue(pipeline.Request{ImagePath: path, UpdateHeader: w.updateHeader})
	if err != nil {
		w.log.Warn("enqueue failed", "image", path, "error", err)
		return
	}
	w.queued[path] = struct{}{}
	w.log.Info("image queued", "image", path, "id", id)
}

func (w *Watcher) close() {
	close(w.done)
	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	if err := w.watcher.Close(); err != nil {
		w.log.Warn("close watcher failed", "error", err)
	}
}
