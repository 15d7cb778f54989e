// Package watcher queues a renewal when a live certificate file changes on
// disk. Bursts of events on the same path within the debounce window collapse
// into a single queued renewal.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/edvin/certmgr/internal/engine"
	"github.com/edvin/certmgr/internal/model"
)

// DebounceWindow is how long a path stays quiet before its change fires.
const DebounceWindow = 2 * time.Second

// Enqueuer queues a renewal for a record id.
type Enqueuer interface {
	Enqueue(id string, trigger engine.Trigger) (string, error)
}

// Lister enumerates current records.
type Lister interface {
	List() []*model.Certificate
}

// Watcher tails the cert paths of every record in the store.
type Watcher struct {
	logger   zerolog.Logger
	store    Lister
	engine   Enqueuer
	debounce time.Duration

	fw *fsnotify.Watcher

	mu      sync.Mutex
	byPath  map[string]string // cert path -> fingerprint
	pending map[string]*time.Timer

	stop context.CancelFunc
	done chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides the coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// New creates a watcher over the store's current records.
func New(logger zerolog.Logger, store Lister, eng Enqueuer, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, model.Wrap(model.KindIO, err, "create file watcher")
	}
	w := &Watcher{
		logger:   logger.With().Str("component", "watcher").Logger(),
		store:    store,
		engine:   eng,
		debounce: DebounceWindow,
		fw:       fw,
		byPath:   make(map[string]string),
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start registers the current record paths and begins dispatching events.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.stop = context.WithCancel(ctx)
	w.Resync()
	go w.loop(ctx)
	return nil
}

// Close stops the watcher and releases the inotify handles.
func (w *Watcher) Close() error {
	if w.stop != nil {
		w.stop()
		<-w.done
	}
	return w.fw.Close()
}

// Resync reconciles the watched path set with the store. Call after records
// are added, renewed, or deleted.
func (w *Watcher) Resync() {
	records := w.store.List()

	w.mu.Lock()
	defer w.mu.Unlock()

	current := make(map[string]string, len(records))
	for _, rec := range records {
		if rec.IsErrorRecord() || rec.CertPath == "" {
			continue
		}
		current[rec.CertPath] = rec.Fingerprint
	}

	for path := range w.byPath {
		if _, keep := current[path]; !keep {
			w.fw.Remove(path)
			delete(w.byPath, path)
		}
	}
	for path, fp := range current {
		prev, ok := w.byPath[path]
		if ok && prev != fp {
			// Same path, new file. The inotify watch followed the old
			// inode through the rename, so re-establish it on the
			// replacement before recording the new fingerprint.
			w.fw.Remove(path)
			ok = false
		}
		if !ok {
			if err := w.fw.Add(path); err != nil {
				w.logger.Warn().Err(err).Str("path", path).Msg("cannot watch path")
				delete(w.byPath, path)
				continue
			}
		}
		w.byPath[path] = fp
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(ev.Name)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

// schedule arms (or re-arms) the debounce timer for a path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, watched := w.byPath[path]; !watched {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.fire(path)
	})
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	fp, ok := w.byPath[path]
	w.mu.Unlock()
	if !ok {
		return
	}

	w.logger.Info().Str("path", path).Str("fingerprint", fp).Msg("certificate file changed")
	if _, err := w.engine.Enqueue(fp, engine.TriggerWatcher); err != nil {
		w.logger.Warn().Err(err).Str("fingerprint", fp).Msg("queue renewal after file change")
	}
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
}
