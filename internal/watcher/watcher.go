// Package watcher observes a BIB configuration directory and emits
// lifecycle events (discovered/changed/removed/error), debounced per file
// and serialized per BIB id. It wraps fsnotify behind a small struct with
// mockable fields for tests and a single long-running goroutine as the
// driver.
package watcher

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// EventKind identifies what happened to a BIB file.
type EventKind string

const (
	BibDiscovered EventKind = "BibDiscovered"
	BibChanged    EventKind = "BibChanged"
	BibRemoved    EventKind = "BibRemoved"
	BibError      EventKind = "BibError"
)

// Event is an immutable record describing one BIB lifecycle transition.
type Event struct {
	Kind EventKind
	ID   string
	Path string
	Err  error
}

// Config tunes the watcher's behaviour.
type Config struct {
	Dir string
	// Debounce collapses events for the same file arriving within this
	// window into one effective event. Defaults to 500ms.
	Debounce time.Duration
	// Backoff is how long the watcher waits before re-establishing a failed
	// underlying fsnotify watch.
	Backoff time.Duration
	// SkipInitialScan disables the BibDiscovered burst emitted on Start for
	// pre-existing files.
	SkipInitialScan bool
}

func (c *Config) setDefaults() {
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
}

// Watcher is a running directory watch. Construct with New, drain Events(),
// and cancel the context passed to Start to stop it.
type Watcher struct {
	cfg Config
	log *logrus.Entry

	events chan Event

	mu      sync.Mutex
	pending map[string]*time.Timer // id -> pending debounce timer
	queues  map[string]chan func() // id -> serialized per-BIB worker queue
}

// New constructs a Watcher. Call Start to begin watching.
func New(cfg Config, log *logrus.Entry) *Watcher {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Watcher{
		cfg:     cfg,
		log:     log,
		events:  make(chan Event, 64),
		pending: map[string]*time.Timer{},
		queues:  map[string]chan func(){},
	}
}

// Events returns the channel on which lifecycle events are delivered. It is
// closed once Start's context is cancelled and cleanup completes.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start runs the watch loop until ctx is cancelled. It blocks, so callers
// typically invoke it in its own goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	defer close(w.events)

	if !w.cfg.SkipInitialScan {
		w.initialScan()
	}

	for {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			w.emit(Event{Kind: BibError, Err: err})
			if !w.sleepOrDone(ctx, w.cfg.Backoff) {
				return nil
			}
			continue
		}
		if err := fsw.Add(w.cfg.Dir); err != nil {
			fsw.Close()
			w.emit(Event{Kind: BibError, Err: err})
			if !w.sleepOrDone(ctx, w.cfg.Backoff) {
				return nil
			}
			continue
		}

		lost := w.runLoop(ctx, fsw)
		fsw.Close()
		if !lost {
			// ctx was cancelled; clean shutdown.
			return nil
		}
		// The underlying watcher errored out from under us. Rescan so any
		// changes during the gap aren't lost, then re-establish.
		w.initialScan()
		if !w.sleepOrDone(ctx, w.cfg.Backoff) {
			return nil
		}
	}
}

// runLoop services one fsnotify.Watcher until it errors or ctx is done.
// Returns true if it exited because the underlying watcher errored (the
// caller should re-establish), false if ctx was cancelled.
func (w *Watcher) runLoop(ctx context.Context, fsw *fsnotify.Watcher) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-fsw.Events:
			if !ok {
				return true
			}
			w.handleFsEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return true
			}
			w.log.WithError(err).Warn("watcher: underlying watch errored, will re-establish")
			return true
		}
	}
}

func (w *Watcher) handleFsEvent(ev fsnotify.Event) {
	id, ok := idFromPath(ev.Name)
	if !ok {
		return
	}
	kind := BibChanged
	if ev.Op&fsnotify.Remove == fsnotify.Remove || ev.Op&fsnotify.Rename == fsnotify.Rename {
		kind = BibRemoved
	}
	w.debounce(id, ev.Name, kind)
}

// debounce collapses rapid-fire events for the same id into one, delivered
// after cfg.Debounce of quiet.
func (w *Watcher) debounce(id, path string, kind EventKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[id]; ok {
		t.Stop()
	}
	w.pending[id] = time.AfterFunc(w.cfg.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		w.dispatch(id, path, kind)
	})
}

// dispatch hands the event to the per-id serialized worker queue, so two
// handlers for the same BIB never run concurrently, while different BIBs
// proceed in parallel.
func (w *Watcher) dispatch(id, path string, kind EventKind) {
	q := w.queueFor(id)
	q <- func() {
		w.emit(Event{Kind: kind, ID: id, Path: path})
	}
}

func (w *Watcher) queueFor(id string) chan func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	q, ok := w.queues[id]
	if !ok {
		q = make(chan func(), 16)
		w.queues[id] = q
		go func() {
			for fn := range q {
				fn()
			}
		}()
	}
	return q
}

func (w *Watcher) initialScan() {
	entries, err := filepath.Glob(filepath.Join(w.cfg.Dir, "bib_*.xml"))
	if err != nil {
		w.emit(Event{Kind: BibError, Err: err})
		return
	}
	sort.Strings(entries)
	for _, path := range entries {
		if id, ok := idFromPath(path); ok {
			w.dispatch(id, path, BibDiscovered)
		}
	}
}

func (w *Watcher) emit(e Event) {
	select {
	case w.events <- e:
	default:
		w.log.Warn("watcher: event channel full, dropping event")
	}
}

func (w *Watcher) sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func idFromPath(path string) (string, bool) {
	name := filepath.Base(path)
	const prefix, suffix = "bib_", ".xml"
	if len(name) <= len(prefix)+len(suffix) {
		return "", false
	}
	if name[:len(prefix)] != prefix || name[len(name)-len(suffix):] != suffix {
		return "", false
	}
	return name[len(prefix) : len(name)-len(suffix)], true
}
