package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce merges the bursts of events editors produce on save.
const DefaultDebounce = 300 * time.Millisecond

// Op is the kind of change observed on a source file.
type Op int

const (
	// OpCreate is a new source file.
	OpCreate Op = iota + 1
	// OpWrite is a modified source file.
	OpWrite
	// OpRemove is a deleted source file.
	OpRemove
	// OpRename is a source file moved away.
	OpRename
)

// String returns the lowercase name of the operation.
func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Gone reports whether the file no longer exists at its path.
func (o Op) Gone() bool {
	return o == OpRemove || o == OpRename
}

// Event is a settled change to a Solidity source. Dir events report a
// watched directory that was removed or renamed away, taking every source
// below it.
type Event struct {
	Path string
	Op   Op
	Dir  bool
}

// Watcher emits Events for Solidity sources below a root directory.
type Watcher interface {
	// Start watches the tree and returns immediately.
	Start(ctx context.Context) error
	// Events is closed once the watcher stops.
	Events() <-chan Event
	// Stop ends the watch and waits for the event loop to exit.
	Stop() error
}

type pendingEvent struct {
	op  Op
	dir bool
	at  time.Time
}

type watcher struct {
	log      logrus.FieldLogger
	root     string
	debounce time.Duration
	fsw      *fsnotify.Watcher
	out      chan Event

	mu      sync.Mutex
	pending map[string]pendingEvent
	dirs    map[string]struct{}
	started bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Ensure interface compliance.
var _ Watcher = (*watcher)(nil)

// NewWatcher creates a recursive watcher rooted at root. Events on the same
// path within debounce are merged; zero emits every event immediately.
func NewWatcher(log logrus.FieldLogger, root string, debounce time.Duration) (Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	return &watcher{
		log:      log.WithField("component", "workspace-watcher"),
		root:     root,
		debounce: debounce,
		fsw:      fsw,
		out:      make(chan Event, 64),
		pending:  make(map[string]pendingEvent, 8),
		dirs:     make(map[string]struct{}, 16),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Events implements Watcher.
func (w *watcher) Events() <-chan Event {
	return w.out
}

// Start implements Watcher.
func (w *watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()

		return nil
	}

	w.started = true
	w.mu.Unlock()

	if err := w.addTree(w.root, false); err != nil {
		return err
	}

	w.log.WithFields(logrus.Fields{
		"root":        w.root,
		"directories": len(w.fsw.WatchList()),
	}).Info("Watching workspace")

	go w.run(ctx)

	return nil
}

// Stop implements Watcher.
func (w *watcher) Stop() error {
	var err error

	w.stopOnce.Do(func() {
		close(w.stopCh)

		w.mu.Lock()
		started := w.started
		w.mu.Unlock()

		if started {
			<-w.doneCh
		} else {
			close(w.out)
		}

		err = w.fsw.Close()
	})

	return err
}

// addTree watches dir and every directory below it. With record set, the
// sources already present are queued as created, since they may have been
// written before the watch was in place.
func (w *watcher) addTree(dir string, record bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			if record && IsSource(path) {
				w.record(path, OpCreate)
			}

			return nil
		}

		if path != w.root && skipDir(d.Name()) {
			return filepath.SkipDir
		}

		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}

		w.mu.Lock()
		w.dirs[path] = struct{}{}
		w.mu.Unlock()

		return nil
	})
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.out)

	var tick <-chan time.Time

	if w.debounce > 0 {
		interval := w.debounce / 2
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			w.handle(ev)

			if w.debounce == 0 && !w.flush(ctx, true) {
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

			w.log.WithError(err).Warn("Watcher error")
		case <-tick:
			if !w.flush(ctx, false) {
				return
			}
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if skipDir(info.Name()) {
				return
			}

			if err := w.addTree(ev.Name, true); err != nil {
				w.log.WithError(err).WithField("path", ev.Name).Warn("Failed to watch new directory")
			}

			return
		}
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if w.dropDir(ev.Name) {
			op := OpRemove
			if ev.Has(fsnotify.Rename) {
				op = OpRename
			}

			w.recordDir(ev.Name, op)

			return
		}
	}

	if !IsSource(ev.Name) {
		return
	}

	var op Op

	switch {
	case ev.Has(fsnotify.Create):
		op = OpCreate
	case ev.Has(fsnotify.Write):
		op = OpWrite
	case ev.Has(fsnotify.Remove):
		op = OpRemove
	case ev.Has(fsnotify.Rename):
		op = OpRename
	default:
		return
	}

	w.record(ev.Name, op)
}

// record queues op for path. A write following a pending create stays a
// create.
func (w *watcher) record(path string, op Op) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if prev, ok := w.pending[path]; ok && prev.op == OpCreate && op == OpWrite {
		op = OpCreate
	}

	w.pending[path] = pendingEvent{op: op, at: time.Now()}
}

// dropDir forgets dir and every watched directory below it. It returns
// false if dir was not watched.
func (w *watcher) dropDir(dir string) bool {
	prefix := dir + string(filepath.Separator)
	gone := make([]string, 0, 4)

	w.mu.Lock()
	if _, ok := w.dirs[dir]; !ok {
		w.mu.Unlock()

		return false
	}

	for path := range w.dirs {
		if path == dir || strings.HasPrefix(path, prefix) {
			gone = append(gone, path)
			delete(w.dirs, path)
		}
	}
	w.mu.Unlock()

	// Removed directories lose their watch already; renamed ones keep it.
	for _, path := range gone {
		_ = w.fsw.Remove(path)
	}

	return true
}

func (w *watcher) recordDir(dir string, op Op) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[dir] = pendingEvent{op: op, dir: true, at: time.Now()}
}

// flush emits the settled events, or all of them when force is set. It
// returns false if the watcher stopped while emitting.
func (w *watcher) flush(ctx context.Context, force bool) bool {
	now := time.Now()
	ready := make([]Event, 0, 4)

	w.mu.Lock()
	for path, p := range w.pending {
		if force || now.Sub(p.at) >= w.debounce {
			ready = append(ready, Event{Path: path, Op: p.op, Dir: p.dir})
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, ev := range ready {
		w.log.WithFields(logrus.Fields{
			"path": ev.Path,
			"op":   ev.Op.String(),
			"dir":  ev.Dir,
		}).Debug("Source changed")

		select {
		case w.out <- ev:
		case <-ctx.Done():
			return false
		case <-w.stopCh:
			return false
		}
	}

	return true
}
