// Package watcher delivers filesystem changes to listeners that are either
// process-wide or scoped to an isolation unit.
//
// Delivery happens on the watcher's single event goroutine. A slow listener
// delays every later event, so listeners that do real work should submit a
// scheduler command and return.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mattjoyce/hotpatch/internal/events"
	"github.com/mattjoyce/hotpatch/internal/log"
	"github.com/mattjoyce/hotpatch/internal/metrics"
	"github.com/mattjoyce/hotpatch/internal/unit"
)

// Watcher multiplexes one fsnotify watcher across listeners.
type Watcher struct {
	fsw     *fsnotify.Watcher
	logger  *slog.Logger
	events  events.Publisher
	metrics *metrics.Metrics

	mu sync.Mutex
	// roots are pinned for the process lifetime; refs count listener prefixes.
	roots     map[string]struct{}
	refs      map[string]int
	bases     map[string]string
	dirs      map[string]struct{}
	listeners map[ID]*binding
	units     map[*unit.Unit]struct{}
	failed    map[string]struct{}
	nextID    ID

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type Option func(*Watcher)

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l.With("component", "watcher") }
}

func WithEvents(p events.Publisher) Option {
	return func(w *Watcher) { w.events = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// New opens the OS notifier. Call Start to begin delivery.
func New(opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		fsw:       fsw,
		logger:    log.WithComponent("watcher"),
		roots:     make(map[string]struct{}),
		refs:      make(map[string]int),
		bases:     make(map[string]string),
		dirs:      make(map[string]struct{}),
		listeners: make(map[ID]*binding),
		units:     make(map[*unit.Unit]struct{}),
		failed:    make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start launches the event goroutine. It stops when ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.loop(ctx)
	})
}

// Stop closes the notifier and waits for the event goroutine.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
	})
	w.wg.Wait()
}

// Watch pins prefix for the process lifetime.
func (w *Watcher) Watch(prefix string) error {
	abs, err := filepath.Abs(prefix)
	if err != nil {
		return w.sourceFailed(prefix, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.roots[abs]; ok {
		return nil
	}
	w.roots[abs] = struct{}{}
	return w.trackLocked(abs)
}

// AddListener subscribes l. A nil u makes the listener process-wide;
// otherwise it is removed when u is disposed. When the error is a
// *SourceError the listener stays registered but its subtree is not
// monitored.
func (w *Watcher) AddListener(u *unit.Unit, l Listener) (ID, error) {
	if l.Fn == nil {
		return 0, errors.New("listener has no callback")
	}
	if l.Prefix == "" {
		return 0, errors.New("listener has no path prefix")
	}
	if l.Filter != "" {
		if _, err := filepath.Match(l.Filter, ""); err != nil {
			return 0, fmt.Errorf("invalid filter %q: %w", l.Filter, err)
		}
	}
	if u != nil && u.Disposed() {
		return 0, fmt.Errorf("unit %s is disposed", u.ID())
	}
	abs, err := filepath.Abs(l.Prefix)
	if err != nil {
		return 0, err
	}
	kinds := l.Kinds
	if kinds == 0 {
		kinds = AllKinds
	}

	w.mu.Lock()
	w.nextID++
	b := &binding{id: w.nextID, unit: u, prefix: abs, kinds: kinds, filter: l.Filter, fn: l.Fn}
	w.listeners[b.id] = b
	w.refs[abs]++
	var watchErr error
	if w.refs[abs] == 1 {
		watchErr = w.trackLocked(abs)
	}
	subscribe := false
	if u != nil {
		// Tracked per instance: a replacement unit may reuse the ID while
		// the old one's disposal hooks are still running.
		if _, seen := w.units[u]; !seen {
			w.units[u] = struct{}{}
			subscribe = true
		}
	}
	w.reportLocked()
	w.mu.Unlock()

	if subscribe {
		u.OnDispose(w.disposeUnit)
	}
	w.logger.Debug("listener added", "id", b.id, "prefix", abs, "unit", unitName(u), "kinds", kinds.String())
	return b.id, watchErr
}

// RemoveListener unsubscribes id.
func (w *Watcher) RemoveListener(id ID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.listeners[id]
	if !ok {
		return false
	}
	w.dropLocked(b)
	w.pruneLocked()
	w.reportLocked()
	return true
}

// CloseUnit removes every listener scoped to id and stops watching subtrees
// nothing else needs.
func (w *Watcher) CloseUnit(id unit.ID) int {
	return w.closeWhere(id, func(b *binding) bool { return b.unit.ID() == id })
}

// disposeUnit runs from u's disposal hook and only touches u's own
// listeners, never those of a live unit with the same ID.
func (w *Watcher) disposeUnit(u *unit.Unit) {
	w.mu.Lock()
	delete(w.units, u)
	w.mu.Unlock()
	w.closeWhere(u.ID(), func(b *binding) bool { return b.unit == u })
}

func (w *Watcher) closeWhere(id unit.ID, match func(*binding) bool) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	removed := 0
	for _, b := range w.listeners {
		if b.unit != nil && match(b) {
			w.dropLocked(b)
			removed++
		}
	}
	w.pruneLocked()
	w.reportLocked()
	if removed > 0 {
		w.logger.Debug("unit listeners closed", "unit", id, "count", removed)
	}
	return removed
}

// Listeners returns the number of registered listeners.
func (w *Watcher) Listeners() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.listeners)
}

// Watched returns the number of directories registered with the notifier.
func (w *Watcher) Watched() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(raw fsnotify.Event) {
	kind := kindOf(raw.Op)
	if kind == 0 {
		return
	}
	path := filepath.Clean(raw.Name)

	switch kind {
	case Create:
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			w.mu.Lock()
			needed := w.neededLocked(path)
			if needed {
				_ = w.addTreeLocked(path, path)
			}
			w.mu.Unlock()
			if needed {
				w.deliver(Event{Path: path, Kind: Create, At: time.Now()})
				w.replayTree(path)
				return
			}
		}
	case Delete:
		w.mu.Lock()
		for dir := range w.dirs {
			if isUnder(dir, path) {
				delete(w.dirs, dir)
			}
		}
		w.reportLocked()
		w.mu.Unlock()
	}

	w.deliver(Event{Path: path, Kind: kind, At: time.Now()})
}

// replayTree emits Create for entries that appeared inside a new directory
// before it was registered with the notifier.
func (w *Watcher) replayTree(root string) {
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || p == root {
			return nil
		}
		w.deliver(Event{Path: p, Kind: Create, At: time.Now()})
		return nil
	})
}

func (w *Watcher) deliver(ev Event) {
	w.metrics.RecordWatchEvent(ev.Kind.String())

	w.mu.Lock()
	var targets []*binding
	for _, b := range w.listeners {
		if b.wants(ev) {
			targets = append(targets, b)
		}
	}
	w.mu.Unlock()

	for _, b := range targets {
		w.call(b, ev)
	}
}

func (w *Watcher) call(b *binding, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watch listener panicked", "id", b.id, "path", ev.Path, "panic", r)
		}
	}()
	b.fn(ev)
}

// trackLocked records the base directory for prefix and watches it.
func (w *Watcher) trackLocked(prefix string) error {
	base := prefix
	if info, err := os.Stat(prefix); err == nil && !info.IsDir() {
		base = filepath.Dir(prefix)
	}
	w.bases[prefix] = base
	err := w.addTreeLocked(prefix, base)
	w.reportLocked()
	return err
}

func (w *Watcher) addTreeLocked(prefix, base string) error {
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if _, ok := w.dirs[p]; ok {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return err
		}
		w.dirs[p] = struct{}{}
		return nil
	})
	if err != nil {
		return w.sourceFailedLocked(prefix, err)
	}
	delete(w.failed, prefix)
	return nil
}

func (w *Watcher) dropLocked(b *binding) {
	delete(w.listeners, b.id)
	w.refs[b.prefix]--
	if w.refs[b.prefix] <= 0 {
		delete(w.refs, b.prefix)
		if _, pinned := w.roots[b.prefix]; !pinned {
			delete(w.bases, b.prefix)
		}
	}
}

// pruneLocked unwatches directories no pinned root or listener needs.
func (w *Watcher) pruneLocked() {
	for dir := range w.dirs {
		if w.neededLocked(dir) {
			continue
		}
		_ = w.fsw.Remove(dir)
		delete(w.dirs, dir)
	}
}

func (w *Watcher) neededLocked(dir string) bool {
	for _, base := range w.bases {
		if isUnder(dir, base) {
			return true
		}
	}
	return false
}

func (w *Watcher) sourceFailed(prefix string, err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sourceFailedLocked(prefix, err)
}

// sourceFailedLocked logs the first failure per prefix and returns a SourceError.
func (w *Watcher) sourceFailedLocked(prefix string, err error) error {
	serr := &SourceError{Prefix: prefix, Err: err}
	if _, logged := w.failed[prefix]; !logged {
		w.failed[prefix] = struct{}{}
		w.logger.Warn("subtree not monitored", "prefix", prefix, "error", err)
		if w.events != nil {
			w.events.Publish(events.WatchFailed, map[string]any{"prefix": prefix, "error": err.Error()})
		}
	}
	return serr
}

func (w *Watcher) reportLocked() {
	w.metrics.SetWatchState(len(w.dirs), len(w.listeners))
}

func unitName(u *unit.Unit) string {
	if u == nil {
		return ""
	}
	return string(u.ID())
}
