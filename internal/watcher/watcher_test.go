package watcher

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hotpatch/internal/events"
	"github.com/mattjoyce/hotpatch/internal/log"
	"github.com/mattjoyce/hotpatch/internal/unit"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) fn(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Path)
	}
	return out
}

func (c *collector) has(path string, kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Path == path && ev.Kind&kind != 0 {
			return true
		}
	}
	return false
}

func newTestWatcher(t *testing.T, opts ...Option) *Watcher {
	t.Helper()
	w, err := New(opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		w.Stop()
	})
	return w
}

func evalDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestListenerReceivesFileChanges(t *testing.T) {
	dir := evalDir(t)
	w := newTestWatcher(t)

	var c collector
	_, err := w.AddListener(nil, Listener{Prefix: dir, Filter: "*.class", Fn: c.fn})
	require.NoError(t, err)

	target := filepath.Join(dir, "Foo.class")
	require.NoError(t, os.WriteFile(target, []byte("v1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return c.has(target, Create|Modify) }, 2*time.Second, 10*time.Millisecond)
	for _, p := range c.paths() {
		assert.True(t, strings.HasSuffix(p, ".class"), "unexpected event for %s", p)
	}
}

func TestNewSubdirectoriesAreWatched(t *testing.T) {
	dir := evalDir(t)
	w := newTestWatcher(t)
	require.NoError(t, w.Watch(dir))

	var c collector
	_, err := w.AddListener(nil, Listener{Prefix: dir, Kinds: Create | Modify, Fn: c.fn})
	require.NoError(t, err)

	sub := filepath.Join(dir, "com", "example")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.Eventually(t, func() bool { return w.Watched() >= 3 }, 2*time.Second, 10*time.Millisecond)

	target := filepath.Join(sub, "Bar.class")
	require.NoError(t, os.WriteFile(target, []byte("v1"), 0o644))
	require.Eventually(t, func() bool { return c.has(target, Create|Modify) }, 2*time.Second, 10*time.Millisecond)
}

func TestDisposedUnitStopsReceiving(t *testing.T) {
	dir := evalDir(t)
	w := newTestWatcher(t)
	u := unit.New("app", "", dir)

	var scoped, global collector
	_, err := w.AddListener(u, Listener{Prefix: dir, Fn: scoped.fn})
	require.NoError(t, err)
	_, err = w.AddListener(nil, Listener{Prefix: dir, Fn: global.fn})
	require.NoError(t, err)
	assert.Equal(t, 2, w.Listeners())

	u.Dispose()
	assert.Equal(t, 1, w.Listeners())

	target := filepath.Join(dir, "After.class")
	require.NoError(t, os.WriteFile(target, []byte("v1"), 0o644))
	require.Eventually(t, func() bool { return global.has(target, Create|Modify) }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, scoped.paths())

	_, err = w.AddListener(u, Listener{Prefix: dir, Fn: scoped.fn})
	assert.Error(t, err)
}

func TestUnitRecreatedDuringDisposalKeepsListeners(t *testing.T) {
	dir := evalDir(t)
	w := newTestWatcher(t)
	table := unit.NewTable()
	noop := func(Event) {}

	old, _ := table.GetOrCreate("app", "", dir)
	var fresh *unit.Unit
	old.OnDispose(func(*unit.Unit) {
		fresh, _ = table.GetOrCreate("app", "", dir)
		_, err := w.AddListener(fresh, Listener{Prefix: dir, Fn: noop})
		assert.NoError(t, err)
	})
	_, err := w.AddListener(old, Listener{Prefix: dir, Fn: noop})
	require.NoError(t, err)

	old.Dispose()
	require.NotNil(t, fresh)
	assert.False(t, fresh.Disposed())
	assert.Equal(t, 1, w.Listeners())

	// The replacement still cleans up after itself.
	fresh.Dispose()
	assert.Equal(t, 0, w.Listeners())
}

func TestCloseUnitUnwatchesUnusedSubtrees(t *testing.T) {
	root := evalDir(t)
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	require.NoError(t, os.MkdirAll(filepath.Join(a, "x"), 0o755))
	require.NoError(t, os.MkdirAll(b, 0o755))

	w := newTestWatcher(t)
	u1 := unit.New("u1", "", a)
	u2 := unit.New("u2", "", b)
	noop := func(Event) {}
	_, err := w.AddListener(u1, Listener{Prefix: a, Fn: noop})
	require.NoError(t, err)
	_, err = w.AddListener(u2, Listener{Prefix: b, Fn: noop})
	require.NoError(t, err)
	assert.Equal(t, 3, w.Watched())

	assert.Equal(t, 1, w.CloseUnit("u1"))
	assert.Equal(t, 1, w.Watched())
	assert.Equal(t, 0, w.CloseUnit("u1"))

	require.NoError(t, w.Watch(a))
	assert.Equal(t, 3, w.Watched())
	u2.Dispose()
	assert.Equal(t, 2, w.Watched())
}

func TestRemoveListener(t *testing.T) {
	dir := evalDir(t)
	w := newTestWatcher(t)
	id, err := w.AddListener(nil, Listener{Prefix: dir, Fn: func(Event) {}})
	require.NoError(t, err)
	assert.Equal(t, 1, w.Watched())
	assert.True(t, w.RemoveListener(id))
	assert.False(t, w.RemoveListener(id))
	assert.Equal(t, 0, w.Watched())
}

func TestSourceErrorLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	hub := events.NewHub(16)
	w := newTestWatcher(t, WithLogger(logger), WithEvents(hub))

	missing := filepath.Join(evalDir(t), "missing")
	err := w.Watch(missing)
	var serr *SourceError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, missing, serr.Prefix)

	id, err := w.AddListener(nil, Listener{Prefix: missing, Fn: func(Event) {}})
	require.ErrorAs(t, err, &serr)
	assert.NotZero(t, id)

	assert.Equal(t, 1, strings.Count(buf.String(), "subtree not monitored"))
	assert.Len(t, hub.Filter(events.WatchFailed), 1)
}

func TestDeliverFiltersAndRecoversPanics(t *testing.T) {
	w, err := New()
	require.NoError(t, err)
	t.Cleanup(w.Stop)

	root := filepath.Join(string(filepath.Separator), "srv")
	var order []string
	w.listeners[1] = &binding{id: 1, prefix: root, kinds: AllKinds, fn: func(ev Event) {
		order = append(order, "all:"+filepath.Base(ev.Path))
	}}
	w.listeners[2] = &binding{id: 2, prefix: filepath.Join(root, "app"), kinds: Delete, fn: func(ev Event) {
		panic("listener bug")
	}}
	w.listeners[3] = &binding{id: 3, prefix: filepath.Join(root, "app"), kinds: Modify, filter: "*.class", fn: func(ev Event) {
		order = append(order, "class:"+filepath.Base(ev.Path))
	}}
	disposed := unit.New("gone", "", "")
	disposed.Dispose()
	w.listeners[4] = &binding{id: 4, unit: disposed, prefix: root, kinds: AllKinds, fn: func(Event) {
		t.Error("disposed unit received an event")
	}}

	w.deliver(Event{Path: filepath.Join(root, "app", "A.class"), Kind: Modify})
	w.deliver(Event{Path: filepath.Join(root, "app", "A.txt"), Kind: Modify})
	w.deliver(Event{Path: filepath.Join(root, "app", "B.class"), Kind: Delete})
	w.deliver(Event{Path: filepath.Join(root, "apple", "C.class"), Kind: Modify})

	assert.ElementsMatch(t, []string{"all:A.class", "class:A.class", "all:A.txt", "all:B.class", "all:C.class"}, order)
}

func TestParseKinds(t *testing.T) {
	k, err := ParseKinds([]string{"create", " Modify "})
	require.NoError(t, err)
	assert.Equal(t, Create|Modify, k)
	assert.Equal(t, "create|modify", k.String())

	_, err = ParseKinds([]string{"rename"})
	assert.Error(t, err)
}
