// Package transform holds the dispatch table that maps definition events to
// plugin callbacks.
package transform

import (
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mattjoyce/hotpatch/internal/log"
	"github.com/mattjoyce/hotpatch/internal/metrics"
	"github.com/mattjoyce/hotpatch/internal/unit"
)

const defaultCacheSize = 4096

type cacheKey struct {
	unit unit.ID
	name string
}

// cacheEntry holds the bindings whose unit and pattern match, before phase
// and anonymity filtering.
type cacheEntry struct {
	wildGen  uint64
	unitGen  uint64
	bindings []*Binding
}

// Table is the registry of transform bindings.
type Table struct {
	mu       sync.RWMutex
	bindings []*Binding
	nextID   uint64
	// gens tracks a generation per unit; AnyUnit holds the wildcard one.
	gens    map[unit.ID]uint64
	genSeq  uint64
	cache   *lru.Cache[cacheKey, cacheEntry]
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Table.
type Option func(*Table)

func WithLogger(l *slog.Logger) Option {
	return func(t *Table) { t.logger = l.With("component", "transform") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Table) { t.metrics = m }
}

// WithCacheSize bounds the number of cached (unit, type) match results.
func WithCacheSize(n int) Option {
	return func(t *Table) {
		if n > 0 {
			t.cache, _ = lru.New[cacheKey, cacheEntry](n)
		}
	}
}

func NewTable(opts ...Option) *Table {
	cache, _ := lru.New[cacheKey, cacheEntry](defaultCacheSize)
	t := &Table{
		gens:   make(map[unit.ID]uint64),
		cache:  cache,
		logger: log.WithComponent("transform"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register appends b and returns its ID. Bindings are dispatched in
// registration order.
func (t *Table) Register(b *Binding) (uint64, error) {
	if b == nil || b.Pattern == nil || b.Fn == nil {
		return 0, fmt.Errorf("incomplete transform binding")
	}
	if b.Unit == "" {
		b.Unit = AnyUnit
	}

	t.mu.Lock()
	t.nextID++
	b.ID = t.nextID
	t.bindings = append(t.bindings, b)
	t.bumpLocked(b.Unit)
	n := len(t.bindings)
	t.mu.Unlock()

	t.metrics.SetBindings(n)
	t.logger.Debug("transform registered", "plugin", b.Plugin, "pattern", b.Expr, "unit", b.Unit, "flags", b.Flags.String())
	return b.ID, nil
}

// Remove drops the binding with the given ID.
func (t *Table) Remove(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, b := range t.bindings {
		if b.ID == id {
			t.bindings = append(t.bindings[:i:i], t.bindings[i+1:]...)
			t.bumpLocked(b.Unit)
			t.metrics.SetBindings(len(t.bindings))
			return true
		}
	}
	return false
}

// RemoveUnit drops every binding scoped to u and returns how many were removed.
func (t *Table) RemoveUnit(u unit.ID) int {
	if u == AnyUnit {
		return 0
	}
	t.mu.Lock()
	kept := t.bindings[:0:0]
	for _, b := range t.bindings {
		if b.Unit != u {
			kept = append(kept, b)
		}
	}
	removed := len(t.bindings) - len(kept)
	t.bindings = kept
	delete(t.gens, u)
	n := len(kept)
	t.mu.Unlock()

	if removed > 0 {
		t.metrics.SetBindings(n)
		t.logger.Debug("unit transforms removed", "unit", u, "count", removed)
	}
	return removed
}

// RemoveOwner drops the bindings owned by u. Bindings registered for another
// unit with the same ID are kept.
func (t *Table) RemoveOwner(u *unit.Unit) int {
	if u == nil {
		return 0
	}
	t.mu.Lock()
	kept := t.bindings[:0:0]
	for _, b := range t.bindings {
		if b.Owner != u {
			kept = append(kept, b)
		}
	}
	removed := len(t.bindings) - len(kept)
	t.bindings = kept
	if removed > 0 {
		t.bumpLocked(u.ID())
	}
	n := len(kept)
	t.mu.Unlock()

	if removed > 0 {
		t.metrics.SetBindings(n)
		t.logger.Debug("unit transforms removed", "unit", u.ID(), "count", removed)
	}
	return removed
}

// Dispatch returns the bindings that apply to typeName in unit u during p, in
// registration order.
func (t *Table) Dispatch(u unit.ID, typeName string, p Phase) []*Binding {
	candidates := t.candidates(u, typeName)
	out := make([]*Binding, 0, len(candidates))
	for _, b := range candidates {
		if b.accepts(typeName, p) {
			out = append(out, b)
		}
	}
	return out
}

func (t *Table) candidates(u unit.ID, typeName string) []*Binding {
	key := cacheKey{unit: u, name: typeName}

	t.mu.RLock()
	defer t.mu.RUnlock()

	wild, own := t.gens[AnyUnit], t.gens[u]
	if e, ok := t.cache.Get(key); ok && e.wildGen == wild && e.unitGen == own {
		t.metrics.RecordCacheLookup(true)
		return e.bindings
	}
	t.metrics.RecordCacheLookup(false)

	var matched []*Binding
	for _, b := range t.bindings {
		if b.appliesTo(u, typeName) {
			matched = append(matched, b)
		}
	}
	t.cache.Add(key, cacheEntry{wildGen: wild, unitGen: own, bindings: matched})
	return matched
}

// Invoke runs each binding's callback against cls. A failing or panicking
// callback is logged and reported; the remaining callbacks still run.
func (t *Table) Invoke(cls Class, bindings []*Binding) []error {
	var errs []error
	for _, b := range bindings {
		err := t.call(b, cls)
		t.metrics.RecordCallback(b.Plugin, err)
		if err == nil {
			continue
		}
		terr := &TransformError{Plugin: b.Plugin, Type: cls.Name(), Unit: cls.Unit(), Phase: cls.Phase(), Err: err}
		t.logger.Warn("transform callback failed", "plugin", b.Plugin, "type", cls.Name(), "unit", cls.Unit(), "error", err)
		errs = append(errs, terr)
	}
	return errs
}

func (t *Table) call(b *Binding, cls Class) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return b.Fn(cls)
}

// Len returns the number of registered bindings.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bindings)
}

// Bindings returns a copy of the registered bindings in order.
func (t *Table) Bindings() []*Binding {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Binding, len(t.bindings))
	copy(out, t.bindings)
	return out
}

func (t *Table) bumpLocked(u unit.ID) {
	t.genSeq++
	t.gens[u] = t.genSeq
}
