// Package binder wires a plugin's declared extension points into the
// dispatch table, the watcher and the capability providers.
package binder

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/mattjoyce/hotpatch/internal/events"
	"github.com/mattjoyce/hotpatch/internal/log"
	"github.com/mattjoyce/hotpatch/internal/metrics"
	"github.com/mattjoyce/hotpatch/internal/plugin"
	"github.com/mattjoyce/hotpatch/internal/transform"
	"github.com/mattjoyce/hotpatch/internal/unit"
	"github.com/mattjoyce/hotpatch/internal/watcher"
)

const maxKeptErrors = 100

// Provider resolves a capability for an Init point. inst is nil for static
// points. Returning a nil service or an error refuses the request.
type Provider func(inst *plugin.Instance) (any, error)

// FirstContact creates and binds the instance of desc for u, the first time a
// static transform of desc fires in u.
type FirstContact func(u *unit.Unit, desc *plugin.Descriptor) (*plugin.Instance, bool)

// UnitLookup resolves the unit a definition event belongs to.
type UnitLookup func(id unit.ID) (*unit.Unit, bool)

// ListenerRegistrar is the subset of the watcher the binder needs.
type ListenerRegistrar interface {
	AddListener(u *unit.Unit, l watcher.Listener) (watcher.ID, error)
}

// Binder resolves extension points.
type Binder struct {
	table   *transform.Table
	watches ListenerRegistrar
	contact FirstContact
	units   UnitLookup
	logger  *slog.Logger
	events  events.Publisher
	metrics *metrics.Metrics

	mu        sync.RWMutex
	providers map[plugin.Capability]Provider
	bound     map[*unit.Unit]struct{}
	errs      []*BindingError
}

type Option func(*Binder)

func WithLogger(l *slog.Logger) Option {
	return func(b *Binder) { b.logger = l.With("component", "binder") }
}

func WithEvents(p events.Publisher) Option {
	return func(b *Binder) { b.events = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Binder) { b.metrics = m }
}

// WithFirstContact sets the hook static transforms use to obtain instances.
func WithFirstContact(fn FirstContact) Option {
	return func(b *Binder) { b.contact = fn }
}

// WithUnits sets how static transforms find the unit of a class.
func WithUnits(fn UnitLookup) Option {
	return func(b *Binder) { b.units = fn }
}

func New(table *transform.Table, watches ListenerRegistrar, opts ...Option) *Binder {
	b := &Binder{
		table:     table,
		watches:   watches,
		logger:    log.WithComponent("binder"),
		providers: make(map[plugin.Capability]Provider),
		bound:     make(map[*unit.Unit]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Provide registers the provider for c, replacing any previous one.
func (b *Binder) Provide(c plugin.Capability, p Provider) {
	b.mu.Lock()
	b.providers[c] = p
	b.mu.Unlock()
}

// BindStatic runs the static Init points of desc and registers its static
// Transform points for every unit. It returns false if any point failed;
// the remaining points are still bound.
func (b *Binder) BindStatic(desc *plugin.Descriptor) bool {
	ok := true
	for _, in := range desc.Inits {
		if in.Static && !b.runInit(desc, nil, in) {
			ok = false
		}
	}
	for _, t := range desc.Transforms {
		if !t.Static {
			continue
		}
		if t.Fn == nil {
			b.fail(desc.Name, t.Name, "transform", errors.New("no handler"))
			ok = false
			continue
		}
		handler := b.staticHandler(desc, t)
		if !b.register(desc.Name, t, transform.AnyUnit, nil, handler) {
			ok = false
		}
	}
	return ok
}

// Bind runs the instance Init points of inst and registers its instance
// Transform and Watch points scoped to the instance's unit.
func (b *Binder) Bind(inst *plugin.Instance) bool {
	desc := inst.Descriptor
	u := inst.Unit
	if u == nil || u.Disposed() {
		b.fail(desc.Name, "", "instance", errors.New("instance has no live unit"))
		return false
	}

	ok := true
	for _, in := range desc.Inits {
		if !in.Static && !b.runInit(desc, inst, in) {
			ok = false
		}
	}
	for _, t := range desc.Transforms {
		if t.Static {
			continue
		}
		if t.Fn == nil {
			b.fail(desc.Name, t.Name, "transform", errors.New("no handler"))
			ok = false
			continue
		}
		fn := t.Fn
		handler := func(cls transform.Class) error { return fn(inst, cls) }
		if !b.register(desc.Name, t, u.ID(), u, handler) {
			ok = false
		}
	}
	for _, w := range desc.Watches {
		if !b.bindWatch(inst, w) {
			ok = false
		}
	}
	// Tracked last so a disposal racing with Bind still removes everything
	// registered above.
	b.track(u)
	return ok
}

// Errors returns the most recent binding failures, oldest first.
func (b *Binder) Errors() []*BindingError {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*BindingError, len(b.errs))
	copy(out, b.errs)
	return out
}

func (b *Binder) staticHandler(desc *plugin.Descriptor, t plugin.Transform) transform.Callback {
	fn := t.Fn
	return func(cls transform.Class) error {
		var inst *plugin.Instance
		if b.units != nil && b.contact != nil {
			u, ok := b.units(cls.Unit())
			if !ok {
				// Unit went away mid-definition; nothing to attach to.
				return nil
			}
			if inst, ok = b.contact(u, desc); !ok {
				return fmt.Errorf("no %s instance for unit %s", desc.Name, cls.Unit())
			}
		}
		return fn(inst, cls)
	}
}

func (b *Binder) register(pluginName string, t plugin.Transform, scope unit.ID, owner *unit.Unit, fn transform.Callback) bool {
	binding, err := transform.NewBinding(scope, t.Pattern, t.Flags(), pluginName, fn)
	if err != nil {
		b.fail(pluginName, t.Name, "transform", err)
		return false
	}
	binding.Owner = owner
	if _, err := b.table.Register(binding); err != nil {
		b.fail(pluginName, t.Name, "transform", err)
		return false
	}
	return true
}

func (b *Binder) runInit(desc *plugin.Descriptor, inst *plugin.Instance, in plugin.Init) bool {
	if in.Fn == nil {
		b.fail(desc.Name, in.Name, "init", errors.New("no handler"))
		return false
	}
	svc, err := b.resolve(inst, in.Needs)
	if err != nil {
		b.fail(desc.Name, in.Name, "init", err)
		return false
	}
	if err := callInit(in, inst, svc); err != nil {
		b.fail(desc.Name, in.Name, "init", err)
		return false
	}
	return true
}

func callInit(in plugin.Init, inst *plugin.Instance, svc plugin.Services) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return in.Fn(inst, svc)
}

func (b *Binder) resolve(inst *plugin.Instance, needs []plugin.Capability) (plugin.Services, error) {
	svc := make(plugin.Services, len(needs))
	for _, c := range needs {
		b.mu.RLock()
		p, ok := b.providers[c]
		b.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unknown capability %q", c)
		}
		v, err := p(inst)
		if err != nil {
			return nil, fmt.Errorf("capability %q refused: %w", c, err)
		}
		if v == nil {
			return nil, fmt.Errorf("capability %q unavailable", c)
		}
		svc[c] = v
	}
	return svc, nil
}

func (b *Binder) bindWatch(inst *plugin.Instance, w plugin.Watch) bool {
	name := inst.Name()
	if w.Fn == nil {
		b.fail(name, w.Name, "watch", errors.New("no handler"))
		return false
	}
	if b.watches == nil {
		b.fail(name, w.Name, "watch", errors.New("no watcher available"))
		return false
	}
	path := w.Path
	if !filepath.IsAbs(path) {
		root := inst.Unit.Root()
		if root == "" {
			b.fail(name, w.Name, "watch", fmt.Errorf("relative path %q and unit %s has no root", path, inst.UnitID()))
			return false
		}
		path = filepath.Join(root, path)
	}
	fn := w.Fn
	_, err := b.watches.AddListener(inst.Unit, watcher.Listener{
		Prefix: path,
		Kinds:  w.Kinds,
		Filter: w.Filter,
		Fn:     func(ev watcher.Event) { fn(inst, ev) },
	})
	var serr *watcher.SourceError
	if errors.As(err, &serr) {
		// Registered but unmonitored; the watcher has already logged it.
		return true
	}
	if err != nil {
		b.fail(name, w.Name, "watch", err)
		return false
	}
	return true
}

// track removes the unit's transforms when it is disposed. Only bindings
// owned by that unit instance go; a replacement under the same ID keeps its own.
func (b *Binder) track(u *unit.Unit) {
	b.mu.Lock()
	if _, ok := b.bound[u]; ok {
		b.mu.Unlock()
		return
	}
	b.bound[u] = struct{}{}
	b.mu.Unlock()

	u.OnDispose(func(d *unit.Unit) {
		b.mu.Lock()
		delete(b.bound, d)
		b.mu.Unlock()
		b.table.RemoveOwner(d)
	})
}

func (b *Binder) fail(pluginName, point, kind string, err error) {
	berr := &BindingError{Plugin: pluginName, Point: point, Kind: kind, Err: err}
	b.logger.Warn("extension point skipped", "plugin", pluginName, "point", point, "kind", kind, "error", err)
	b.metrics.RecordBindingFailure(pluginName, kind)
	if b.events != nil {
		b.events.Publish(events.PluginBindFailed, map[string]any{"plugin": pluginName, "point": point, "kind": kind, "error": err.Error()})
	}
	b.mu.Lock()
	b.errs = append(b.errs, berr)
	if len(b.errs) > maxKeptErrors {
		b.errs = b.errs[len(b.errs)-maxKeptErrors:]
	}
	b.mu.Unlock()
}

// BindingError reports an extension point that could not be bound.
type BindingError struct {
	Plugin string
	Point  string
	Kind   string
	Err    error
}

func (e *BindingError) Error() string {
	point := e.Point
	if point == "" {
		point = "?"
	}
	return fmt.Sprintf("bind %s.%s (%s): %v", e.Plugin, point, e.Kind, e.Err)
}

func (e *BindingError) Unwrap() error { return e.Err }
