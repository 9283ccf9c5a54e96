// Package isolation tracks live plugin instances per isolation unit.
package isolation

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/hotpatch/internal/events"
	"github.com/mattjoyce/hotpatch/internal/log"
	"github.com/mattjoyce/hotpatch/internal/metrics"
	"github.com/mattjoyce/hotpatch/internal/plugin"
	"github.com/mattjoyce/hotpatch/internal/unit"
)

// ErrUnitDisposed is returned when registering into a disposed unit.
var ErrUnitDisposed = errors.New("unit disposed")

type unitState struct {
	unit      *unit.Unit
	instances map[string]*plugin.Instance
	order     []string
}

// Registry maps (unit, descriptor) to the single live instance.
type Registry struct {
	mu      sync.RWMutex
	units   map[unit.ID]*unitState
	logger  *slog.Logger
	events  events.Publisher
	metrics *metrics.Metrics
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l.With("component", "isolation") }
}

func WithEvents(p events.Publisher) Option {
	return func(r *Registry) { r.events = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		units:  make(map[unit.ID]*unitState),
		logger: log.WithComponent("isolation"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register returns the instance of desc in u, creating it if needed. The bool
// reports whether this call created it.
func (r *Registry) Register(u *unit.Unit, desc *plugin.Descriptor) (*plugin.Instance, bool, error) {
	if u == nil || desc == nil {
		return nil, false, fmt.Errorf("register requires a unit and a descriptor")
	}
	if u.Disposed() {
		return nil, false, ErrUnitDisposed
	}
	if inst, ok := r.lookup(u, desc.Name); ok {
		return inst, false, nil
	}

	var state any
	if desc.New != nil {
		var err error
		if state, err = desc.New(u); err != nil {
			return nil, false, fmt.Errorf("create %s instance for unit %s: %w", desc.Name, u.ID(), err)
		}
	}
	inst := &plugin.Instance{Descriptor: desc, Unit: u, State: state, CreatedAt: time.Now().UTC()}

	r.mu.Lock()
	st, ok := r.units[u.ID()]
	fresh := !ok || st.unit != u
	if fresh {
		st = &unitState{unit: u, instances: make(map[string]*plugin.Instance)}
		r.units[u.ID()] = st
	}
	if existing, ok := st.instances[desc.Name]; ok {
		r.mu.Unlock()
		closeState(r.logger, inst)
		return existing, false, nil
	}
	st.instances[desc.Name] = inst
	st.order = append(st.order, desc.Name)
	total := r.countLocked()
	r.mu.Unlock()

	if fresh {
		u.OnDispose(func(*unit.Unit) { r.drop(st) })
	}
	r.metrics.SetInstances(total)
	r.logger.Info("plugin instantiated", "plugin", desc.Name, "unit", u.ID())
	if r.events != nil {
		r.events.Publish(events.PluginInstantiated, map[string]any{"plugin": desc.Name, "unit": u.ID()})
	}
	return inst, true, nil
}

// UnitOf recovers the owning unit of inst. It returns false once the unit is
// disposed or the instance has been dropped.
func (r *Registry) UnitOf(inst *plugin.Instance) (*unit.Unit, bool) {
	if inst == nil || inst.Unit == nil || inst.Unit.Disposed() {
		return nil, false
	}
	cur, ok := r.lookup(inst.Unit, inst.Name())
	if !ok || cur != inst {
		return nil, false
	}
	return inst.Unit, true
}

// Get returns the instance named name in unit id.
func (r *Registry) Get(id unit.ID, name string) (*plugin.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.units[id]
	if !ok || st.unit.Disposed() {
		return nil, false
	}
	inst, ok := st.instances[name]
	return inst, ok
}

// Instances returns the unit's instances in creation order.
func (r *Registry) Instances(id unit.ID) []*plugin.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.units[id]
	if !ok || st.unit.Disposed() {
		return nil
	}
	out := make([]*plugin.Instance, 0, len(st.order))
	for _, name := range st.order {
		out = append(out, st.instances[name])
	}
	return out
}

// Units returns the IDs of units holding instances, sorted.
func (r *Registry) Units() []unit.ID {
	r.mu.RLock()
	out := make([]unit.ID, 0, len(r.units))
	for id, st := range r.units {
		if !st.unit.Disposed() {
			out = append(out, id)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns the number of live instances across all units.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countLocked()
}

func (r *Registry) lookup(u *unit.Unit, name string) (*plugin.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.units[u.ID()]
	if !ok || st.unit != u {
		return nil, false
	}
	inst, ok := st.instances[name]
	return inst, ok
}

// drop runs from the unit's disposal hook. st may already have been
// replaced by a new unit with the same ID; its instances are closed anyway.
func (r *Registry) drop(st *unitState) {
	id := st.unit.ID()
	r.mu.Lock()
	if r.units[id] == st {
		delete(r.units, id)
	}
	order := append([]string(nil), st.order...)
	instances := make([]*plugin.Instance, 0, len(order))
	for _, name := range order {
		instances = append(instances, st.instances[name])
	}
	total := r.countLocked()
	r.mu.Unlock()

	for _, inst := range instances {
		closeState(r.logger, inst)
	}
	r.metrics.SetInstances(total)
	r.logger.Debug("unit instances dropped", "unit", id, "count", len(instances))
}

func (r *Registry) countLocked() int {
	n := 0
	for _, st := range r.units {
		if !st.unit.Disposed() {
			n += len(st.instances)
		}
	}
	return n
}

func closeState(logger *slog.Logger, inst *plugin.Instance) {
	c, ok := inst.State.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("plugin instance close failed", "plugin", inst.Name(), "unit", inst.UnitID(), "error", err)
	}
}
