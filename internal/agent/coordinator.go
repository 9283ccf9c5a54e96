// Package agent is the runtime coordinator. It owns every component, hooks
// itself into the host's definition path and exposes the capabilities plugins
// bind against.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/magiconair/properties"

	"github.com/mattjoyce/hotpatch/internal/binder"
	"github.com/mattjoyce/hotpatch/internal/config"
	"github.com/mattjoyce/hotpatch/internal/events"
	"github.com/mattjoyce/hotpatch/internal/isolation"
	"github.com/mattjoyce/hotpatch/internal/log"
	"github.com/mattjoyce/hotpatch/internal/metrics"
	"github.com/mattjoyce/hotpatch/internal/plugin"
	"github.com/mattjoyce/hotpatch/internal/scheduler"
	"github.com/mattjoyce/hotpatch/internal/transform"
	"github.com/mattjoyce/hotpatch/internal/unit"
	"github.com/mattjoyce/hotpatch/internal/watcher"
)

var (
	initOnce sync.Once
	global   *Coordinator
	initErr  error
)

// Init builds the process-wide coordinator on the first call and returns it
// on every later call. Later arguments are ignored.
func Init(inst Instrumentation, cfg *config.Config, opts ...Option) (*Coordinator, error) {
	initOnce.Do(func() {
		global, initErr = New(inst, cfg, opts...)
	})
	return global, initErr
}

// Default returns the coordinator built by Init, or nil.
func Default() *Coordinator {
	return global
}

// Coordinator wires the runtime together.
type Coordinator struct {
	cfg      *config.Config
	inst     Instrumentation
	catalog  *plugin.Catalog
	editor   transform.Editor
	recorder scheduler.Recorder
	logger   *slog.Logger
	events   *events.Hub
	metrics  *metrics.Metrics

	units     *unit.Table
	registry  *isolation.Registry
	table     *transform.Table
	binder    *binder.Binder
	scheduler *scheduler.Scheduler
	watcher   *watcher.Watcher

	mu        sync.Mutex
	props     map[unit.ID]unitProps
	startOnce sync.Once
	startedAt time.Time
}

type unitProps struct {
	unit  *unit.Unit
	props *properties.Properties
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l.With("component", "agent") }
}

// WithCatalog sets the plugins bound on Start.
func WithCatalog(cat *plugin.Catalog) Option {
	return func(c *Coordinator) { c.catalog = cat }
}

// WithEditor sets how structural class edits are applied.
func WithEditor(e transform.Editor) Option {
	return func(c *Coordinator) { c.editor = e }
}

// WithRecorder journals every command execution.
func WithRecorder(r scheduler.Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithEvents(h *events.Hub) Option {
	return func(c *Coordinator) { c.events = h }
}

// New builds an independent coordinator and registers it with inst, which
// may be nil when no host is attached yet.
func New(inst Instrumentation, cfg *config.Config, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}
	if cfg.Properties == nil {
		cfg.Properties = config.BaseProperties(cfg)
	}
	c := &Coordinator{
		cfg:    cfg,
		inst:   inst,
		logger: log.WithComponent("agent"),
		props:  make(map[unit.ID]unitProps),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.catalog == nil {
		c.catalog, _ = plugin.NewCatalog()
	}
	if c.events == nil {
		c.events = events.NewHub(cfg.Service.EventBuffer)
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}

	if unknown := c.catalog.Disable(cfg.Agent.DisabledPlugins...); len(unknown) > 0 {
		c.logger.Warn("disabled_plugins names unknown plugins", "plugins", unknown)
	}

	c.units = unit.NewTable()
	c.units.OnCreate(c.unitCreated)
	c.registry = isolation.New(isolation.WithEvents(c.events), isolation.WithMetrics(c.metrics))
	c.table = transform.NewTable(transform.WithMetrics(c.metrics), transform.WithCacheSize(cfg.Agent.DispatchCacheSize))

	w, err := watcher.New(watcher.WithEvents(c.events), watcher.WithMetrics(c.metrics))
	if err != nil {
		return nil, err
	}
	c.watcher = w

	sopts := []scheduler.Option{
		scheduler.WithEvents(c.events),
		scheduler.WithMetrics(c.metrics),
		scheduler.WithResolver(c.units),
	}
	if c.recorder != nil {
		sopts = append(sopts, scheduler.WithRecorder(c.recorder))
	}
	c.scheduler = scheduler.New(scheduler.Config{
		TickInterval: cfg.Service.TickInterval,
		Debounce:     cfg.Service.Debounce,
		MaxWorkers:   cfg.Service.MaxWorkers,
		Retention:    cfg.Journal.Retention,
	}, sopts...)

	c.binder = binder.New(c.table, c.watcher,
		binder.WithEvents(c.events),
		binder.WithMetrics(c.metrics),
		binder.WithUnits(c.units.Lookup),
		binder.WithFirstContact(c.firstContact),
	)
	c.provideCapabilities()
	c.metrics.SetUnits(c.units.Len())

	if inst != nil {
		inst.AddTransformer(c)
	}
	return c, nil
}

// Start launches the watcher and scheduler and binds the enabled plugins.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.startedAt = time.Now().UTC()
		c.mu.Unlock()

		c.watcher.Start(ctx)
		c.scheduler.Start(ctx)

		for _, d := range c.catalog.All() {
			if !c.catalog.Enabled(d.Name) {
				c.logger.Info("plugin disabled", "plugin", d.Name)
				continue
			}
			if !d.Supports(c.cfg.Agent.HostVersion) {
				c.logger.Warn("plugin not tested with this host version",
					"plugin", d.Name, "host_version", c.cfg.Agent.HostVersion, "tested", d.TestedVersions)
			}
			if !c.binder.BindStatic(d) {
				c.logger.Warn("plugin bound with errors", "plugin", d.Name)
			}
		}
		c.metrics.SetBindings(c.table.Len())
		c.logger.Info("agent started", "plugins", len(c.catalog.EnabledDescriptors()), "bindings", c.table.Len())
	})
}

// Stop stops the watcher, then the scheduler.
func (c *Coordinator) Stop() {
	c.watcher.Stop()
	c.scheduler.Stop()
	c.logger.Info("agent stopped")
}

// Unit returns the live unit for id, creating it if needed.
func (c *Coordinator) Unit(id unit.ID, name, root string) *unit.Unit {
	u, _ := c.units.GetOrCreate(id, name, root)
	return u
}

// LookupUnit returns the live unit for id.
func (c *Coordinator) LookupUnit(id unit.ID) (*unit.Unit, bool) {
	return c.units.Lookup(id)
}

// Transform implements Transformer. Plugin failures are logged and reported
// as events; the host always gets usable bytes back.
func (c *Coordinator) Transform(u *unit.Unit, typeName string, classBytes []byte, redefinition bool) (out []byte) {
	out = classBytes
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("definition hook panicked", "type", typeName, "panic", r)
			out = classBytes
		}
	}()

	if u == nil {
		u, _ = c.units.Lookup(unit.System)
	}
	phase := transform.PhaseOf(redefinition)
	c.metrics.RecordDefinition(phase.String())

	bindings := c.table.Dispatch(u.ID(), typeName, phase)
	if len(bindings) == 0 {
		return classBytes
	}

	cls := transform.NewClass(u.ID(), typeName, phase, classBytes)
	errs := c.table.Invoke(cls, bindings)
	for _, err := range errs {
		var terr *transform.TransformError
		if errors.As(err, &terr) {
			c.events.Publish(events.TransformFailed, map[string]any{
				"plugin": terr.Plugin, "type": terr.Type, "unit": terr.Unit, "phase": terr.Phase.String(), "error": terr.Err.Error(),
			})
		}
	}

	topic := events.ClassDefined
	if redefinition {
		topic = events.ClassRedefined
	}
	c.events.Publish(topic, map[string]any{
		"type": typeName, "unit": u.ID(), "callbacks": len(bindings), "failures": len(errs), "modified": cls.Modified(),
	})
	c.metrics.SetBindings(c.table.Len())

	if !cls.Modified() {
		return classBytes
	}
	result := cls.Bytes()
	if edits := cls.Edits(); len(edits) > 0 {
		if c.editor == nil {
			c.logger.Warn("structural edits dropped, no editor configured", "type", typeName, "edits", len(edits))
			return result
		}
		applied, err := c.editor.Apply(cls)
		if err != nil {
			c.logger.Warn("applying structural edits failed", "type", typeName, "unit", u.ID(), "error", err)
			return result
		}
		result = applied
	}
	return result
}

// firstContact creates the instance of desc for u and binds its instance
// points. Concurrent callers share the instance.
func (c *Coordinator) firstContact(u *unit.Unit, desc *plugin.Descriptor) (*plugin.Instance, bool) {
	inst, created, err := c.registry.Register(u, desc)
	if err != nil {
		c.logger.Warn("plugin instance unavailable", "plugin", desc.Name, "unit", u.ID(), "error", err)
		return nil, false
	}
	if created {
		if !c.binder.Bind(inst) {
			c.logger.Warn("plugin instance bound with errors", "plugin", desc.Name, "unit", u.ID())
		}
		c.metrics.SetBindings(c.table.Len())
	}
	return inst, true
}

func (c *Coordinator) unitCreated(u *unit.Unit) {
	c.metrics.SetUnits(c.units.Len())
	c.logger.Debug("unit created", "unit", u.ID(), "root", u.Root())
	c.events.Publish(events.UnitCreated, map[string]any{"unit": u.ID(), "name": u.Name(), "root": u.Root()})

	u.OnDispose(func(d *unit.Unit) {
		c.mu.Lock()
		if cur, ok := c.props[d.ID()]; ok && cur.unit == d {
			delete(c.props, d.ID())
		}
		c.mu.Unlock()
		c.metrics.SetUnits(c.units.Len())
		c.metrics.SetBindings(c.table.Len())
		c.logger.Debug("unit disposed", "unit", d.ID())
		c.events.Publish(events.UnitDisposed, map[string]any{"unit": d.ID()})
	})
}

func (c *Coordinator) provideCapabilities() {
	c.binder.Provide(plugin.CapScheduler, func(*plugin.Instance) (any, error) { return c.scheduler, nil })
	c.binder.Provide(plugin.CapWatcher, func(*plugin.Instance) (any, error) { return c.watcher, nil })
	c.binder.Provide(plugin.CapEvents, func(*plugin.Instance) (any, error) { return c.events, nil })
	c.binder.Provide(plugin.CapRegistry, func(*plugin.Instance) (any, error) { return c.registry, nil })
	c.binder.Provide(plugin.CapConfig, func(inst *plugin.Instance) (any, error) {
		if inst == nil {
			return c.cfg.Properties, nil
		}
		return c.unitProperties(inst.Unit)
	})
	c.binder.Provide(plugin.CapUnit, func(inst *plugin.Instance) (any, error) {
		if inst == nil {
			return nil, errors.New("unit capability requires an instance")
		}
		return inst.Unit, nil
	})
	c.binder.Provide(plugin.CapRedefiner, func(*plugin.Instance) (any, error) {
		if c.inst == nil {
			return nil, errors.New("no instrumentation attached")
		}
		return plugin.Redefiner(c.inst), nil
	})
}

// unitProperties returns the global properties overlaid with the unit's own
// properties file. The result is cached for the unit's lifetime.
func (c *Coordinator) unitProperties(u *unit.Unit) (*properties.Properties, error) {
	c.mu.Lock()
	if cur, ok := c.props[u.ID()]; ok && cur.unit == u {
		c.mu.Unlock()
		return cur.props, nil
	}
	c.mu.Unlock()

	p, err := config.UnitProperties(c.cfg.Properties, u.Root())
	if err != nil {
		return nil, fmt.Errorf("unit %s properties: %w", u.ID(), err)
	}
	c.mu.Lock()
	c.props[u.ID()] = unitProps{unit: u, props: p}
	c.mu.Unlock()
	return p, nil
}

func (c *Coordinator) Config() *config.Config                { return c.cfg }
func (c *Coordinator) Catalog() *plugin.Catalog              { return c.catalog }
func (c *Coordinator) Events() *events.Hub                   { return c.events }
func (c *Coordinator) Metrics() *metrics.Metrics             { return c.metrics }
func (c *Coordinator) Scheduler() *scheduler.Scheduler       { return c.scheduler }
func (c *Coordinator) Watcher() *watcher.Watcher             { return c.watcher }
func (c *Coordinator) Registry() *isolation.Registry         { return c.registry }
func (c *Coordinator) Table() *transform.Table               { return c.table }
func (c *Coordinator) BindingErrors() []*binder.BindingError { return c.binder.Errors() }
