package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/magiconair/properties"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hotpatch/internal/config"
	"github.com/mattjoyce/hotpatch/internal/events"
	"github.com/mattjoyce/hotpatch/internal/log"
	"github.com/mattjoyce/hotpatch/internal/plugin"
	"github.com/mattjoyce/hotpatch/internal/scheduler"
	"github.com/mattjoyce/hotpatch/internal/transform"
	"github.com/mattjoyce/hotpatch/internal/unit"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type fakeHost struct {
	mu           sync.Mutex
	transformers []Transformer
	redefined    map[unit.ID][]plugin.Definition
}

func (h *fakeHost) AddTransformer(t Transformer) {
	h.mu.Lock()
	h.transformers = append(h.transformers, t)
	h.mu.Unlock()
}

func (h *fakeHost) Redefine(u *unit.Unit, defs []plugin.Definition) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.redefined == nil {
		h.redefined = make(map[unit.ID][]plugin.Definition)
	}
	h.redefined[u.ID()] = append(h.redefined[u.ID()], defs...)
	return nil
}

type upperEditor struct{ calls int }

func (e *upperEditor) Apply(cls transform.Class) ([]byte, error) {
	e.calls++
	out := append([]byte{}, cls.Bytes()...)
	for _, ed := range cls.Edits() {
		out = append(out, []byte("+"+ed.Method)...)
	}
	return out, nil
}

func newCoordinator(t *testing.T, cfg *config.Config, descs ...*plugin.Descriptor) (*Coordinator, *fakeHost) {
	t.Helper()
	cat, err := plugin.NewCatalog(descs...)
	require.NoError(t, err)
	host := &fakeHost{}
	c, err := New(host, cfg, WithCatalog(cat))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(func() {
		cancel()
		c.Stop()
	})
	return c, host
}

func TestNewRegistersHook(t *testing.T) {
	_, host := newCoordinator(t, nil)
	require.Len(t, host.transformers, 1)
}

func TestTransformAppliesPluginEdits(t *testing.T) {
	desc := &plugin.Descriptor{
		Name: "stamper",
		New:  func(*unit.Unit) (any, error) { return &sync.Map{}, nil },
		Transforms: []plugin.Transform{
			{Name: "contact", Static: true, Pattern: `app\..*`, Fn: func(*plugin.Instance, transform.Class) error { return nil }},
			{Name: "stamp", Pattern: `app\.Main`, Fn: func(inst *plugin.Instance, cls transform.Class) error {
				cls.SetBytes(append(cls.Bytes(), '!'))
				return nil
			}},
		},
	}
	c, _ := newCoordinator(t, nil, desc)
	u := c.Unit("u1", "first", "")

	// The first definition only creates the instance.
	assert.Equal(t, []byte("lib"), c.Transform(u, "app.Lib", []byte("lib"), false))
	assert.Equal(t, []byte("main!"), c.Transform(u, "app.Main", []byte("main"), false))
	assert.Equal(t, []byte("other"), c.Transform(u, "other.Main", []byte("other"), false))

	// Another unit has its own instance and nothing bound yet.
	u2 := c.Unit("u2", "", "")
	assert.Equal(t, []byte("main"), c.Transform(u2, "app.Main", []byte("main"), false))
	assert.Equal(t, 2, c.Registry().Count())

	snap := c.Snapshot()
	require.Len(t, snap.Units, 3)
	assert.Equal(t, unit.ID("system"), snap.Units[0].ID)
	require.Len(t, snap.Units[1].Instances, 1)
	assert.Equal(t, "stamper", snap.Units[1].Instances[0].Plugin)
	assert.Equal(t, 3, snap.Bindings)

	// Disposing a unit removes its instance and instance bindings.
	u.Dispose()
	assert.Equal(t, 1, c.Registry().Count())
	assert.Equal(t, 2, c.Table().Len())
	_, ok := c.LookupUnit("u1")
	assert.False(t, ok)
	assert.NotEmpty(t, c.Events().Filter(events.UnitDisposed))
}

func TestTransformNeverFails(t *testing.T) {
	desc := &plugin.Descriptor{
		Name: "broken",
		Transforms: []plugin.Transform{
			{Name: "panics", Static: true, Pattern: ".*", Fn: func(*plugin.Instance, transform.Class) error { panic("boom") }},
			{Name: "errors", Static: true, Pattern: ".*", Fn: func(_ *plugin.Instance, cls transform.Class) error {
				cls.SetBytes([]byte("partial"))
				return errors.New("gave up")
			}},
		},
	}
	c, _ := newCoordinator(t, nil, desc)
	u := c.Unit("u1", "", "")

	out := c.Transform(u, "A", []byte("orig"), false)
	assert.Equal(t, []byte("partial"), out)
	assert.Len(t, c.Events().Filter(events.TransformFailed), 2)
	assert.Len(t, c.Events().Filter(events.ClassDefined), 1)

	// A nil unit falls back to the system unit.
	assert.NotPanics(t, func() { c.Transform(nil, "B", []byte("x"), true) })
}

func TestDisabledPluginsAreNotBound(t *testing.T) {
	cfg := config.Defaults()
	cfg.Agent.DisabledPlugins = []string{"quiet", "missing"}
	called := false
	desc := &plugin.Descriptor{
		Name: "quiet",
		Transforms: []plugin.Transform{{Static: true, Pattern: ".*", Fn: func(*plugin.Instance, transform.Class) error {
			called = true
			return nil
		}}},
	}
	c, _ := newCoordinator(t, cfg, desc)
	c.Transform(c.Unit("u", "", ""), "A", nil, false)
	assert.False(t, called)
	assert.Equal(t, 0, c.Table().Len())
}

func TestStructuralEditsUseEditor(t *testing.T) {
	desc := &plugin.Descriptor{
		Name: "tracer",
		Transforms: []plugin.Transform{{Static: true, Pattern: ".*", Fn: func(_ *plugin.Instance, cls transform.Class) error {
			cls.AddMethod("trace", "return")
			return nil
		}}},
	}
	cat, err := plugin.NewCatalog(desc)
	require.NoError(t, err)
	editor := &upperEditor{}
	c, err := New(nil, nil, WithCatalog(cat), WithEditor(editor))
	require.NoError(t, err)
	c.Start(context.Background())
	defer c.Stop()

	out := c.Transform(c.Unit("u", "", ""), "A", []byte("A"), false)
	assert.Equal(t, []byte("A+trace"), out)
	assert.Equal(t, 1, editor.calls)
}

func TestCapabilities(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, config.UnitPropertiesFile), []byte("mode = unit\n"), 0o644))

	var (
		staticMode, unitMode string
		redefiner            plugin.Redefiner
		gotUnit              *unit.Unit
	)
	desc := &plugin.Descriptor{
		Name: "needy",
		Inits: []plugin.Init{
			{Name: "global", Static: true, Needs: []plugin.Capability{plugin.CapConfig}, Fn: func(_ *plugin.Instance, svc plugin.Services) error {
				staticMode = plugin.MustGet[*properties.Properties](svc, plugin.CapConfig).GetString("mode", "global")
				return nil
			}},
			{Name: "scoped", Needs: []plugin.Capability{plugin.CapConfig, plugin.CapUnit, plugin.CapRedefiner}, Fn: func(_ *plugin.Instance, svc plugin.Services) error {
				unitMode = plugin.MustGet[*properties.Properties](svc, plugin.CapConfig).GetString("mode", "global")
				gotUnit = plugin.MustGet[*unit.Unit](svc, plugin.CapUnit)
				redefiner = plugin.MustGet[plugin.Redefiner](svc, plugin.CapRedefiner)
				return nil
			}},
		},
		Transforms: []plugin.Transform{{Static: true, Pattern: ".*", Fn: func(*plugin.Instance, transform.Class) error { return nil }}},
	}
	c, host := newCoordinator(t, nil, desc)
	u := c.Unit("app", "", root)
	c.Transform(u, "A", nil, false)

	assert.Equal(t, "global", staticMode)
	assert.Equal(t, "unit", unitMode)
	assert.Same(t, u, gotUnit)
	require.NotNil(t, redefiner)
	require.NoError(t, redefiner.Redefine(u, []plugin.Definition{{Name: "A"}}))
	assert.Len(t, host.redefined["app"], 1)
	assert.Empty(t, c.BindingErrors())
}

func TestRedefinerWithoutHost(t *testing.T) {
	desc := &plugin.Descriptor{
		Name:  "swapper",
		Inits: []plugin.Init{{Static: true, Needs: []plugin.Capability{plugin.CapRedefiner}, Fn: func(*plugin.Instance, plugin.Services) error { return nil }}},
	}
	cat, err := plugin.NewCatalog(desc)
	require.NoError(t, err)
	c, err := New(nil, nil, WithCatalog(cat))
	require.NoError(t, err)
	c.Start(context.Background())
	defer c.Stop()

	errs := c.BindingErrors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "no instrumentation attached")
}

func TestSchedulerCapabilityRunsCommands(t *testing.T) {
	cfg := config.Defaults()
	cfg.Service.TickInterval = 10 * time.Millisecond
	cfg.Service.Debounce = 10 * time.Millisecond
	c, _ := newCoordinator(t, cfg)

	done := make(chan struct{})
	c.Scheduler().Submit(callCommand("ping", func() { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("command did not run")
	}
	assert.Eventually(t, func() bool { return c.Snapshot().Running == 0 }, time.Second, 10*time.Millisecond)
}

func callCommand(action string, fn func()) *scheduler.Call {
	return &scheduler.Call{
		ID: scheduler.Key{Action: action},
		Fn: func(context.Context, []any) (any, error) {
			fn()
			return nil, nil
		},
	}
}

func TestInitReturnsSameCoordinator(t *testing.T) {
	first, err := Init(nil, nil)
	require.NoError(t, err)
	second, err := Init(&fakeHost{}, config.Defaults())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Same(t, first, Default())
}
