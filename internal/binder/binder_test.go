package binder

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hotpatch/internal/isolation"
	"github.com/mattjoyce/hotpatch/internal/log"
	"github.com/mattjoyce/hotpatch/internal/plugin"
	"github.com/mattjoyce/hotpatch/internal/transform"
	"github.com/mattjoyce/hotpatch/internal/unit"
	"github.com/mattjoyce/hotpatch/internal/watcher"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type fakeWatches struct {
	added []watcher.Listener
	units []*unit.Unit
	err   error
}

func (f *fakeWatches) AddListener(u *unit.Unit, l watcher.Listener) (watcher.ID, error) {
	f.added = append(f.added, l)
	f.units = append(f.units, u)
	return watcher.ID(len(f.added)), f.err
}

type fixture struct {
	table    *transform.Table
	watches  *fakeWatches
	registry *isolation.Registry
	units    *unit.Table
	binder   *Binder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		table:    transform.NewTable(),
		watches:  &fakeWatches{},
		registry: isolation.New(),
		units:    unit.NewTable(),
	}
	f.binder = New(f.table, f.watches,
		WithUnits(f.units.Lookup),
		WithFirstContact(func(u *unit.Unit, d *plugin.Descriptor) (*plugin.Instance, bool) {
			inst, created, err := f.registry.Register(u, d)
			if err != nil {
				return nil, false
			}
			if created {
				f.binder.Bind(inst)
			}
			return inst, true
		}),
	)
	return f
}

func (f *fixture) define(u unit.ID, name string) []error {
	cls := transform.NewClass(u, name, transform.Define, nil)
	return f.table.Invoke(cls, f.table.Dispatch(u, name, transform.Define))
}

func TestStaticInitResolvesCapabilities(t *testing.T) {
	f := newFixture(t)
	f.binder.Provide(plugin.CapConfig, func(inst *plugin.Instance) (any, error) {
		assert.Nil(t, inst)
		return map[string]string{"mode": "fast"}, nil
	})

	var seen string
	desc := &plugin.Descriptor{
		Name: "static",
		Inits: []plugin.Init{{
			Name:   "configure",
			Static: true,
			Needs:  []plugin.Capability{plugin.CapConfig},
			Fn: func(inst *plugin.Instance, svc plugin.Services) error {
				seen = plugin.MustGet[map[string]string](svc, plugin.CapConfig)["mode"]
				return nil
			},
		}},
	}
	assert.True(t, f.binder.BindStatic(desc))
	assert.Equal(t, "fast", seen)
}

func TestFailingPointsAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.binder.Provide(plugin.CapScheduler, func(*plugin.Instance) (any, error) { return nil, errors.New("not started") })

	ran := false
	desc := &plugin.Descriptor{
		Name: "messy",
		Inits: []plugin.Init{
			{Name: "unknown", Static: true, Needs: []plugin.Capability{"teleporter"}, Fn: func(*plugin.Instance, plugin.Services) error { return nil }},
			{Name: "refused", Static: true, Needs: []plugin.Capability{plugin.CapScheduler}, Fn: func(*plugin.Instance, plugin.Services) error { return nil }},
			{Name: "nohandler", Static: true},
			{Name: "panics", Static: true, Fn: func(*plugin.Instance, plugin.Services) error { panic("boom") }},
			{Name: "fine", Static: true, Fn: func(*plugin.Instance, plugin.Services) error { ran = true; return nil }},
		},
		Transforms: []plugin.Transform{
			{Name: "badpattern", Static: true, Pattern: "(", Fn: func(*plugin.Instance, transform.Class) error { return nil }},
			{Name: "good", Static: true, Pattern: ".*", Fn: func(*plugin.Instance, transform.Class) error { return nil }},
		},
	}

	assert.False(t, f.binder.BindStatic(desc))
	assert.True(t, ran)
	assert.Equal(t, 1, f.table.Len())

	errs := f.binder.Errors()
	require.Len(t, errs, 5)
	points := make([]string, 0, len(errs))
	for _, e := range errs {
		points = append(points, e.Point)
	}
	assert.Equal(t, []string{"unknown", "refused", "nohandler", "panics", "badpattern"}, points)

	var berr *BindingError
	require.ErrorAs(t, error(errs[0]), &berr)
	assert.Contains(t, berr.Error(), `unknown capability "teleporter"`)
}

func TestStaticTransformCreatesInstanceOnFirstContact(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	u, _ := f.units.GetOrCreate("app", "app", root)

	var staticSeen, instanceSeen []string
	desc := &plugin.Descriptor{
		Name: "tracker",
		New:  func(*unit.Unit) (any, error) { return new(int), nil },
		Transforms: []plugin.Transform{
			{Name: "bootstrap", Static: true, Pattern: `com\.example\..*`, Fn: func(inst *plugin.Instance, cls transform.Class) error {
				require.NotNil(t, inst)
				*inst.State.(*int)++
				staticSeen = append(staticSeen, cls.Name())
				return nil
			}},
			{Name: "onApp", Pattern: `com\.example\.App`, Fn: func(inst *plugin.Instance, cls transform.Class) error {
				instanceSeen = append(instanceSeen, cls.Name())
				return nil
			}},
		},
		Watches: []plugin.Watch{{Name: "classes", Path: "classes", Filter: "*.class", Kinds: watcher.Modify, Fn: func(*plugin.Instance, watcher.Event) {}}},
	}
	require.True(t, f.binder.BindStatic(desc))
	assert.Equal(t, 0, f.registry.Count())

	assert.Empty(t, f.define("app", "com.example.Lib"))
	require.Equal(t, 1, f.registry.Count())
	inst, ok := f.registry.Get("app", "tracker")
	require.True(t, ok)

	// The instance transform is now registered for this unit only.
	assert.Empty(t, f.define("app", "com.example.App"))
	assert.Empty(t, f.define("other", "com.example.App"))
	assert.Equal(t, []string{"com.example.App"}, instanceSeen)
	assert.Equal(t, 2, *inst.State.(*int))
	assert.Equal(t, []string{"com.example.Lib", "com.example.App"}, staticSeen)

	require.Len(t, f.watches.added, 1)
	assert.Equal(t, filepath.Join(root, "classes"), f.watches.added[0].Prefix)
	assert.Same(t, u, f.watches.units[0])

	// Disposal removes the unit's instance transform.
	u.Dispose()
	assert.Equal(t, 1, f.table.Len())
	assert.Equal(t, 0, f.registry.Count())
}

func TestStaticTransformIgnoresUnknownUnit(t *testing.T) {
	f := newFixture(t)
	called := false
	desc := &plugin.Descriptor{
		Name: "quiet",
		Transforms: []plugin.Transform{{Static: true, Pattern: ".*", Fn: func(*plugin.Instance, transform.Class) error {
			called = true
			return nil
		}}},
	}
	require.True(t, f.binder.BindStatic(desc))
	assert.Empty(t, f.define("never-created", "A"))
	assert.False(t, called)
}

func TestBindWatchFailures(t *testing.T) {
	f := newFixture(t)
	noRoot, _ := f.units.GetOrCreate("noroot", "", "")
	desc := &plugin.Descriptor{
		Name: "watching",
		Watches: []plugin.Watch{
			{Name: "relative", Path: "src", Fn: func(*plugin.Instance, watcher.Event) {}},
			{Name: "nohandler", Path: "/abs"},
			{Name: "absolute", Path: "/abs", Fn: func(*plugin.Instance, watcher.Event) {}},
		},
	}
	inst := &plugin.Instance{Descriptor: desc, Unit: noRoot}
	assert.False(t, f.binder.Bind(inst))
	require.Len(t, f.watches.added, 1)
	assert.Equal(t, filepath.Clean("/abs"), f.watches.added[0].Prefix)

	// A source error degrades the watch but is not a binding failure.
	f.watches.err = &watcher.SourceError{Prefix: "/abs", Err: os.ErrNotExist}
	only := &plugin.Descriptor{Name: "degraded", Watches: []plugin.Watch{{Path: "/abs", Fn: func(*plugin.Instance, watcher.Event) {}}}}
	assert.True(t, f.binder.Bind(&plugin.Instance{Descriptor: only, Unit: noRoot}))

	noRoot.Dispose()
	assert.False(t, f.binder.Bind(&plugin.Instance{Descriptor: only, Unit: noRoot}))
}

func TestInstanceInitReceivesInstance(t *testing.T) {
	f := newFixture(t)
	u, _ := f.units.GetOrCreate("app", "", "")
	f.binder.Provide(plugin.CapUnit, func(inst *plugin.Instance) (any, error) {
		if inst == nil {
			return nil, errors.New("unit capability needs an instance")
		}
		return inst.Unit, nil
	})

	var got *unit.Unit
	desc := &plugin.Descriptor{
		Name: "scoped",
		Inits: []plugin.Init{{Needs: []plugin.Capability{plugin.CapUnit}, Fn: func(inst *plugin.Instance, svc plugin.Services) error {
			got = plugin.MustGet[*unit.Unit](svc, plugin.CapUnit)
			return nil
		}}},
	}
	assert.True(t, f.binder.Bind(&plugin.Instance{Descriptor: desc, Unit: u}))
	assert.Same(t, u, got)
}

func TestUnitRecreatedDuringDisposalKeepsItsTransforms(t *testing.T) {
	f := newFixture(t)
	var seen []*unit.Unit
	desc := &plugin.Descriptor{
		Name: "scoped",
		Transforms: []plugin.Transform{{Name: "onApp", Pattern: `com\.example\.App`, Fn: func(inst *plugin.Instance, cls transform.Class) error {
			seen = append(seen, inst.Unit)
			return nil
		}}},
	}

	old, _ := f.units.GetOrCreate("app", "", "")
	var fresh *unit.Unit
	old.OnDispose(func(*unit.Unit) {
		fresh, _ = f.units.GetOrCreate("app", "", "")
		assert.True(t, f.binder.Bind(&plugin.Instance{Descriptor: desc, Unit: fresh}))
	})
	require.True(t, f.binder.Bind(&plugin.Instance{Descriptor: desc, Unit: old}))
	require.Equal(t, 1, f.table.Len())

	old.Dispose()
	require.NotNil(t, fresh)
	assert.Equal(t, 1, f.table.Len())
	assert.Empty(t, f.define("app", "com.example.App"))
	require.Len(t, seen, 1)
	assert.Same(t, fresh, seen[0])

	fresh.Dispose()
	assert.Equal(t, 0, f.table.Len())
}
