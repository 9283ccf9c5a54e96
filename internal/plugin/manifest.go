package plugin

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/mattjoyce/hotpatch/internal/transform"
	"github.com/mattjoyce/hotpatch/internal/unit"
	"github.com/mattjoyce/hotpatch/internal/watcher"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// Descriptor is the static declaration of a plugin type. It is immutable once
// added to a Catalog.
type Descriptor struct {
	Name    string
	Version string
	// TestedVersions lists host versions the plugin was verified against.
	// Entries may be path.Match patterns such as "1.4.*".
	TestedVersions []string
	Description    string

	// New builds per-instance state. State implementing io.Closer is closed
	// when the owning unit is disposed. A nil New gives instances nil state.
	New func(u *unit.Unit) (any, error)

	Inits      []Init
	Transforms []Transform
	Watches    []Watch
}

// Init requests services by capability. Static inits run once when the
// descriptor is bound; instance inits run after each instantiation.
type Init struct {
	Name   string
	Static bool
	Needs  []Capability
	Fn     func(inst *Instance, svc Services) error
}

// Transform reacts to definition events for types matching Pattern.
// Static transforms fire for any unit and create the unit's instance on first
// contact; instance transforms are scoped to the instance's unit.
type Transform struct {
	Name       string
	Static     bool
	Pattern    string
	OnDefine   bool
	OnRedefine bool
	// IncludeAnonymous opts into compiler-generated nested types.
	IncludeAnonymous bool
	Fn               func(inst *Instance, cls transform.Class) error
}

// Flags converts the declaration into dispatch flags. Declaring neither
// phase means OnDefine.
func (t Transform) Flags() transform.Flags {
	var f transform.Flags
	if t.OnDefine {
		f |= transform.OnDefine
	}
	if t.OnRedefine {
		f |= transform.OnRedefine
	}
	if f == 0 {
		f = transform.OnDefine
	}
	if !t.IncludeAnonymous {
		f |= transform.SkipAnonymous
	}
	return f
}

// Watch subscribes an instance to changes under Path. A relative Path is
// resolved against the unit root.
type Watch struct {
	Name   string
	Path   string
	Filter string
	Kinds  watcher.Kind
	Fn     func(inst *Instance, ev watcher.Event)
}

// Instance is one live plugin bound to a unit.
type Instance struct {
	Descriptor *Descriptor
	Unit       *unit.Unit
	State      any
	CreatedAt  time.Time
}

// Name returns the descriptor name.
func (i *Instance) Name() string {
	if i == nil || i.Descriptor == nil {
		return ""
	}
	return i.Descriptor.Name
}

// UnitID returns the owning unit's ID, or "" for static invocations.
func (i *Instance) UnitID() unit.ID {
	if i == nil || i.Unit == nil {
		return ""
	}
	return i.Unit.ID()
}

// HasStaticTransform reports whether the descriptor can ever be instantiated
// by a definition event.
func (d *Descriptor) HasStaticTransform() bool {
	for _, t := range d.Transforms {
		if t.Static {
			return true
		}
	}
	return false
}

// Supports reports whether hostVersion matches TestedVersions. An empty list
// or empty version supports everything.
func (d *Descriptor) Supports(hostVersion string) bool {
	if len(d.TestedVersions) == 0 || hostVersion == "" {
		return true
	}
	for _, v := range d.TestedVersions {
		if v == hostVersion {
			return true
		}
		if ok, _ := path.Match(v, hostVersion); ok {
			return true
		}
	}
	return false
}

// Validate checks the declaration itself. Handler resolution problems are
// reported later by the binder, per extension point.
func (d *Descriptor) Validate() error {
	if d == nil {
		return fmt.Errorf("descriptor is nil")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("invalid plugin name %q (lowercase letters, digits, '.', '_' and '-')", d.Name)
	}
	if len(d.Inits)+len(d.Transforms)+len(d.Watches) == 0 {
		return fmt.Errorf("plugin %q declares no extension points", d.Name)
	}
	hasInstancePoints := len(d.Watches) > 0
	for _, in := range d.Inits {
		if !in.Static {
			hasInstancePoints = true
		}
	}
	for _, t := range d.Transforms {
		if !t.Static {
			hasInstancePoints = true
		}
	}
	if hasInstancePoints && !d.HasStaticTransform() {
		return fmt.Errorf("plugin %q declares instance extension points but no static transform to create instances", d.Name)
	}
	return nil
}

// Manifest is the serialisable summary of a descriptor.
type Manifest struct {
	Name           string   `yaml:"name" json:"name"`
	Version        string   `yaml:"version,omitempty" json:"version,omitempty"`
	TestedVersions []string `yaml:"tested_versions,omitempty" json:"tested_versions,omitempty"`
	Description    string   `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	Inits          []Point  `yaml:"inits,omitempty" json:"inits,omitempty"`
	Transforms     []Point  `yaml:"transforms,omitempty" json:"transforms,omitempty"`
	Watches        []Point  `yaml:"watches,omitempty" json:"watches,omitempty"`
}

// Point summarises one extension point.
type Point struct {
	Name    string   `yaml:"name,omitempty" json:"name,omitempty"`
	Static  bool     `yaml:"static,omitempty" json:"static,omitempty"`
	Pattern string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Flags   string   `yaml:"flags,omitempty" json:"flags,omitempty"`
	Needs   []string `yaml:"needs,omitempty" json:"needs,omitempty"`
	Path    string   `yaml:"path,omitempty" json:"path,omitempty"`
	Filter  string   `yaml:"filter,omitempty" json:"filter,omitempty"`
	Kinds   string   `yaml:"kinds,omitempty" json:"kinds,omitempty"`
}

// Manifest summarises d.
func (d *Descriptor) Manifest() Manifest {
	m := Manifest{
		Name:           d.Name,
		Version:        d.Version,
		TestedVersions: d.TestedVersions,
		Description:    d.Description,
		Enabled:        true,
	}
	for _, in := range d.Inits {
		needs := make([]string, 0, len(in.Needs))
		for _, c := range in.Needs {
			needs = append(needs, string(c))
		}
		m.Inits = append(m.Inits, Point{Name: in.Name, Static: in.Static, Needs: needs})
	}
	for _, t := range d.Transforms {
		m.Transforms = append(m.Transforms, Point{Name: t.Name, Static: t.Static, Pattern: t.Pattern, Flags: t.Flags().String()})
	}
	for _, w := range d.Watches {
		kinds := w.Kinds
		if kinds == 0 {
			kinds = watcher.AllKinds
		}
		m.Watches = append(m.Watches, Point{Name: w.Name, Path: w.Path, Filter: w.Filter, Kinds: kinds.String()})
	}
	return m
}
