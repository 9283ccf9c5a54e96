package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Catalog holds the known plugin descriptors indexed by name.
type Catalog struct {
	mu       sync.RWMutex
	plugins  map[string]*Descriptor
	disabled map[string]bool
}

// NewCatalog creates a catalog holding descs. It fails on the first invalid
// or duplicate descriptor.
func NewCatalog(descs ...*Descriptor) (*Catalog, error) {
	c := &Catalog{
		plugins:  make(map[string]*Descriptor),
		disabled: make(map[string]bool),
	}
	for _, d := range descs {
		if err := c.Add(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add registers a descriptor.
func (c *Catalog) Add(d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid plugin: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.plugins[d.Name]; exists {
		return fmt.Errorf("plugin %q already registered", d.Name)
	}
	c.plugins[d.Name] = d
	return nil
}

// Get retrieves a descriptor by name.
func (c *Catalog) Get(name string) (*Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.plugins[name]
	return d, ok
}

// All returns every descriptor sorted by name.
func (c *Catalog) All() []*Descriptor {
	c.mu.RLock()
	out := make([]*Descriptor, 0, len(c.plugins))
	for _, d := range c.plugins {
		out = append(out, d)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Disable marks names as disabled and returns those the catalog does not know.
func (c *Catalog) Disable(names ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var unknown []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := c.plugins[n]; !ok {
			unknown = append(unknown, n)
		}
		c.disabled[n] = true
	}
	return unknown
}

// Enabled reports whether name is known and not disabled.
func (c *Catalog) Enabled(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.plugins[name]
	return ok && !c.disabled[name]
}

// EnabledDescriptors returns the enabled descriptors sorted by name.
func (c *Catalog) EnabledDescriptors() []*Descriptor {
	var out []*Descriptor
	for _, d := range c.All() {
		if c.Enabled(d.Name) {
			out = append(out, d)
		}
	}
	return out
}

// Manifests summarises the catalog, marking disabled plugins.
func (c *Catalog) Manifests() []Manifest {
	all := c.All()
	out := make([]Manifest, 0, len(all))
	for _, d := range all {
		m := d.Manifest()
		m.Enabled = c.Enabled(d.Name)
		out = append(out, m)
	}
	return out
}
