package agent

import (
	"time"

	"github.com/mattjoyce/hotpatch/internal/scheduler"
	"github.com/mattjoyce/hotpatch/internal/unit"
)

// Snapshot is a point-in-time view of the runtime for the admin API.
type Snapshot struct {
	StartedAt     time.Time             `json:"started_at"`
	Units         []UnitInfo            `json:"units"`
	Instances     int                   `json:"instances"`
	Bindings      int                   `json:"bindings"`
	Listeners     int                   `json:"listeners"`
	WatchedDirs   int                   `json:"watched_dirs"`
	Pending       int                   `json:"pending"`
	Running       int                   `json:"running"`
	Commands      []scheduler.EntryInfo `json:"commands"`
	BindingErrors []string              `json:"binding_errors,omitempty"`
}

type UnitInfo struct {
	ID        unit.ID        `json:"id"`
	Name      string         `json:"name"`
	Root      string         `json:"root,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Instances []InstanceInfo `json:"instances"`
}

type InstanceInfo struct {
	Plugin    string    `json:"plugin"`
	Version   string    `json:"version,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot reports units, instances, bindings and commands.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	started := c.startedAt
	c.mu.Unlock()

	snap := Snapshot{
		StartedAt:   started,
		Instances:   c.registry.Count(),
		Bindings:    c.table.Len(),
		Listeners:   c.watcher.Listeners(),
		WatchedDirs: c.watcher.Watched(),
		Pending:     c.scheduler.Pending(),
		Running:     c.scheduler.Running(),
		Commands:    c.scheduler.Snapshot(),
	}
	for _, u := range c.units.All() {
		snap.Units = append(snap.Units, c.unitInfo(u))
	}
	for _, err := range c.binder.Errors() {
		snap.BindingErrors = append(snap.BindingErrors, err.Error())
	}
	return snap
}

// UnitInfo describes one live unit.
func (c *Coordinator) UnitInfo(id unit.ID) (UnitInfo, bool) {
	u, ok := c.units.Lookup(id)
	if !ok {
		return UnitInfo{}, false
	}
	return c.unitInfo(u), true
}

func (c *Coordinator) unitInfo(u *unit.Unit) UnitInfo {
	info := UnitInfo{
		ID:        u.ID(),
		Name:      u.Name(),
		Root:      u.Root(),
		CreatedAt: u.CreatedAt(),
		Instances: []InstanceInfo{},
	}
	for _, inst := range c.registry.Instances(u.ID()) {
		info.Instances = append(info.Instances, InstanceInfo{
			Plugin:    inst.Name(),
			Version:   inst.Descriptor.Version,
			CreatedAt: inst.CreatedAt,
		})
	}
	return info
}
