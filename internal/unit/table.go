package unit

import (
	"sort"
	"sync"
)

// Table indexes the live units by ID. Disposed units drop out on their own.
type Table struct {
	mu    sync.RWMutex
	units map[ID]*Unit
	// onCreate runs for every unit the table creates, outside the lock.
	onCreate []func(*Unit)
}

// NewTable returns a table holding only the system unit.
func NewTable() *Table {
	t := &Table{units: make(map[ID]*Unit)}
	t.units[System] = New(System, "system", "")
	return t
}

// OnCreate registers fn to run for each unit created through GetOrCreate.
// Units that already exist are not replayed.
func (t *Table) OnCreate(fn func(*Unit)) {
	t.mu.Lock()
	t.onCreate = append(t.onCreate, fn)
	t.mu.Unlock()
}

// Lookup returns the live unit for id.
func (t *Table) Lookup(id ID) (*Unit, bool) {
	t.mu.RLock()
	u, ok := t.units[id]
	t.mu.RUnlock()
	if !ok || u.Disposed() {
		return nil, false
	}
	return u, true
}

// Alive reports whether id names a live unit.
func (t *Table) Alive(id ID) bool {
	_, ok := t.Lookup(id)
	return ok
}

// GetOrCreate returns the live unit for id, creating it if needed.
// A disposed unit with the same id is replaced by a fresh one.
func (t *Table) GetOrCreate(id ID, name, root string) (*Unit, bool) {
	t.mu.Lock()
	if u, ok := t.units[id]; ok && !u.Disposed() {
		t.mu.Unlock()
		return u, false
	}
	u := New(id, name, root)
	t.units[u.ID()] = u
	hooks := append([]func(*Unit){}, t.onCreate...)
	t.mu.Unlock()

	u.OnDispose(func(d *Unit) {
		t.mu.Lock()
		if cur, ok := t.units[d.ID()]; ok && cur == d {
			delete(t.units, d.ID())
		}
		t.mu.Unlock()
	})
	for _, fn := range hooks {
		fn(u)
	}
	return u, true
}

// All returns the live units sorted by ID.
func (t *Table) All() []*Unit {
	t.mu.RLock()
	out := make([]*Unit, 0, len(t.units))
	for _, u := range t.units {
		if !u.Disposed() {
			out = append(out, u)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of live units, including the system unit.
func (t *Table) Len() int {
	return len(t.All())
}
