// Package unit models isolation units: the module or loader boundaries that
// scope plugin instances, transform bindings and watch listeners.
//
// Go has no weak maps, so the host owns each Unit and signals its end with
// Dispose. Components that keep per-unit state subscribe with OnDispose the
// first time they see a unit, which keeps cleanup automatic from the host's
// point of view: one Dispose call, no enumeration of what to remove.
package unit

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ID identifies a unit.
type ID string

// System is the process-wide unit used for coordinator-internal plugins.
// It is never disposed.
const System ID = "system"

// Unit is one isolation boundary.
type Unit struct {
	id        ID
	name      string
	root      string
	createdAt time.Time

	mu       sync.Mutex
	disposed bool
	hooks    map[int]func(*Unit)
	nextHook int
}

// New creates a unit. An empty id gets a random one.
func New(id ID, name, root string) *Unit {
	if id == "" {
		id = ID(uuid.NewString())
	}
	if name == "" {
		name = string(id)
	}
	return &Unit{
		id:        id,
		name:      name,
		root:      root,
		createdAt: time.Now().UTC(),
		hooks:     make(map[int]func(*Unit)),
	}
}

func (u *Unit) ID() ID               { return u.id }
func (u *Unit) Name() string         { return u.name }
func (u *Unit) CreatedAt() time.Time { return u.createdAt }

// Root is the unit's resource directory, or "" if it has none.
func (u *Unit) Root() string { return u.root }

// Disposed reports whether Dispose has been called.
func (u *Unit) Disposed() bool {
	if u == nil {
		return true
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.disposed
}

// OnDispose registers fn to run once when the unit is disposed. If the unit
// is already disposed fn runs immediately. The returned func unregisters fn.
func (u *Unit) OnDispose(fn func(*Unit)) (cancel func()) {
	u.mu.Lock()
	if u.disposed {
		u.mu.Unlock()
		fn(u)
		return func() {}
	}
	id := u.nextHook
	u.nextHook++
	u.hooks[id] = fn
	u.mu.Unlock()

	return func() {
		u.mu.Lock()
		delete(u.hooks, id)
		u.mu.Unlock()
	}
}

// Dispose marks the unit dead and runs the disposal hooks in registration
// order. Calling it more than once is a no-op. The system unit ignores it.
func (u *Unit) Dispose() {
	if u.id == System {
		return
	}
	u.mu.Lock()
	if u.disposed {
		u.mu.Unlock()
		return
	}
	u.disposed = true
	ids := make([]int, 0, len(u.hooks))
	for id := range u.hooks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hooks := make([]func(*Unit), 0, len(ids))
	for _, id := range ids {
		hooks = append(hooks, u.hooks[id])
	}
	u.hooks = nil
	u.mu.Unlock()

	for _, fn := range hooks {
		fn(u)
	}
}
