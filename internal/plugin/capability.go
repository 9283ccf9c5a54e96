package plugin

import "github.com/mattjoyce/hotpatch/internal/unit"

// Capability names a process service an Init point can request.
type Capability string

const (
	CapScheduler Capability = "scheduler"
	CapWatcher   Capability = "watcher"
	CapEvents    Capability = "events"
	CapConfig    Capability = "config"
	CapUnit      Capability = "unit"
	CapRedefiner Capability = "redefiner"
	CapRegistry  Capability = "registry"
)

// Services carries the resolved capabilities for one Init invocation.
type Services map[Capability]any

// Get returns the service for c as T.
func Get[T any](svc Services, c Capability) (T, bool) {
	var zero T
	v, ok := svc[c]
	if !ok || v == nil {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// MustGet is Get for Init points that declared c in Needs; the binder
// guarantees the service is present.
func MustGet[T any](svc Services, c Capability) T {
	t, ok := Get[T](svc, c)
	if !ok {
		panic("capability " + string(c) + " not provided")
	}
	return t
}

// Definition is the new content for one type in a redefinition request.
type Definition struct {
	Name  string
	Bytes []byte
}

// Redefiner is the CapRedefiner service: it asks the host to replace the
// named types of u in place.
type Redefiner interface {
	Redefine(u *unit.Unit, defs []Definition) error
}
