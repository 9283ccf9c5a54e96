package watcher

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mattjoyce/hotpatch/internal/unit"
)

// Kind is a bit set of change kinds.
type Kind uint8

const (
	Create Kind = 1 << iota
	Modify
	Delete
)

// AllKinds is used when a listener leaves Kinds zero.
const AllKinds = Create | Modify | Delete

func (k Kind) String() string {
	var parts []string
	if k&Create != 0 {
		parts = append(parts, "create")
	}
	if k&Modify != 0 {
		parts = append(parts, "modify")
	}
	if k&Delete != 0 {
		parts = append(parts, "delete")
	}
	return strings.Join(parts, "|")
}

// ParseKinds turns names like "create" or "modify" into a Kind.
func ParseKinds(names []string) (Kind, error) {
	var k Kind
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "create":
			k |= Create
		case "modify":
			k |= Modify
		case "delete":
			k |= Delete
		case "":
		default:
			return 0, fmt.Errorf("unknown event kind %q", n)
		}
	}
	return k, nil
}

func kindOf(op fsnotify.Op) Kind {
	switch {
	case op.Has(fsnotify.Create):
		return Create
	case op.Has(fsnotify.Write):
		return Modify
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return Delete
	}
	return 0
}

// Event is a change observed under a watched subtree.
type Event struct {
	Path string    `json:"path"`
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`
}

// Listener receives events under Prefix.
type Listener struct {
	Prefix string
	Kinds  Kind
	// Filter is a filepath.Match pattern applied to the base name.
	Filter string
	Fn     func(Event)
}

// ID identifies a registered listener.
type ID uint64

type binding struct {
	id     ID
	unit   *unit.Unit
	prefix string
	kinds  Kind
	filter string
	fn     func(Event)
}

func (b *binding) wants(ev Event) bool {
	if b.kinds&ev.Kind == 0 {
		return false
	}
	if !isUnder(ev.Path, b.prefix) {
		return false
	}
	if b.filter != "" {
		if ok, _ := filepath.Match(b.filter, filepath.Base(ev.Path)); !ok {
			return false
		}
	}
	return b.unit == nil || !b.unit.Disposed()
}

func isUnder(path, prefix string) bool {
	if path == prefix {
		return true
	}
	if prefix == string(filepath.Separator) {
		return strings.HasPrefix(path, prefix)
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// SourceError reports a subtree the notifier could not monitor.
type SourceError struct {
	Prefix string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("watch %s: %v", e.Prefix, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }
