package transform

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattjoyce/hotpatch/internal/unit"
)

// Class is the handle to the type currently being defined. Plugins edit it in
// place; the coordinator hands the final bytes back to the host.
type Class interface {
	Name() string
	Unit() unit.ID
	Phase() Phase
	Bytes() []byte
	SetBytes(b []byte)
	// AddMethod requests a new method with the given body.
	AddMethod(name, body string)
	// WrapMethod requests code around an existing method body.
	WrapMethod(name, before, after string)
	Edits() []Edit
}

// EditKind names a structural edit request.
type EditKind string

const (
	EditAddMethod  EditKind = "add_method"
	EditWrapMethod EditKind = "wrap_method"
)

// Edit is one structural change queued on a Class.
type Edit struct {
	Kind   EditKind `json:"kind"`
	Method string   `json:"method"`
	Body   string   `json:"body,omitempty"`
	Before string   `json:"before,omitempty"`
	After  string   `json:"after,omitempty"`
}

// Editor applies queued structural edits to a class representation.
// Hosts that understand their binary format supply one.
type Editor interface {
	Apply(cls Class) ([]byte, error)
}

// Handle is the default Class over raw bytes.
type Handle struct {
	name  string
	unit  unit.ID
	phase Phase

	mu       sync.Mutex
	bytes    []byte
	edits    []Edit
	modified bool
}

// NewClass wraps b for the duration of one definition event.
func NewClass(u unit.ID, name string, phase Phase, b []byte) *Handle {
	return &Handle{name: name, unit: u, phase: phase, bytes: b}
}

func (h *Handle) Name() string  { return h.name }
func (h *Handle) Unit() unit.ID { return h.unit }
func (h *Handle) Phase() Phase  { return h.phase }

func (h *Handle) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bytes
}

func (h *Handle) SetBytes(b []byte) {
	h.mu.Lock()
	h.bytes = b
	h.modified = true
	h.mu.Unlock()
}

func (h *Handle) AddMethod(name, body string) {
	h.push(Edit{Kind: EditAddMethod, Method: name, Body: body})
}

func (h *Handle) WrapMethod(name, before, after string) {
	h.push(Edit{Kind: EditWrapMethod, Method: name, Before: before, After: after})
}

func (h *Handle) Edits() []Edit {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Edit, len(h.edits))
	copy(out, h.edits)
	return out
}

// Modified reports whether any callback changed the bytes or queued edits.
func (h *Handle) Modified() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.modified
}

func (h *Handle) push(e Edit) {
	h.mu.Lock()
	h.edits = append(h.edits, e)
	h.modified = true
	h.mu.Unlock()
}

// ClassFileExt is the suffix of compiled types under a unit root.
const ClassFileExt = ".class"

// NameForFile maps a class file under root to its type name, so
// root/com/example/App.class is com.example.App.
func NameForFile(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") || !strings.HasSuffix(rel, ClassFileExt) {
		return "", false
	}
	rel = strings.TrimSuffix(filepath.ToSlash(rel), ClassFileExt)
	if rel == "" || rel == "." {
		return "", false
	}
	return strings.ReplaceAll(rel, "/", "."), true
}

// FileForName is the inverse of NameForFile.
func FileForName(root, name string) string {
	return filepath.Join(root, filepath.FromSlash(strings.ReplaceAll(name, ".", "/"))+ClassFileExt)
}
