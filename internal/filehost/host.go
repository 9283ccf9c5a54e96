// Package filehost is a host that treats a directory tree as a running
// program: each top-level directory is an isolation unit and each class file
// under it is a type. It drives the runtime without a real class loader.
package filehost

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/hotpatch/internal/agent"
	"github.com/mattjoyce/hotpatch/internal/log"
	"github.com/mattjoyce/hotpatch/internal/plugin"
	"github.com/mattjoyce/hotpatch/internal/scheduler"
	"github.com/mattjoyce/hotpatch/internal/transform"
	"github.com/mattjoyce/hotpatch/internal/unit"
	"github.com/mattjoyce/hotpatch/internal/watcher"
)

// RescanAction is the scheduler action for build-tool notifications.
const RescanAction = "rescan"

// ErrUnknownType is returned when redefining a type the host never defined.
var ErrUnknownType = errors.New("type not defined")

// Units creates and looks up units; the coordinator implements it.
type Units interface {
	Unit(id unit.ID, name, root string) *unit.Unit
	LookupUnit(id unit.ID) (*unit.Unit, bool)
}

// Watches is the part of the file watcher the host uses.
type Watches interface {
	Watch(prefix string) error
	AddListener(u *unit.Unit, l watcher.Listener) (watcher.ID, error)
}

// Host implements agent.Instrumentation over a directory.
type Host struct {
	root   string
	logger *slog.Logger

	mu           sync.Mutex
	transformers []agent.Transformer
	units        Units
	// defined holds the digest of each type's current definition per unit.
	defined map[unit.ID]map[string]string
}

var _ agent.Instrumentation = (*Host)(nil)

type Option func(*Host)

func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l.With("component", "filehost") }
}

func New(root string, opts ...Option) (*Host, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve host root %q: %w", root, err)
	}
	h := &Host{
		root:    abs,
		logger:  log.WithComponent("filehost"),
		defined: make(map[unit.ID]map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Root returns the absolute host directory.
func (h *Host) Root() string { return h.root }

// AddTransformer implements agent.Instrumentation.
func (h *Host) AddTransformer(t agent.Transformer) {
	h.mu.Lock()
	h.transformers = append(h.transformers, t)
	h.mu.Unlock()
}

// Attach sets the unit source. It must be called before Scan.
func (h *Host) Attach(units Units) {
	h.mu.Lock()
	h.units = units
	h.mu.Unlock()
}

// Start defines everything under the root and then follows changes through
// w: new unit directories and class files are defined, removed unit
// directories are disposed.
func (h *Host) Start(ctx context.Context, w Watches) error {
	if err := os.MkdirAll(h.root, 0o755); err != nil {
		return fmt.Errorf("create host root: %w", err)
	}
	if err := w.Watch(h.root); err != nil {
		return err
	}
	if _, err := w.AddListener(nil, watcher.Listener{
		Prefix: h.root,
		Kinds:  watcher.Create | watcher.Delete,
		Fn:     h.handle,
	}); err != nil {
		return err
	}
	return h.Scan(ctx)
}

// Scan defines every class file not yet defined, creating units for
// top-level directories as needed.
func (h *Host) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(h.root)
	if err != nil {
		return fmt.Errorf("read host root: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.IsDir() {
			continue
		}
		if err := h.scanUnit(filepath.Join(h.root, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Redefine implements plugin.Redefiner: each definition is passed through
// the transformers as a redefinition and becomes the type's current
// content.
func (h *Host) Redefine(u *unit.Unit, defs []plugin.Definition) error {
	if u == nil || u.Disposed() {
		return fmt.Errorf("redefine: unit is not live")
	}
	h.mu.Lock()
	types := h.defined[u.ID()]
	var missing []string
	for _, d := range defs {
		if _, ok := types[d.Name]; !ok {
			missing = append(missing, d.Name)
		}
	}
	h.mu.Unlock()
	if len(missing) > 0 {
		return fmt.Errorf("redefine %v in unit %s: %w", missing, u.ID(), ErrUnknownType)
	}

	for _, d := range defs {
		h.load(u, d.Name, d.Bytes, true)
	}
	h.logger.Info("types redefined", "unit", u.ID(), "count", len(defs))
	return nil
}

// Rescan redefines the listed files of unit id, given relative to the unit
// root or absolute. Types not yet defined are defined instead.
func (h *Host) Rescan(id unit.ID, paths []string) (int, error) {
	if !validUnitID(id) {
		return 0, fmt.Errorf("invalid unit id %q", id)
	}
	if info, err := os.Stat(filepath.Join(h.root, string(id))); err != nil || !info.IsDir() {
		return 0, fmt.Errorf("unknown unit %q", id)
	}
	u, err := h.unitFor(id)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(u.Root(), p)
		}
		name, ok := transform.NameForFile(u.Root(), p)
		if !ok {
			errs = append(errs, fmt.Errorf("%s is not a class file of unit %s", p, id))
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		h.load(u, name, b, h.isDefined(id, name))
		n++
	}
	return n, errors.Join(errs...)
}

// RescanCommand builds the mergeable scheduler command for a build-tool
// notification about unit id.
func (h *Host) RescanCommand(id unit.ID, paths []string) *scheduler.Call {
	args := make([]any, len(paths))
	for i, p := range paths {
		args[i] = p
	}
	return &scheduler.Call{
		ID:        scheduler.Key{Action: RescanAction, Unit: id},
		Args:      args,
		Mergeable: true,
		Fn: func(_ context.Context, args []any) (any, error) {
			seen := make(map[string]struct{}, len(args))
			paths := make([]string, 0, len(args))
			for _, a := range args {
				if p, ok := a.(string); ok {
					if _, dup := seen[p]; !dup {
						seen[p] = struct{}{}
						paths = append(paths, p)
					}
				}
			}
			return h.Rescan(id, paths)
		},
	}
}

// Digest returns the BLAKE3 digest of the type's current definition.
func (h *Host) Digest(id unit.ID, name string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.defined[id][name]
	return d, ok
}

// Types lists the defined types of unit id, sorted.
func (h *Host) Types(id unit.ID) []string {
	h.mu.Lock()
	out := make([]string, 0, len(h.defined[id]))
	for name := range h.defined[id] {
		out = append(out, name)
	}
	h.mu.Unlock()
	sort.Strings(out)
	return out
}

func (h *Host) handle(ev watcher.Event) {
	parent := filepath.Dir(ev.Path)
	switch ev.Kind {
	case watcher.Create:
		if parent == h.root {
			if info, err := os.Stat(ev.Path); err == nil && info.IsDir() {
				if err := h.scanUnit(ev.Path); err != nil {
					h.logger.Warn("unit scan failed", "path", ev.Path, "error", err)
				}
			}
			return
		}
		id, ok := h.unitOf(ev.Path)
		if !ok {
			return
		}
		u, err := h.unitFor(id)
		if err != nil {
			return
		}
		name, ok := transform.NameForFile(u.Root(), ev.Path)
		if !ok || h.isDefined(id, name) {
			return
		}
		b, err := os.ReadFile(ev.Path)
		if err != nil {
			h.logger.Debug("new class file unreadable", "path", ev.Path, "error", err)
			return
		}
		h.load(u, name, b, false)
	case watcher.Delete:
		if parent == h.root {
			h.disposeUnit(unit.ID(filepath.Base(ev.Path)))
			return
		}
		if id, ok := h.unitOf(ev.Path); ok {
			if u, ok := h.lookup(id); ok {
				if name, ok := transform.NameForFile(u.Root(), ev.Path); ok {
					h.mu.Lock()
					delete(h.defined[id], name)
					h.mu.Unlock()
				}
			}
		}
	}
}

func (h *Host) scanUnit(dir string) error {
	id := unit.ID(filepath.Base(dir))
	u, err := h.unitFor(id)
	if err != nil {
		return err
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name, ok := transform.NameForFile(u.Root(), path)
		if !ok || h.isDefined(id, name) {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			h.logger.Warn("class file unreadable", "path", path, "error", err)
			return nil
		}
		h.load(u, name, b, false)
		return nil
	})
}

// load runs the transformers and records the resulting digest.
func (h *Host) load(u *unit.Unit, name string, b []byte, redefinition bool) {
	h.mu.Lock()
	ts := append([]agent.Transformer(nil), h.transformers...)
	h.mu.Unlock()

	for _, t := range ts {
		b = t.Transform(u, name, b, redefinition)
	}
	sum := blake3.Sum256(b)

	h.mu.Lock()
	types, ok := h.defined[u.ID()]
	if !ok {
		types = make(map[string]string)
		h.defined[u.ID()] = types
	}
	types[name] = hex.EncodeToString(sum[:])
	h.mu.Unlock()
	h.logger.Debug("type loaded", "unit", u.ID(), "type", name, "redefinition", redefinition)
}

// unitFor returns the live unit for id, creating it rooted at the unit
// directory.
func (h *Host) unitFor(id unit.ID) (*unit.Unit, error) {
	h.mu.Lock()
	units := h.units
	h.mu.Unlock()
	if units == nil {
		return nil, errors.New("host has no unit source attached")
	}
	u := units.Unit(id, string(id), filepath.Join(h.root, string(id)))
	return u, nil
}

func (h *Host) lookup(id unit.ID) (*unit.Unit, bool) {
	h.mu.Lock()
	units := h.units
	h.mu.Unlock()
	if units == nil {
		return nil, false
	}
	return units.LookupUnit(id)
}

func (h *Host) disposeUnit(id unit.ID) {
	h.mu.Lock()
	delete(h.defined, id)
	h.mu.Unlock()
	if u, ok := h.lookup(id); ok {
		u.Dispose()
		h.logger.Info("unit removed", "unit", id)
	}
}

func (h *Host) isDefined(id unit.ID, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.defined[id][name]
	return ok
}

// unitOf maps a path under the root to its top-level directory's unit.
func (h *Host) unitOf(path string) (unit.ID, bool) {
	rel, err := filepath.Rel(h.root, path)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	first, _, _ := strings.Cut(rel, "/")
	return unit.ID(first), true
}

func validUnitID(id unit.ID) bool {
	s := string(id)
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
