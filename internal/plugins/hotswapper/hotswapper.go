// Package hotswapper redefines a unit's types when their class files change
// on disk.
package hotswapper

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/hotpatch/internal/log"
	"github.com/mattjoyce/hotpatch/internal/plugin"
	"github.com/mattjoyce/hotpatch/internal/scheduler"
	"github.com/mattjoyce/hotpatch/internal/transform"
	"github.com/mattjoyce/hotpatch/internal/unit"
	"github.com/mattjoyce/hotpatch/internal/watcher"
)

const (
	Name   = "hotswapper"
	Action = "hotswap"
)

// Submitter is the part of the scheduler the swapper uses.
type Submitter interface {
	Submit(cmd scheduler.Command) bool
}

// Descriptor declares the plugin. Its static transform sees every type
// defined in a unit, which creates the unit's Swapper on first contact.
func Descriptor() *plugin.Descriptor {
	return &plugin.Descriptor{
		Name:        Name,
		Version:     "1.0.0",
		Description: "Redefines changed class files in place",
		New:         func(u *unit.Unit) (any, error) { return New(u), nil },
		Inits: []plugin.Init{{
			Name:  "setup",
			Needs: []plugin.Capability{plugin.CapScheduler, plugin.CapRedefiner},
			Fn: func(inst *plugin.Instance, svc plugin.Services) error {
				s := inst.State.(*Swapper)
				s.Attach(
					plugin.MustGet[*scheduler.Scheduler](svc, plugin.CapScheduler),
					plugin.MustGet[plugin.Redefiner](svc, plugin.CapRedefiner),
				)
				return nil
			},
		}},
		Transforms: []plugin.Transform{{
			Name:             "track",
			Static:           true,
			Pattern:          ".*",
			OnDefine:         true,
			OnRedefine:       true,
			IncludeAnonymous: true,
			Fn: func(inst *plugin.Instance, cls transform.Class) error {
				inst.State.(*Swapper).Remember(cls.Name(), cls.Bytes())
				return nil
			},
		}},
		Watches: []plugin.Watch{{
			Name:   "classes",
			Path:   ".",
			Filter: "*" + transform.ClassFileExt,
			Kinds:  watcher.Modify,
			Fn: func(inst *plugin.Instance, ev watcher.Event) {
				inst.State.(*Swapper).Changed(ev)
			},
		}},
	}
}

// Swapper is the per-unit plugin state.
type Swapper struct {
	unit   *unit.Unit
	logger *slog.Logger

	mu        sync.Mutex
	submitter Submitter
	redefiner plugin.Redefiner
	digests   map[string]string
}

// Report is the value of a finished hotswap command.
type Report struct {
	Redefined []string `json:"redefined"`
	Unchanged int      `json:"unchanged"`
	Missing   int      `json:"missing"`
}

func New(u *unit.Unit) *Swapper {
	return &Swapper{
		unit:    u,
		logger:  log.WithPlugin(Name).With("unit", u.ID()),
		digests: make(map[string]string),
	}
}

// Attach supplies the services resolved by the setup Init point.
func (s *Swapper) Attach(sub Submitter, r plugin.Redefiner) {
	s.mu.Lock()
	s.submitter, s.redefiner = sub, r
	s.mu.Unlock()
}

// Remember records the digest of a type as the host last defined or
// redefined it, whichever path triggered that.
func (s *Swapper) Remember(name string, b []byte) {
	d := digest(b)
	s.mu.Lock()
	s.digests[name] = d
	s.mu.Unlock()
}

// Changed queues a hotswap for the file behind ev. Bursts of changes merge
// into one command per unit.
func (s *Swapper) Changed(ev watcher.Event) {
	if _, ok := transform.NameForFile(s.unit.Root(), ev.Path); !ok {
		return
	}
	s.mu.Lock()
	sub := s.submitter
	s.mu.Unlock()
	if sub == nil {
		s.logger.Warn("class changed before scheduler was attached", "path", ev.Path)
		return
	}
	sub.Submit(&scheduler.Call{
		ID:        scheduler.Key{Action: Action, Unit: s.unit.ID()},
		Args:      []any{ev.Path},
		Mergeable: true,
		Fn:        s.Swap,
		Target:    s.unit,
	})
}

// Swap redefines the types behind the batched paths whose content changed.
// Anonymous types are grouped with their enclosing type, and a changed
// enclosing type pulls in its changed anonymous siblings.
func (s *Swapper) Swap(ctx context.Context, args []any) (any, error) {
	s.mu.Lock()
	redefiner := s.redefiner
	s.mu.Unlock()
	if redefiner == nil {
		return nil, errors.New("no redefiner attached")
	}

	root := s.unit.Root()
	names := make(map[string]struct{})
	for _, a := range args {
		p, ok := a.(string)
		if !ok {
			continue
		}
		if name, ok := transform.NameForFile(root, p); ok {
			names[name] = struct{}{}
		}
	}
	for name := range names {
		if transform.IsAnonymous(name) {
			continue
		}
		for _, sib := range s.anonymousSiblings(name) {
			names[sib] = struct{}{}
		}
	}

	report := &Report{}
	var defs []plugin.Definition
	fresh := make(map[string]string)
	for _, name := range orderByEnclosing(names) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := os.ReadFile(transform.FileForName(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				report.Missing++
				continue
			}
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		d := digest(b)
		s.mu.Lock()
		same := s.digests[name] == d
		s.mu.Unlock()
		if same {
			report.Unchanged++
			continue
		}
		defs = append(defs, plugin.Definition{Name: name, Bytes: b})
		fresh[name] = d
	}

	if len(defs) == 0 {
		s.logger.Debug("nothing to redefine", "unchanged", report.Unchanged, "missing", report.Missing)
		return report, nil
	}
	if err := redefiner.Redefine(s.unit, defs); err != nil {
		return nil, fmt.Errorf("redefine %d types: %w", len(defs), err)
	}

	s.mu.Lock()
	for name, d := range fresh {
		s.digests[name] = d
	}
	s.mu.Unlock()
	for _, def := range defs {
		report.Redefined = append(report.Redefined, def.Name)
	}
	s.logger.Info("types redefined", "count", len(defs), "types", report.Redefined)
	return report, nil
}

// anonymousSiblings lists the anonymous types compiled next to name.
func (s *Swapper) anonymousSiblings(name string) []string {
	file := transform.FileForName(s.unit.Root(), name)
	base := strings.TrimSuffix(filepath.Base(file), transform.ClassFileExt)
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(file), globEscape(base)+"$*"+transform.ClassFileExt))
	if err != nil {
		return nil
	}
	var out []string
	for _, m := range matches {
		sib, ok := transform.NameForFile(s.unit.Root(), m)
		if ok && transform.IsAnonymous(sib) && transform.EnclosingName(sib) == name {
			out = append(out, sib)
		}
	}
	return out
}

// orderByEnclosing sorts names so each enclosing type precedes its
// anonymous types.
func orderByEnclosing(names map[string]struct{}) []string {
	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		ei, ej := transform.EnclosingName(out[i]), transform.EnclosingName(out[j])
		if ei != ej {
			return ei < ej
		}
		ai, aj := transform.IsAnonymous(out[i]), transform.IsAnonymous(out[j])
		if ai != aj {
			return !ai
		}
		return out[i] < out[j]
	})
	return out
}

func digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`)
	return r.Replace(s)
}
