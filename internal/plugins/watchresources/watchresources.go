// Package watchresources watches extra resource trees named in the
// watchResources property and publishes batched change notifications.
package watchresources

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/magiconair/properties"

	"github.com/mattjoyce/hotpatch/internal/config"
	"github.com/mattjoyce/hotpatch/internal/events"
	"github.com/mattjoyce/hotpatch/internal/log"
	"github.com/mattjoyce/hotpatch/internal/plugin"
	"github.com/mattjoyce/hotpatch/internal/scheduler"
	"github.com/mattjoyce/hotpatch/internal/unit"
	"github.com/mattjoyce/hotpatch/internal/watcher"
)

const (
	Name   = "watchresources"
	Action = "resources.changed"
)

// Watcher is the part of the file watcher the plugin uses.
type Watcher interface {
	Watch(prefix string) error
	AddListener(u *unit.Unit, l watcher.Listener) (watcher.ID, error)
}

// Submitter is the part of the scheduler the plugin uses.
type Submitter interface {
	Submit(cmd scheduler.Command) bool
}

func Descriptor() *plugin.Descriptor {
	return &plugin.Descriptor{
		Name:        Name,
		Version:     "1.0.0",
		Description: "Publishes batched change events for extra resource directories",
		Inits: []plugin.Init{{
			Name:   "watch",
			Static: true,
			Needs:  []plugin.Capability{plugin.CapWatcher, plugin.CapScheduler, plugin.CapEvents, plugin.CapConfig},
			Fn: func(_ *plugin.Instance, svc plugin.Services) error {
				props := plugin.MustGet[*properties.Properties](svc, plugin.CapConfig)
				r := &Resources{
					watcher:   plugin.MustGet[*watcher.Watcher](svc, plugin.CapWatcher),
					submitter: plugin.MustGet[*scheduler.Scheduler](svc, plugin.CapScheduler),
					events:    plugin.MustGet[*events.Hub](svc, plugin.CapEvents),
					logger:    log.WithPlugin(Name),
				}
				return r.Setup(config.SplitList(props.GetString(config.PropWatchResources, "")))
			},
		}},
	}
}

// Resources holds the services for the configured roots.
type Resources struct {
	watcher   Watcher
	submitter Submitter
	events    events.Publisher
	logger    *slog.Logger
}

// Setup pins each root and subscribes a process-wide listener. Roots that
// cannot be watched stay registered and are reported once by the watcher.
func (r *Resources) Setup(roots []string) error {
	var errs []error
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var serr *watcher.SourceError
		if err := r.watcher.Watch(abs); err != nil && !errors.As(err, &serr) {
			errs = append(errs, err)
			continue
		}
		if _, err := r.watcher.AddListener(nil, watcher.Listener{
			Prefix: abs,
			Kinds:  watcher.AllKinds,
			Fn:     func(ev watcher.Event) { r.changed(abs, ev) },
		}); err != nil && !errors.As(err, &serr) {
			errs = append(errs, err)
			continue
		}
		r.logger.Info("watching resources", "root", abs)
	}
	return errors.Join(errs...)
}

func (r *Resources) changed(root string, ev watcher.Event) {
	r.submitter.Submit(&scheduler.Call{
		ID:        scheduler.Key{Action: Action, Subject: root},
		Args:      []any{ev.Path},
		Mergeable: true,
		Fn: func(_ context.Context, args []any) (any, error) {
			return r.publish(root, args), nil
		},
	})
}

// publish emits one event for the merged batch and returns the paths.
func (r *Resources) publish(root string, args []any) []string {
	seen := make(map[string]struct{}, len(args))
	paths := make([]string, 0, len(args))
	for _, a := range args {
		p, ok := a.(string)
		if !ok {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	r.events.Publish(events.ResourcesChanged, map[string]any{"root": root, "paths": paths})
	r.logger.Debug("resources changed", "root", root, "count", len(paths))
	return paths
}
