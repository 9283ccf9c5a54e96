// Package metrics exposes the runtime's Prometheus instruments.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	Registry *prometheus.Registry

	// Dispatch metrics
	DefinitionsTotal     *prometheus.CounterVec
	CallbacksTotal       *prometheus.CounterVec
	DispatchCacheTotal   *prometheus.CounterVec
	TransformBindings    prometheus.Gauge
	BindingFailuresTotal *prometheus.CounterVec

	// Scheduler metrics
	CommandsSubmittedTotal *prometheus.CounterVec
	CommandsMergedTotal    *prometheus.CounterVec
	CommandsExecutedTotal  *prometheus.CounterVec
	CommandDuration        *prometheus.HistogramVec
	CommandsPending        prometheus.Gauge
	CommandsRunning        prometheus.Gauge

	// Watcher metrics
	WatchEventsTotal   *prometheus.CounterVec
	WatchedDirectories prometheus.Gauge
	WatchListeners     prometheus.Gauge

	// Isolation metrics
	UnitsActive     prometheus.Gauge
	PluginInstances prometheus.Gauge
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates and registers all metrics on registry.
func NewWithRegistry(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Registry: registry,
		DefinitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotpatch_definitions_total",
				Help: "Definition events received from the host",
			},
			[]string{"phase"},
		),
		CallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotpatch_transform_callbacks_total",
				Help: "Transform callbacks invoked",
			},
			[]string{"plugin", "status"},
		),
		DispatchCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotpatch_dispatch_cache_total",
				Help: "Dispatch match cache lookups",
			},
			[]string{"result"},
		),
		TransformBindings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hotpatch_transform_bindings",
			Help: "Registered transform bindings",
		}),
		BindingFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotpatch_binding_failures_total",
				Help: "Extension points that failed to bind",
			},
			[]string{"plugin", "kind"},
		),
		CommandsSubmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotpatch_commands_submitted_total",
				Help: "Commands submitted to the scheduler",
			},
			[]string{"action"},
		),
		CommandsMergedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotpatch_commands_merged_total",
				Help: "Submissions coalesced into an already scheduled command",
			},
			[]string{"action"},
		),
		CommandsExecutedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotpatch_commands_executed_total",
				Help: "Command executions by outcome",
			},
			[]string{"action", "status"},
		),
		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hotpatch_command_duration_seconds",
				Help:    "Command execution duration in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"action"},
		),
		CommandsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hotpatch_commands_pending",
			Help: "Commands waiting for their debounce window",
		}),
		CommandsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hotpatch_commands_running",
			Help: "Commands currently executing",
		}),
		WatchEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotpatch_watch_events_total",
				Help: "Filesystem events observed",
			},
			[]string{"kind"},
		),
		WatchedDirectories: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hotpatch_watched_directories",
			Help: "Directories registered with the OS notifier",
		}),
		WatchListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hotpatch_watch_listeners",
			Help: "Registered watch listeners",
		}),
		UnitsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hotpatch_units_active",
			Help: "Live isolation units",
		}),
		PluginInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hotpatch_plugin_instances",
			Help: "Live plugin instances across all units",
		}),
	}

	registry.MustRegister(
		m.DefinitionsTotal,
		m.CallbacksTotal,
		m.DispatchCacheTotal,
		m.TransformBindings,
		m.BindingFailuresTotal,
		m.CommandsSubmittedTotal,
		m.CommandsMergedTotal,
		m.CommandsExecutedTotal,
		m.CommandDuration,
		m.CommandsPending,
		m.CommandsRunning,
		m.WatchEventsTotal,
		m.WatchedDirectories,
		m.WatchListeners,
		m.UnitsActive,
		m.PluginInstances,
	)
	return m
}

func (m *Metrics) RecordDefinition(phase string) {
	if m == nil {
		return
	}
	m.DefinitionsTotal.WithLabelValues(phase).Inc()
}

func (m *Metrics) RecordCallback(plugin string, err error) {
	if m == nil {
		return
	}
	m.CallbacksTotal.WithLabelValues(plugin, status(err)).Inc()
}

func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.DispatchCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	m.DispatchCacheTotal.WithLabelValues("miss").Inc()
}

func (m *Metrics) SetBindings(n int) {
	if m == nil {
		return
	}
	m.TransformBindings.Set(float64(n))
}

func (m *Metrics) RecordBindingFailure(plugin, kind string) {
	if m == nil {
		return
	}
	m.BindingFailuresTotal.WithLabelValues(plugin, kind).Inc()
}

func (m *Metrics) RecordSubmit(action string, merged bool) {
	if m == nil {
		return
	}
	m.CommandsSubmittedTotal.WithLabelValues(action).Inc()
	if merged {
		m.CommandsMergedTotal.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) RecordExecution(action string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.CommandsExecutedTotal.WithLabelValues(action, status(err)).Inc()
	m.CommandDuration.WithLabelValues(action).Observe(d.Seconds())
}

func (m *Metrics) SetSchedulerDepth(pending, running int) {
	if m == nil {
		return
	}
	m.CommandsPending.Set(float64(pending))
	m.CommandsRunning.Set(float64(running))
}

func (m *Metrics) RecordWatchEvent(kind string) {
	if m == nil {
		return
	}
	m.WatchEventsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetWatchState(dirs, listeners int) {
	if m == nil {
		return
	}
	m.WatchedDirectories.Set(float64(dirs))
	m.WatchListeners.Set(float64(listeners))
}

func (m *Metrics) SetUnits(n int) {
	if m == nil {
		return
	}
	m.UnitsActive.Set(float64(n))
}

func (m *Metrics) SetInstances(n int) {
	if m == nil {
		return
	}
	m.PluginInstances.Set(float64(n))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
