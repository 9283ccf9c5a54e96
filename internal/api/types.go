package api

import (
	"github.com/mattjoyce/hotpatch/internal/agent"
	"github.com/mattjoyce/hotpatch/internal/events"
	"github.com/mattjoyce/hotpatch/internal/journal"
	"github.com/mattjoyce/hotpatch/internal/plugin"
	"github.com/mattjoyce/hotpatch/internal/scheduler"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Units         int    `json:"units"`
	Instances     int    `json:"instances"`
	Bindings      int    `json:"bindings"`
	Listeners     int    `json:"listeners"`
	Pending       int    `json:"pending"`
	Running       int    `json:"running"`
	// BindingErrors counts recent extension points that failed to bind.
	BindingErrors int `json:"binding_errors"`
	// Events is absent when no hub is wired.
	Events *events.Stats `json:"events,omitempty"`
}

// UnitListResponse is returned by GET /units.
type UnitListResponse struct {
	Units []agent.UnitInfo `json:"units"`
}

// PluginListResponse is returned by GET /plugins.
type PluginListResponse struct {
	Plugins []plugin.Manifest `json:"plugins"`
}

// CommandListResponse is returned by GET /commands.
type CommandListResponse struct {
	// Scheduled lists running and pending identities from the scheduler.
	Scheduled []scheduler.EntryInfo `json:"scheduled"`
	Recent    []journal.Entry       `json:"recent"`
}
