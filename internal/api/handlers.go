package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/hotpatch/internal/agent"
	"github.com/mattjoyce/hotpatch/internal/journal"
	"github.com/mattjoyce/hotpatch/internal/plugin"
	"github.com/mattjoyce/hotpatch/internal/unit"
)

const maxCommandLimit = 500

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Runtime.Snapshot()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Units:         len(snap.Units),
		Instances:     snap.Instances,
		Bindings:      snap.Bindings,
		Listeners:     snap.Listeners,
		Pending:       snap.Pending,
		Running:       snap.Running,
		BindingErrors: len(snap.BindingErrors),
	}
	if s.deps.Events != nil {
		st := s.deps.Events.Stats()
		resp.Events = &st
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListUnits handles GET /units.
func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Runtime.Snapshot()
	resp := UnitListResponse{Units: snap.Units}
	if resp.Units == nil {
		resp.Units = []agent.UnitInfo{}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetUnit handles GET /units/{unit}.
func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	id := unit.ID(chi.URLParam(r, "unit"))
	info, ok := s.deps.Runtime.UnitInfo(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unit not found")
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// handleListPlugins handles GET /plugins.
func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	resp := PluginListResponse{Plugins: []plugin.Manifest{}}
	if s.deps.Catalog != nil {
		resp.Plugins = append(resp.Plugins, s.deps.Catalog.Manifests()...)
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListCommands handles GET /commands?limit=&action=&unit=&status=.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := journal.Filter{
		Action: q.Get("action"),
		Unit:   unit.ID(q.Get("unit")),
		Status: q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxCommandLimit)
	}

	resp := CommandListResponse{
		Scheduled: s.deps.Runtime.Snapshot().Commands,
		Recent:    []journal.Entry{},
	}
	if s.deps.Commands != nil {
		entries, err := s.deps.Commands.Recent(r.Context(), f)
		if err != nil {
			s.logger.Error("failed to read command journal", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to read command journal")
			return
		}
		resp.Recent = append(resp.Recent, entries...)
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetCommand handles GET /commands/{id}.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	if s.deps.Commands == nil {
		s.writeError(w, http.StatusNotFound, "command not found")
		return
	}
	id := chi.URLParam(r, "id")
	entry, err := s.deps.Commands.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, journal.ErrEntryNotFound) {
			s.writeError(w, http.StatusNotFound, "command not found")
			return
		}
		s.logger.Error("failed to read command", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read command")
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.routes()))
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
