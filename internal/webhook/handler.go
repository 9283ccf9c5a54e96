package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/hotpatch/internal/config"
	"github.com/mattjoyce/hotpatch/internal/log"
	"github.com/mattjoyce/hotpatch/internal/unit"
)

// FromGlobalConfig converts config.WebhookConfig to webhook.Config.
func FromGlobalConfig(wc config.WebhookConfig) (Config, error) {
	if wc.Secret == "" {
		return Config{}, fmt.Errorf("webhook %q: no secret configured", wc.Path)
	}
	size, err := config.ParseSize(wc.MaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("webhook %q: invalid max_body_size %q: %w", wc.Path, wc.MaxBodySize, err)
	}
	return Config{
		Path:            wc.Path,
		Secret:          wc.Secret,
		SignatureHeader: wc.SignatureHeader,
		MaxBodySize:     size,
	}, nil
}

// Handler verifies build notifications and turns them into rescan commands.
type Handler struct {
	config  Config
	rescans Rescanner
	sched   Submitter
	logger  *slog.Logger
}

// New creates a webhook handler. A nil logger uses the component logger.
func New(cfg Config, rescans Rescanner, sched Submitter, logger *slog.Logger) *Handler {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if logger == nil {
		logger = log.WithComponent("webhook")
	} else {
		logger = logger.With("component", "webhook")
	}
	return &Handler{config: cfg, rescans: rescans, sched: sched, logger: logger}
}

// Path returns the URL path the handler expects to be mounted on.
func (h *Handler) Path() string { return h.config.Path }

// ServeHTTP handles a build notification POST.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Enforce body size limit
	body, err := io.ReadAll(io.LimitReader(r.Body, h.config.MaxBodySize+1))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > h.config.MaxBodySize {
		respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(h.config.SignatureHeader)
	if signature == "" {
		h.logger.Warn("webhook signature missing", "path", r.URL.Path, "header", h.config.SignatureHeader)
		respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := verifyHMACSignature(body, signature, h.config.Secret); err != nil {
		h.logger.Warn("webhook signature verification failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	var note BuildNotification
	if err := json.Unmarshal(body, &note); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	note.Unit = normalizeUnit(note.Unit)
	if note.Unit == "" {
		respondError(w, http.StatusBadRequest, "unit is required")
		return
	}
	if len(note.Paths) == 0 {
		respondError(w, http.StatusBadRequest, "paths must not be empty")
		return
	}
	if len(note.Paths) > maxPaths {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("at most %d paths per notification", maxPaths))
		return
	}

	cmd := h.rescans.RescanCommand(note.Unit, note.Paths)
	merged := h.sched.Submit(cmd)

	h.logger.Info("rescan submitted",
		"unit", note.Unit,
		"paths", len(note.Paths),
		"merged", merged,
		"request_id", middleware.GetReqID(r.Context()),
	)

	respondJSON(w, http.StatusAccepted, AcceptedResponse{
		Command: cmd.Key().String(),
		Unit:    string(note.Unit),
		Paths:   len(note.Paths),
		Merged:  merged,
	})
}

func normalizeUnit(id unit.ID) unit.ID {
	return unit.ID(strings.Trim(strings.TrimSpace(string(id)), "/"))
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
