package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/hotpatch/internal/agent"
	"github.com/mattjoyce/hotpatch/internal/events"
	"github.com/mattjoyce/hotpatch/internal/journal"
	"github.com/mattjoyce/hotpatch/internal/metrics"
	"github.com/mattjoyce/hotpatch/internal/plugin"
	"github.com/mattjoyce/hotpatch/internal/unit"
)

// Runtime is the read side of the coordinator.
type Runtime interface {
	Snapshot() agent.Snapshot
	UnitInfo(id unit.ID) (agent.UnitInfo, bool)
}

// PluginCatalog lists the known plugin descriptors.
type PluginCatalog interface {
	Manifests() []plugin.Manifest
}

// CommandLog reads the command journal.
type CommandLog interface {
	Recent(ctx context.Context, f journal.Filter) ([]journal.Entry, error)
	Get(ctx context.Context, id string) (*journal.Entry, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey enables bearer auth on every route except /healthz, /metrics
	// and the webhook. Empty disables auth.
	APIKey string
}

// Deps are the components the API reads from. Only Runtime is required.
type Deps struct {
	Runtime  Runtime
	Catalog  PluginCatalog
	Commands CommandLog
	Events   *events.Hub
	Metrics  *metrics.Metrics
	// Webhook is mounted at WebhookPath outside bearer auth; it verifies
	// its own signatures.
	Webhook     http.Handler
	WebhookPath string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: /events streams for the life of the client.
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.config.APIKey != "")

	// Run server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	if s.deps.Webhook != nil && s.deps.WebhookPath != "" {
		r.Method(http.MethodPost, s.deps.WebhookPath, s.deps.Webhook)
	}

	// Protected API.
	r.Group(func(r chi.Router) {
		if s.config.APIKey != "" {
			r.Use(s.authMiddleware)
		}
		r.Get("/openapi.json", s.handleOpenAPI)
		r.Get("/units", s.handleListUnits)
		r.Get("/units/{unit}", s.handleGetUnit)
		r.Get("/plugins", s.handleListPlugins)
		r.Get("/commands", s.handleListCommands)
		r.Get("/commands/{id}", s.handleGetCommand)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		level := slog.LevelInfo
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
