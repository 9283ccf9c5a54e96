package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/hotpatch/internal/agent"
	"github.com/mattjoyce/hotpatch/internal/api"
	"github.com/mattjoyce/hotpatch/internal/config"
	"github.com/mattjoyce/hotpatch/internal/events"
	"github.com/mattjoyce/hotpatch/internal/filehost"
	"github.com/mattjoyce/hotpatch/internal/journal"
	"github.com/mattjoyce/hotpatch/internal/lock"
	"github.com/mattjoyce/hotpatch/internal/log"
	"github.com/mattjoyce/hotpatch/internal/metrics"
	"github.com/mattjoyce/hotpatch/internal/plugin"
	"github.com/mattjoyce/hotpatch/internal/plugins/hotswapper"
	"github.com/mattjoyce/hotpatch/internal/plugins/watchresources"
	"github.com/mattjoyce/hotpatch/internal/storage"
	"github.com/mattjoyce/hotpatch/internal/webhook"
)

// newCoordinator builds the runtime coordinator. run uses the process-wide
// instance; tests swap in agent.New.
var newCoordinator = agent.Init

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the live-patching runtime over host.root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := configureLogging(cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, log.WithComponent("main"))
			if err != nil {
				return err
			}
			defer rt.Close()
			return rt.Run(ctx)
		},
	}
}

func configureLogging(cfg *config.Config) error {
	if err := log.Configure(log.Options{
		Level:  cfg.Service.LogLevel,
		Levels: cfg.Service.LogLevels,
		Format: cfg.Service.LogFormat,
		File:   cfg.Service.LogFile,
		Append: cfg.Service.LogAppend,
	}); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	return nil
}

// builtinCatalog returns the bundled plugins. The hotswapper is disabled
// unless auto_hotswap is set.
func builtinCatalog(cfg *config.Config) (*plugin.Catalog, error) {
	cat, err := plugin.NewCatalog(hotswapper.Descriptor(), watchresources.Descriptor())
	if err != nil {
		return nil, err
	}
	if !cfg.Agent.AutoHotswap {
		cat.Disable(hotswapper.Name)
	}
	return cat, nil
}

// runner owns everything "hotpatch run" starts.
type runner struct {
	cfg    *config.Config
	logger *slog.Logger

	lock    *lock.PIDLock
	db      *sql.DB
	journal *journal.Store
	host    *filehost.Host
	coord   *agent.Coordinator
	api     *api.Server
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *runner, err error) {
	rt := &runner{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	lockPath := lock.PathFor(cfg.Journal.Path)
	if rt.lock, err = lock.Acquire(lockPath); err != nil {
		return nil, err
	}
	logger.Info("acquired PID lock", "path", lockPath)

	if rt.db, err = openJournal(ctx, cfg.Journal.Path); err != nil {
		return nil, err
	}
	rt.journal = journal.New(rt.db)
	logger.Info("journal opened", "path", cfg.Journal.Path)

	catalog, err := builtinCatalog(cfg)
	if err != nil {
		return nil, fmt.Errorf("build plugin catalog: %w", err)
	}
	if rt.host, err = filehost.New(cfg.Host.Root); err != nil {
		return nil, err
	}

	hub := events.NewHub(cfg.Service.EventBuffer)
	m := metrics.New()
	if rt.coord, err = newCoordinator(rt.host, cfg,
		agent.WithCatalog(catalog),
		agent.WithRecorder(rt.journal),
		agent.WithEvents(hub),
		agent.WithMetrics(m),
	); err != nil {
		return nil, fmt.Errorf("create coordinator: %w", err)
	}
	rt.host.Attach(rt.coord)

	if cfg.API.Enabled {
		deps := api.Deps{
			Runtime:  rt.coord,
			Catalog:  catalog,
			Commands: rt.journal,
			Events:   hub,
			Metrics:  m,
		}
		if cfg.Webhooks.Enabled {
			wcfg, err := webhook.FromGlobalConfig(cfg.Webhooks)
			if err != nil {
				return nil, fmt.Errorf("configure webhooks: %w", err)
			}
			h := webhook.New(wcfg, rt.host, rt.coord.Scheduler(), log.WithComponent("webhook"))
			deps.Webhook, deps.WebhookPath = h, h.Path()
		}
		rt.api = api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.Auth.APIKey}, deps, log.WithComponent("api"))
	}
	return rt, nil
}

func openJournal(ctx context.Context, path string) (*sql.DB, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return db, nil
}

// Run starts the coordinator and the host, then the API if enabled, and
// blocks until ctx is cancelled or a component fails.
func (rt *runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	rt.coord.Start(gctx)
	defer rt.coord.Stop()

	if err := rt.host.Start(gctx, rt.coord.Watcher()); err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	snap := rt.coord.Snapshot()
	rt.logger.Info("hotpatch running",
		"version", currentVersionInfo().Version,
		"root", rt.host.Root(),
		"units", len(snap.Units),
		"bindings", snap.Bindings)

	if rt.api != nil {
		g.Go(func() error {
			if err := rt.api.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	if err != nil {
		rt.logger.Error("component failed", "error", err)
	} else {
		rt.logger.Info("shutting down")
	}
	return err
}

// Close releases the journal and the lock. It is safe after a partial
// newRuntime.
func (rt *runner) Close() {
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			rt.logger.Warn("close journal", "error", err)
		}
		rt.db = nil
	}
	if rt.lock != nil {
		if err := rt.lock.Release(); err != nil {
			rt.logger.Warn("release lock", "error", err)
		}
		rt.lock = nil
	}
}
