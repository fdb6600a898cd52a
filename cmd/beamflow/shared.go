package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/beamflow/beamflow/internal/config"
	"github.com/beamflow/beamflow/internal/dataaccess"
	"github.com/beamflow/beamflow/internal/events"
	"github.com/beamflow/beamflow/internal/observability"
	"github.com/beamflow/beamflow/internal/plugin"
	"github.com/beamflow/beamflow/internal/sandbox"
	"github.com/beamflow/beamflow/internal/storage"
	pgstore "github.com/beamflow/beamflow/internal/storage/postgres"
	sqlitestore "github.com/beamflow/beamflow/internal/storage/sqlite"
	"github.com/beamflow/beamflow/internal/webaccess"
)

// SharedComponents holds all initialized subsystems that both server and
// one-shot modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   storage.Store // Unified store (SQLite or PostgreSQL).
	Obs     *observability.Observability
	Bus     *events.Bus
	Loader  *plugin.DirLoader
	Manager *sandbox.Manager

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization shared between server and
// one-shot modes. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", cfg.DataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Storage (unified: SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	// Run migrations.
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Event bus.
	bus := events.NewBus(logger)
	if obs != nil && obs.Metrics != nil {
		bus.WithDropCounter(obs.Metrics.EventBusDropped)
	}
	sc.Bus = bus

	// Plugin directory loader.
	loader, err := plugin.NewDirLoader(cfg.PluginsDir, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing plugin loader: %w", err)
	}
	sc.Loader = loader
	logger.Debug("plugin loader initialized", slog.String("root", loader.Root()))

	// Sandbox manager.
	manager := sandbox.New(sandbox.Config{
		GlobalLimits: sandbox.ResourceLimits{
			MaxMemoryMB:        cfg.Sandbox.MaxMemoryMB,
			MaxExecutionTime:   cfg.Sandbox.MaxExecutionTime(),
			MaxFileOperations:  cfg.Sandbox.MaxFileOperations,
			MaxNetworkRequests: cfg.Sandbox.MaxNetworkRequests,
			MaxDatabaseQueries: cfg.Sandbox.MaxDatabaseQueries,
		},
	}, store.PluginData(), bus, logger)
	manager.WithFileReader(loader)

	// Network capability collaborator.
	if cfg.WebAccess != nil {
		web := webaccess.New(webaccess.Config{
			AllowedDomains:   cfg.WebAccess.AllowedDomains,
			MaxResponseBytes: cfg.WebAccess.MaxResponseBytes,
			Timeout:          time.Duration(cfg.WebAccess.TimeoutSeconds) * time.Second,
		}, logger)
		manager.WithHTTPClient(web)
		logger.Debug("web access initialized",
			slog.Int("allowed_domains", len(cfg.WebAccess.AllowedDomains)),
		)
	}

	// Database capability collaborator.
	if cfg.DataAccess != nil && cfg.DataAccess.DSN != "" {
		da := dataaccess.New(dataaccess.Config{
			DSN:            cfg.DataAccess.DSN,
			MaxRows:        cfg.DataAccess.MaxRows,
			TimeoutSeconds: cfg.DataAccess.TimeoutSeconds,
		}, logger)
		manager.WithDatabaseClient(da)
		sc.addCleanup(func() {
			if err := da.Close(); err != nil {
				logger.Error("closing data access client", slog.String("error", err.Error()))
			}
		})
		logger.Debug("data access initialized")
	}

	if obs != nil && obs.Metrics != nil {
		manager.WithMetrics(sandbox.NewMetrics(obs.Metrics.Registry))
	}
	if obs != nil && obs.Tracer != nil {
		manager.WithTracer(obs.Tracer.Tracer())
	}
	sc.Manager = manager

	// Readiness: the store must answer a probe read.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("storage", func(ctx context.Context) error {
			_, _, err := store.PluginData().Get(ctx, "beamflow", "readiness")
			return err
		})
	}

	return sc, nil
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.Storage.StorageDriver(); driver {
	case "postgres":
		pg := cfg.Storage.Postgres
		return pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	case "sqlite":
		journalMode := "wal"
		if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.SQLitePath(),
			JournalMode: journalMode,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

// bootstrapPlugins discovers installed plugin bundles, creates a sandbox for
// each, and runs its entry file. A broken bundle never blocks the rest.
func bootstrapPlugins(ctx context.Context, sc *SharedComponents) {
	bundles, err := sc.Loader.Discover()
	if err != nil {
		sc.Logger.Error("plugin discovery failed", slog.String("error", err.Error()))
		return
	}

	for _, b := range bundles {
		pluginID := b.Manifest.ID()

		_, err := sc.Manager.CreateSandbox(pluginID, b.Manifest, sandbox.PermissionLevel(b.Manifest.PermissionLevel))
		if err != nil {
			sc.Logger.Warn("skipping plugin",
				slog.String("plugin_id", pluginID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if _, err := sc.Manager.LoadPluginFile(ctx, pluginID, b.EntryPath); err != nil {
			sc.Logger.Warn("plugin entry failed",
				slog.String("plugin_id", pluginID),
				slog.String("entry", b.EntryPath),
				slog.String("error", err.Error()),
			)
			sc.Manager.DestroySandbox(pluginID)
			continue
		}

		sc.Logger.Info("plugin loaded",
			slog.String("plugin_id", pluginID),
			slog.String("version", b.Manifest.Version),
			slog.String("permission_level", b.Manifest.PermissionLevel),
		)
	}
}
