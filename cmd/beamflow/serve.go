package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/beamflow/beamflow/internal/config"
	"github.com/beamflow/beamflow/internal/gateway/httpapi"
	"github.com/beamflow/beamflow/internal/gateway/ws"
	"github.com/beamflow/beamflow/internal/ratelimit"
	"github.com/beamflow/beamflow/internal/reporter"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the plugin runtime server (admin API, event stream, usage reporter)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `beamflow --config path` and `beamflow serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen port (e.g. :8080)")
	}
}

// runServe starts the runtime in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("BEAMFLOW_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateway == nil {
			cfg.Gateway = &config.GatewayConfig{Enabled: true}
		}
		cfg.Gateway.ListenAddr = servePort
	}

	logger.Info("starting in server mode", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load installed plugins.
	bootstrapPlugins(ctx, sc)

	// Periodic usage reporter.
	if cfg.Reporter != nil && cfg.Reporter.Enabled {
		var gauges reporter.Gauges
		if sc.Obs != nil && sc.Obs.Metrics != nil {
			gauges = sc.Obs.Metrics
		}
		rep := reporter.New(sc.Manager, gauges, cfg.Reporter.CronSchedule(), logger)
		if err := rep.Start(); err != nil {
			return err
		}
		defer rep.Stop()
	}

	if cfg.Gateway == nil || !cfg.Gateway.Enabled {
		logger.Info("admin api disabled, running headless")
		<-ctx.Done()
		logger.Info("shutdown signal received")
		return nil
	}

	gw := buildGateway(cfg, sc)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}

// buildGateway assembles the admin API gateway from shared components.
func buildGateway(cfg *config.Config, sc *SharedComponents) *httpapi.Gateway {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
	})

	// Build API key → operator ID mapping from config + env override.
	apiKeys := cfg.Gateway.APIKeys
	if apiKeys == nil {
		apiKeys = make(map[string]string)
	}
	if envKeys := os.Getenv("BEAMFLOW_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				apiKeys[parts[0]] = parts[1]
			}
		}
	}

	httpCfg := httpapi.Config{
		ListenAddr: cfg.Gateway.Addr(),
		EnableDocs: cfg.Gateway.EnableDocs,
		APIKeys:    apiKeys,
	}
	if sc.Obs != nil {
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	gw := httpapi.NewGateway(httpCfg, sc.Manager, limiter, sc.Logger).
		WithLoader(sc.Loader).
		WithAudit(sc.Store.Audit())

	// WebSocket event stream, mounted on the same server.
	if cfg.Gateway.EventStream {
		wsServer := ws.NewServer(sc.Bus, ws.Config{Token: cfg.Gateway.EventStreamToken}, sc.Logger)
		gw.WithHandler("/v1/events", wsServer.Handler())
		sc.Logger.Debug("event stream endpoint enabled", slog.String("path", "/v1/events"))
	}

	return gw
}
