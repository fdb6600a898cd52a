// Package reporter periodically snapshots every active sandbox's resource
// usage for the metrics and log collaborators. It is pure observability:
// it never mutates sandbox state.
package reporter

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/beamflow/beamflow/internal/sandbox"
)

// Gauges is the metric surface the reporter writes to. Nil is valid and
// means log-only reporting.
type Gauges interface {
	SetActiveSandboxes(n float64)
}

// Reporter runs scheduled usage snapshots.
type Reporter struct {
	manager  *sandbox.Manager
	gauges   Gauges
	logger   *slog.Logger
	schedule string
	cron     *cron.Cron
}

// New creates a reporter with the given cron schedule
// (e.g. "@every 1m" or "*/30 * * * * *" with seconds enabled).
func New(manager *sandbox.Manager, gauges Gauges, schedule string, logger *slog.Logger) *Reporter {
	return &Reporter{
		manager:  manager,
		gauges:   gauges,
		logger:   logger,
		schedule: schedule,
		cron:     cron.New(cron.WithSeconds()),
	}
}

// Start registers the snapshot job and starts the scheduler.
func (r *Reporter) Start() error {
	// robfig/cron with seconds wants 6 fields; descriptors ("@every ...")
	// pass through unchanged.
	if _, err := r.cron.AddFunc(r.schedule, r.snapshot); err != nil {
		return fmt.Errorf("registering usage reporter schedule %q: %w", r.schedule, err)
	}
	r.cron.Start()
	r.logger.Info("usage reporter started", slog.String("schedule", r.schedule))
	return nil
}

// Stop halts the scheduler and waits for a running snapshot to finish.
func (r *Reporter) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("usage reporter stopped")
}

// snapshot logs one usage line per sandbox and refreshes the gauges.
func (r *Reporter) snapshot() {
	infos := r.manager.AllInfo()
	if r.gauges != nil {
		r.gauges.SetActiveSandboxes(float64(len(infos)))
	}

	for _, info := range infos {
		r.logger.Info("sandbox usage",
			slog.String("plugin_id", info.PluginID),
			slog.String("permission_level", string(info.Level)),
			slog.Float64("memory_mb", info.Usage.MemoryMB),
			slog.Duration("execution_time", info.Usage.ExecutionTime),
			slog.Int("file_operations", info.Usage.FileOperations),
			slog.Int("network_requests", info.Usage.NetworkRequests),
			slog.Int("database_queries", info.Usage.DatabaseQueries),
			slog.Duration("uptime", info.Uptime),
		)
	}
}
