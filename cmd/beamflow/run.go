package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/beamflow/beamflow/internal/config"
	"github.com/beamflow/beamflow/internal/plugin"
	"github.com/beamflow/beamflow/internal/sandbox"
)

var (
	runSource  string
	runVerbose bool
)

var runCmd = &cobra.Command{
	Use:   "run <plugin-dir>",
	Short: "Run a plugin bundle once and print the result",
	Long: `Run loads the plugin bundle at <plugin-dir>, creates an ephemeral sandbox
at the manifest's permission level, executes the entry file (or --source), and
prints the completion value as JSON. State is in-memory only.`,
	Args: cobra.ExactArgs(1),
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runSource, "source", "", "execute this code instead of the bundle entry file")
	runCmd.Flags().BoolVar(&runVerbose, "verbose", false, "enable debug logging")
}

func runOnce(cmd *cobra.Command, args []string) error {
	level := slog.LevelWarn
	if runVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dir, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolving plugin dir %q: %w", args[0], err)
	}

	loader, err := plugin.NewDirLoader(filepath.Dir(dir), logger)
	if err != nil {
		return err
	}
	bundle, err := loader.Load(filepath.Base(dir))
	if err != nil {
		return fmt.Errorf("loading plugin bundle: %w", err)
	}

	cfg := config.Default()
	manager := sandbox.New(sandbox.Config{
		GlobalLimits: sandbox.ResourceLimits{
			MaxMemoryMB:        cfg.Sandbox.MaxMemoryMB,
			MaxExecutionTime:   cfg.Sandbox.MaxExecutionTime(),
			MaxFileOperations:  cfg.Sandbox.MaxFileOperations,
			MaxNetworkRequests: cfg.Sandbox.MaxNetworkRequests,
			MaxDatabaseQueries: cfg.Sandbox.MaxDatabaseQueries,
		},
	}, nil, nil, logger)
	manager.WithFileReader(loader)

	pluginID := bundle.Manifest.ID()
	if _, err := manager.CreateSandbox(pluginID, bundle.Manifest, sandbox.PermissionLevel(bundle.Manifest.PermissionLevel)); err != nil {
		return err
	}
	defer manager.DestroySandbox(pluginID)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var result any
	if runSource != "" {
		result, err = manager.Execute(ctx, pluginID, runSource, sandbox.ExecuteOptions{})
	} else {
		result, err = manager.LoadPluginFile(ctx, pluginID, bundle.EntryPath)
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
