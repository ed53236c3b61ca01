// Package main implements axisd, the Axis orchestration daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"axis.run/meridian/internal/config"
	"axis.run/meridian/internal/lifecycle"
)

// Build information (set via ldflags), matching cmd/semspec/main.go.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath      string
		natsURL         string
		gearManifestDir string
		policyRulesPath string
		logLevel        string
	)

	rootCmd := &cobra.Command{
		Use:     "axisd",
		Short:   "Axis orchestration daemon",
		Long:    "axisd runs the Axis runtime: Job queue, pipeline orchestrator, Gear sandboxes, and the HTTP/WS bridge, all in one process.",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), daemonOptions{
				configPath:      configPath,
				natsURL:         natsURL,
				gearManifestDir: gearManifestDir,
				policyRulesPath: policyRulesPath,
				logLevel:        logLevel,
			})
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (default: embedded)")
	rootCmd.Flags().StringVar(&gearManifestDir, "gear-dir", "", "Gear manifest directory (default: <dataDir>/gears)")
	rootCmd.Flags().StringVar(&policyRulesPath, "policy-rules", "", "Policy rules file (default: <dataDir>/policy-rules.yaml)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	ctx := context.Background()
	return rootCmd.ExecuteContext(ctx)
}

type daemonOptions struct {
	configPath      string
	natsURL         string
	gearManifestDir string
	policyRulesPath string
	logLevel        string
}

func runDaemon(ctx context.Context, opts daemonOptions) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(opts.logLevel)}))

	loader := config.NewLoader(logger)
	cfg, err := loader.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if opts.natsURL != "" {
		cfg.NATS.URL = opts.natsURL
		cfg.NATS.Embedded = false
	}

	rt, err := lifecycle.Build(ctx, cfg, lifecycle.BuildOptions{
		GearManifestDir: opts.gearManifestDir,
		PolicyRulesPath: opts.policyRulesPath,
	}, logger)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	logger.Info("axisd started", slog.String("httpAddr", cfg.HTTPAddr), slog.String("dataDir", cfg.DataDir))
	return rt.Run(ctx)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
