package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/lucy/internal/config"
	"github.com/haasonsaas/lucy/internal/service"
)

// shutdownTimeout bounds the drain after SIGINT/SIGTERM.
const shutdownTimeout = 30 * time.Second

// buildServeCmd creates the "serve" command that runs the control plane.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Lucy server",
		Long: `Start the control plane with every configured component.

The server will:
1. Load and validate configuration
2. Open the task store and tenant workspace
3. Build the tool registry, capability index, and cron scheduler
4. Connect chat ingress (Socket Mode and/or signed HTTP events)
5. Start the HTTP surface for health, SLOs, and metrics

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with the default config file
  lucy serve

  # Start with an explicit config
  lucy serve --config /etc/lucy/production.yaml

  # Start with debug logging
  lucy serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	svc, err := service.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize service: %w", err)
	}
	logger := svc.Logger()

	// Cancel on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	logger.Info(ctx, "lucy serving",
		"version", version,
		"addr", svc.Addr(),
		"config", configPath,
	)

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info(context.Background(), "lucy stopped gracefully")
	return nil
}
