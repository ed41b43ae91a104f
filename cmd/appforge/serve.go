package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/appforge/internal/artifact"
	"github.com/szaher/appforge/internal/config"
	"github.com/szaher/appforge/internal/coordinator"
	"github.com/szaher/appforge/internal/events"
	"github.com/szaher/appforge/internal/genai"
	"github.com/szaher/appforge/internal/sandbox"
	"github.com/szaher/appforge/internal/scheduler"
	"github.com/szaher/appforge/internal/server"
	"github.com/szaher/appforge/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the generation engine HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			logger := newLogger(cfg)
			stack, err := buildStack(cfg, logger)
			if err != nil {
				return err
			}
			defer stack.Close()

			srv := server.NewServer(stack.coord,
				server.WithLogger(logger),
				server.WithMetrics(stack.metrics),
				server.WithAPIKey(cfg.Server.APIKey),
			)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe(cfg.Server.Addr) }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logger.Info("shutting down", "signal", sig.String())
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(ctx)
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}

// stack bundles the engine components behind the HTTP server.
type stack struct {
	coord     *coordinator.Coordinator
	metrics   *telemetry.Metrics
	broker    *events.Broker
	sandboxes *sandbox.Manager
}

func (s *stack) Close() {
	s.coord.Close()
	if s.sandboxes != nil {
		s.sandboxes.Close()
	}
}

func buildStack(cfg *config.Config, logger *slog.Logger) (*stack, error) {
	metrics := telemetry.NewMetrics()
	broker := events.NewBroker(logger)

	processor, err := artifact.NewProcessor(cfg.Artifacts.MaxBytes, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("build artifact processor: %w", err)
	}

	var archive artifact.Archive
	switch cfg.Artifacts.Archive {
	case "disk":
		archive = artifact.NewDiskArchive(cfg.Artifacts.Dir)
	case "s3":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		archive, err = artifact.NewS3Archive(ctx, cfg.Artifacts.Bucket, cfg.Artifacts.Prefix)
		if err != nil {
			return nil, fmt.Errorf("build s3 archive: %w", err)
		}
	}

	var sandboxes *sandbox.Manager
	if cfg.Sandbox.Enabled {
		provider := &sandbox.LocalProvider{Root: cfg.Sandbox.Root}
		sandboxes = sandbox.NewManager(provider, broker, logger, metrics, sandbox.Options{
			MaxSandboxes: cfg.Sandbox.MaxSandboxes,
			MemoryMB:     cfg.Sandbox.MemoryMB,
			IdleTTL:      cfg.Sandbox.IdleTTL,
			MaxAge:       cfg.Sandbox.MaxAge,
			PreviewHost:  cfg.Sandbox.PreviewHost,
		})
	}

	generator := genai.NewAnthropicGenerator()

	coord := coordinator.New(generator, processor, sandboxes, broker, archive, logger, metrics,
		coordinator.Options{
			MaxConcurrent:  cfg.Generation.MaxConcurrent,
			TaskTimeout:    cfg.Generation.TaskTimeout,
			SessionTimeout: cfg.Generation.SessionTimeout,
			SessionExpiry:  cfg.Generation.SessionExpiry,
			Model:          cfg.Generation.Model,
			Policy: scheduler.Policy{
				MaxAttempts:       cfg.Generation.MaxAttempts,
				InitialDelay:      cfg.Generation.InitialDelay,
				MaxDelay:          cfg.Generation.MaxDelay,
				BackoffMultiplier: 2.0,
			},
		})

	return &stack{coord: coord, metrics: metrics, broker: broker, sandboxes: sandboxes}, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	return telemetry.NewLogger(os.Stderr, level)
}
