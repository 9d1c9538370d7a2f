package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/engine"
	"github.com/wardenhq/warden/pkg/instance"
	"github.com/wardenhq/warden/pkg/macro"
	"github.com/wardenhq/warden/pkg/policy"
	"github.com/wardenhq/warden/pkg/stores"
	"github.com/wardenhq/warden/pkg/telemetry"
)

func newServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task engine daemon",
		Long: `Start the Warden daemon: the task engine, the macro store watcher,
the notification history writer and the metrics endpoint, all supervised
together until interrupted.`,
		Example: `  # Run with the built-in defaults
  warden serve

  # Run with a config file
  warden serve --config warden.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath, version)
		},
	}
	return cmd
}

func serve(ctx context.Context, configPath, version string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	cfg.Telemetry.ServiceVersion = version

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	logger := tel.Logger

	supervisor := instance.NewLocalSupervisor(logger)

	macros, err := macro.NewStore(cfg.Macros.Dir, logger)
	if err != nil {
		return fmt.Errorf("failed to load macro directory: %w", err)
	}

	policies, err := policy.NewEngine(logger)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	bridge := macro.NewBridge(version, supervisor, macro.Options{
		Timeout:           cfg.Macros.Timeout,
		MaxSteps:          cfg.Macros.MaxSteps,
		CancelGracePeriod: cfg.Macros.CancelGracePeriod,
	}, logger)

	eng, err := engine.New(engine.Options{
		MaxLiveTasks:     cfg.Engine.MaxLiveTasks,
		RetentionWindow:  cfg.Engine.RetentionWindow,
		SweepInterval:    cfg.Engine.SweepInterval,
		SubscriberBuffer: cfg.Engine.SubscriberBuffer,
	}, engine.Deps{
		Supervisor: supervisor,
		Bridge:     bridge,
		Macros:     macros,
		Policies:   policies,
		Metrics:    tel.Metrics,
		Tracer:     tel.Tracer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var group run.Group

	// Signal / parent context.
	{
		runCtx, cancel := context.WithCancel(ctx)
		group.Add(
			func() error {
				<-runCtx.Done()
				logger.Info().Msg("Shutting down")
				return runCtx.Err()
			},
			func(_ error) { cancel() },
		)
	}

	// Macro directory watcher.
	{
		watchCtx, cancel := context.WithCancel(ctx)
		group.Add(
			func() error { return macros.Watch(watchCtx) },
			func(_ error) { cancel() },
		)
	}

	// Notification history writer.
	if cfg.Database.Path != "" {
		store, err := stores.NewEventStore(cfg.Database.Path, logger)
		if err != nil {
			return err
		}
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("failed to open notification history: %w", err)
		}

		drainCtx, cancel := context.WithCancel(ctx)
		sub := eng.Subscribe()
		group.Add(
			func() error {
				store.Drain(drainCtx, sub)
				return nil
			},
			func(_ error) {
				cancel()
				sub.Close()
				if err := store.Close(); err != nil {
					logger.Error().Err(err).Msg("Failed to close notification history")
				}
			},
		)
	}

	// Metrics endpoint.
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Telemetry.Metrics.Path, tel.Metrics.Handler())
		server := &http.Server{
			Addr:              cfg.Telemetry.Metrics.ListenAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Add(
			func() error {
				logger.Info().Str("addr", server.Addr).Msg("Serving metrics")
				err := server.ListenAndServe()
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			},
			func(_ error) {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			},
		)
	}

	logger.Info().
		Str("version", version).
		Str("macro_dir", cfg.Macros.Dir).
		Msg("Warden daemon started")

	err = group.Run()

	eng.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := tel.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", shutdownErr)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
