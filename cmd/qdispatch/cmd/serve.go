package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/api"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/config"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/dispatch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run dispatch cycles on an interval",
	Long: `Run a dispatch cycle immediately and then every dispatch.interval until
interrupted. Touching the wake file runs a cycle right away.

Cycles still go through the process lease, so 'serve' coexists with
'qdispatch cycle' runs started by an external scheduler.

Examples:
  # Loop with the configured interval
  qdispatch serve

  # Also expose the read-only status API
  qdispatch serve --api --addr 127.0.0.1:8765`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveAPI      bool
	serveAddr     string
	serveInterval string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveAPI, "api", false,
		"serve the read-only status API (overrides api.enabled)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "",
		"status API listen address (overrides api.addr)")
	serveCmd.Flags().StringVar(&serveInterval, "interval", "",
		"cycle interval (overrides dispatch.interval)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveInterval != "" {
		cfg.Dispatch.Interval = serveInterval
		if err := config.ValidateConfig(cfg); err != nil {
			return err
		}
	}
	if serveAPI {
		cfg.API.Enabled = true
	}
	if serveAddr != "" {
		cfg.API.Addr = serveAddr
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	deps, err := buildDispatcher(cfg, store, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	loop := dispatch.NewLoop(dispatch.LoopConfig{
		Runner:   deps.Dispatcher,
		Interval: cfg.Dispatch.IntervalDuration(),
		WakeFile: cfg.WakeFile(),
		Logger:   logger.Slog(),
	})

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	logger.Info("serving",
		"interval", cfg.Dispatch.IntervalDuration(),
		"wake_file", cfg.WakeFile(),
		"api", cfg.API.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	if cfg.API.Enabled {
		server := api.NewServer(store, store,
			api.WithLogger(logger.Slog()),
			api.WithCORSOrigins(cfg.API.CORSOrigins),
			api.WithStatus(func() any { return loop.Status() }),
		)
		g.Go(func() error {
			if err := server.ListenAndServe(gctx, cfg.API.Addr); err != nil {
				return fmt.Errorf("status API: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info("serve stopped", "cycles", loop.Status().Cycles)
	return err
}
