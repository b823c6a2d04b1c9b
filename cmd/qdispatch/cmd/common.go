package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/adapters/worker"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/config"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/dispatch"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/lock"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/scheduler"
)

// loadConfig loads and validates configuration using the global viper, so
// the persistent flag bindings apply.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger writes to stderr so stdout stays machine readable.
func newLogger(cfg *config.Config, out io.Writer) *logging.Logger {
	if out == nil {
		out = os.Stderr
	}
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: out,
	})
}

func openStore(cfg *config.Config) (*state.SQLiteStore, error) {
	store, err := state.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	return store, nil
}

// dispatchDeps holds what a dispatcher needs beyond the store.
type dispatchDeps struct {
	Dispatcher *dispatch.Dispatcher
	Worker     *worker.CommandWorker
	Lease      *lock.ProcessLease
	Locks      *lock.RepoLocks
}

// Close stops running workers and releases shared resources.
func (d *dispatchDeps) Close() {
	d.Worker.Stop()
	_ = d.Lease.Close()
	_ = d.Locks.Close()
}

// buildDispatcher wires the dispatcher from configuration.
func buildDispatcher(cfg *config.Config, store *state.SQLiteStore, logger *logging.Logger) (*dispatchDeps, error) {
	w, err := worker.NewCommandWorker(cfg.Worker.Command,
		worker.WithArgs(cfg.Worker.Args...),
		worker.WithEnv(cfg.Worker.Env),
		worker.WithGracePeriod(cfg.Worker.GracePeriodValue()),
		worker.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	prompts, err := dispatch.NewPromptRenderer()
	if err != nil {
		return nil, err
	}

	locks := lock.NewRepoLocks()
	lease := lock.NewProcessLease(cfg.LockPath(),
		lock.WithStartupGrace(cfg.Dispatch.StartupGraceValue()),
		lock.WithLeaseLogger(logger.Slog()),
	)

	d, err := dispatch.NewDispatcher(dispatch.Config{
		Store:           store,
		Comms:           store,
		Worker:          w,
		Workspaces:      dispatch.NewGitWorkspaces(cfg, locks, logger.Slog()),
		Lease:           lease,
		Picker:          scheduler.NewPicker(),
		Prompts:         prompts,
		Logger:          logger.Slog(),
		CycleTimeout:    cfg.Dispatch.CycleTimeoutDuration(),
		MaxRunDuration:  cfg.Dispatch.MaxRunDurationValue(),
		MinWorkerBudget: cfg.Dispatch.MinWorkerBudgetValue(),
		MaxConcurrency:  cfg.Dispatch.MaxConcurrency,
		SessionDir:      cfg.SessionDir(),
		DataDir:         cfg.DataDir(),
	})
	if err != nil {
		_ = locks.Close()
		return nil, err
	}
	return &dispatchDeps{Dispatcher: d, Worker: w, Lease: lease, Locks: locks}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
