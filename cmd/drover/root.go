package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/drover/internal/bus"
	"github.com/ShayCichocki/drover/internal/config"
	"github.com/ShayCichocki/drover/internal/daemon"
	"github.com/ShayCichocki/drover/internal/dispatch"
	"github.com/ShayCichocki/drover/internal/graph"
	"github.com/ShayCichocki/drover/internal/queue"
	"github.com/ShayCichocki/drover/internal/registry"
	"github.com/ShayCichocki/drover/internal/state"
)

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Durable task orchestrator",
	Long: `Drover coordinates a pool of workers over a durable task queue.

Tasks are enqueued individually or as execution plans with dependencies;
workers register their capabilities and heartbeat while the daemon claims,
dispatches, retries, and reviews work. All state lives in SQLite, so the
daemon can be stopped and restarted without losing anything.

Start with:
  drover serve            # run the orchestrator daemon
  drover enqueue <title>  # submit a task
  drover status           # inspect queue and workers`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the layered configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured database and applies migrations.
func openStore(cfg *config.Config) (*state.DB, error) {
	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := state.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// wiring bundles the components most commands need.
type wiring struct {
	cfg      *config.Config
	db       *state.DB
	queue    *queue.Queue
	resolver *graph.Resolver
	registry *registry.Registry
	bus      *bus.Bus
	daemon   *daemon.Daemon
}

// buildWiring constructs the component graph over the configured store.
// The daemon is wired but not running; commands use its state operations
// (approve, escalate, cancel) directly against the shared database.
func buildWiring() (*wiring, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	q := queue.New(db)
	resolver := graph.NewResolver(db)
	b := bus.New(cfg.Bus.BufferSize)
	reg := registry.New(db, b, cfg.Registry.LivenessWindow, cfg.Registry.TaskTypes)

	d, err := daemon.New(daemon.Options{
		DB:              db,
		Queue:           q,
		Resolver:        resolver,
		Registry:        reg,
		Bus:             b,
		Dispatcher:      dispatch.NewExecDispatcher(cfg.Dispatch.Commands, ""),
		PollInterval:    cfg.Daemon.PollInterval,
		DispatchTimeout: cfg.Dispatch.Timeout,
		MaxInFlight:     cfg.Daemon.MaxInFlight,
		MaxRetries:      cfg.Daemon.MaxRetries,
		ReviewTypes:     cfg.Daemon.ReviewTypes,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &wiring{
		cfg:      cfg,
		db:       db,
		queue:    q,
		resolver: resolver,
		registry: reg,
		bus:      b,
		daemon:   d,
	}, nil
}

// close releases the wiring's resources.
func (w *wiring) close() {
	w.bus.Close()
	w.db.Close()
}
