package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/drover/internal/daemon"
	"github.com/ShayCichocki/drover/internal/dispatch"
	"github.com/ShayCichocki/drover/internal/intake"
)

var serveDebugLog string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	Long: `Run the orchestration loop in the foreground.

The daemon claims queued tasks, matches them to registered workers,
dispatches execution, retries failures, and sweeps lost workers. If a
spool directory is configured, task files dropped there are enqueued
automatically.

Stop with SIGINT or SIGTERM; in-flight dispatches are waited out.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveDebugLog, "debug-log", "", "Write a debug log to this path (default <db dir>/logs/daemon.log)")
}

func runServe(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	logPath := serveDebugLog
	if logPath == "" {
		logPath = filepath.Join(filepath.Dir(w.cfg.Database.Path), "logs", "daemon.log")
	}
	logger, err := daemon.NewDebugLogger(logPath)
	if err != nil {
		return fmt.Errorf("open debug log: %w", err)
	}
	defer logger.Close()

	d, err := daemon.New(daemon.Options{
		DB:              w.db,
		Queue:           w.queue,
		Resolver:        w.resolver,
		Registry:        w.registry,
		Bus:             w.bus,
		Dispatcher:      dispatch.NewExecDispatcher(w.cfg.Dispatch.Commands, ""),
		Logger:          logger,
		PollInterval:    w.cfg.Daemon.PollInterval,
		DispatchTimeout: w.cfg.Dispatch.Timeout,
		MaxInFlight:     w.cfg.Daemon.MaxInFlight,
		MaxRetries:      w.cfg.Daemon.MaxRetries,
		ReviewTypes:     w.cfg.Daemon.ReviewTypes,
	})
	if err != nil {
		return err
	}

	if w.cfg.Intake.SpoolDir != "" {
		in, err := intake.New(w.cfg.Intake.SpoolDir, w.queue, w.bus)
		if err != nil {
			return err
		}
		if err := in.Start(); err != nil {
			return err
		}
		defer in.Close()
		fmt.Printf("Watching spool directory %s\n", w.cfg.Intake.SpoolDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Drover daemon running (db: %s)\n", w.cfg.Database.Path)
	if err := d.Run(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Println("Shutdown complete.")
	return nil
}
