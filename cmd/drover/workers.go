package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/drover/pkg/models"
)

var (
	workerRegisterID   string
	workerRegisterRole string
	workerRegisterCaps []string
	workersListAll     bool
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Manage the worker registry",
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE:  runWorkersList,
}

var workersRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a worker with its capabilities",
	Long: `Register a worker. Capabilities must match task types the daemon
is configured to accept; unknown capabilities are rejected.

Example:
  drover workers register --role builder --caps build,test`,
	RunE: runWorkersRegister,
}

var workersHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat <worker-id>",
	Short: "Record a liveness heartbeat for a worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkersHeartbeat,
}

var workersDeregisterCmd = &cobra.Command{
	Use:   "deregister <worker-id>",
	Short: "Remove a worker from the registry",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkersDeregister,
}

func init() {
	workersListCmd.Flags().BoolVarP(&workersListAll, "all", "a", false, "Include inactive workers")
	workersRegisterCmd.Flags().StringVar(&workerRegisterID, "id", "", "Worker ID (generated when empty)")
	workersRegisterCmd.Flags().StringVar(&workerRegisterRole, "role", "", "Worker role (required)")
	workersRegisterCmd.Flags().StringSliceVar(&workerRegisterCaps, "caps", nil, "Task types the worker can execute (required)")
	workersRegisterCmd.MarkFlagRequired("role")
	workersRegisterCmd.MarkFlagRequired("caps")

	workersCmd.AddCommand(workersListCmd)
	workersCmd.AddCommand(workersRegisterCmd)
	workersCmd.AddCommand(workersHeartbeatCmd)
	workersCmd.AddCommand(workersDeregisterCmd)
}

func runWorkersList(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	var workers []models.Worker
	if workersListAll {
		workers, err = w.db.ListWorkers("")
	} else {
		workers, err = w.registry.ActiveWorkers("")
	}
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		fmt.Println("No workers registered.")
		return nil
	}

	now := time.Now()
	for _, wk := range workers {
		state := color.GreenString("idle")
		if wk.Status == models.WorkerInactive {
			state = color.HiBlackString("inactive")
		} else if !wk.Idle() {
			state = color.CyanString("busy:" + wk.CurrentTaskID)
		}
		fmt.Printf("  %-14s %-10s %-22s %s  seen %s ago\n",
			wk.ID, wk.Role, state, strings.Join(wk.Capabilities, ","),
			formatDuration(now.Sub(wk.LastHeartbeat)))
	}
	return nil
}

func runWorkersRegister(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	id := workerRegisterID
	if id == "" {
		id = "worker-" + uuid.New().String()[:8]
	}

	wk, err := w.registry.Register(id, workerRegisterRole, workerRegisterCaps, nil)
	if err != nil {
		return err
	}

	fmt.Printf("%s Registered %s (%s: %s)\n",
		color.GreenString("✓"), color.New(color.Bold).Sprint(wk.ID),
		wk.Role, strings.Join(wk.Capabilities, ","))
	return nil
}

func runWorkersHeartbeat(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	if err := w.registry.Heartbeat(args[0], models.WorkerActive); err != nil {
		return err
	}
	fmt.Printf("%s Heartbeat recorded for %s\n", color.GreenString("✓"), args[0])
	return nil
}

func runWorkersDeregister(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	if err := w.registry.Deregister(args[0]); err != nil {
		return err
	}
	fmt.Printf("%s Deregistered %s\n", color.YellowString("✗"), args[0])
	return nil
}
