package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/drover/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue, worker, and plan status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	fmt.Println(color.New(color.Bold).Sprint("Queue"))
	statuses := []models.TaskStatus{
		models.TaskStatusQueued,
		models.TaskStatusAssigned,
		models.TaskStatusInProgress,
		models.TaskStatusReviewPending,
		models.TaskStatusEscalated,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
		models.TaskStatusCancelled,
	}
	for _, s := range statuses {
		n, err := w.db.CountTasksByStatus(s)
		if err != nil {
			return err
		}
		if n == 0 && s != models.TaskStatusQueued {
			continue
		}
		fmt.Printf("  %-16s %d\n", colorStatus(s), n)
	}

	workers, err := w.registry.ActiveWorkers("")
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println(color.New(color.Bold).Sprint("Workers"))
	if len(workers) == 0 {
		fmt.Println("  none active")
	}
	busy := 0
	for _, wk := range workers {
		if !wk.Idle() {
			busy++
		}
	}
	if len(workers) > 0 {
		fmt.Printf("  %d active, %d busy\n", len(workers), busy)
	}

	plans, err := w.db.ListPlans()
	if err != nil {
		return err
	}
	open := 0
	for _, p := range plans {
		if p.Status == models.PlanPending || p.Status == models.PlanRunning {
			open++
		}
	}
	fmt.Println()
	fmt.Println(color.New(color.Bold).Sprint("Plans"))
	fmt.Printf("  %d total, %d open\n", len(plans), open)

	return nil
}
