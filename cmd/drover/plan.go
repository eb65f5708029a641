package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/drover/internal/plan"
	"github.com/ShayCichocki/drover/pkg/models"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Submit and track execution plans",
}

var planSubmitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Submit a plan file, enqueueing its subtasks",
	Long: `Submit a YAML plan file. Every subtask is enqueued immediately;
subtasks with dependencies stay queued until their prerequisites complete.

Example plan file:

  title: Release v2
  subtasks:
    - id: build
      title: Build binaries
      type: build
      priority: 5
    - id: ship
      title: Publish release
      type: deploy
      depends_on: [build]`,
	Args: cobra.ExactArgs(1),
	RunE: runPlanSubmit,
}

var planStatusCmd = &cobra.Command{
	Use:   "status <plan-id>",
	Short: "Show a plan's progress and subtasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanStatus,
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all plans",
	RunE:  runPlanList,
}

func init() {
	planCmd.AddCommand(planSubmitCmd)
	planCmd.AddCommand(planStatusCmd)
	planCmd.AddCommand(planListCmd)
}

func runPlanSubmit(cmd *cobra.Command, args []string) error {
	file, err := plan.LoadFile(args[0])
	if err != nil {
		return err
	}

	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	submitter := plan.NewSubmitter(w.db, w.queue, w.bus)
	p, err := submitter.Submit(file)
	if err != nil {
		return err
	}

	fmt.Printf("%s Submitted plan %s with %d subtasks\n",
		color.GreenString("✓"), color.New(color.Bold).Sprint(p.ID), p.TotalSubtasks)
	return nil
}

func runPlanStatus(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	p, err := w.db.GetPlan(args[0])
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("plan %s not found", args[0])
	}

	fmt.Printf("%s %s\n", color.New(color.Bold).Sprint(p.ID), p.Title)
	fmt.Printf("  Status:    %s\n", colorPlanStatus(p.Status))
	fmt.Printf("  Progress:  %d/%d completed", p.CompletedSubtasks, p.TotalSubtasks)
	if p.FailedSubtasks > 0 {
		fmt.Printf(", %s", color.RedString("%d failed", p.FailedSubtasks))
	}
	fmt.Println()

	tasks, err := w.db.ListTasksByPlan(p.ID)
	if err != nil {
		return err
	}
	if len(tasks) > 0 {
		fmt.Println("  Subtasks:")
		for _, t := range tasks {
			fmt.Printf("    %-20s %-15s %s\n", t.ID, colorStatus(t.Status), t.Title)
		}
	}
	return nil
}

func runPlanList(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	plans, err := w.db.ListPlans()
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		fmt.Println("No plans.")
		return nil
	}

	for _, p := range plans {
		fmt.Printf("  %-14s %-12s %d/%d  %s\n",
			p.ID, colorPlanStatus(p.Status), p.CompletedSubtasks, p.TotalSubtasks, p.Title)
	}
	return nil
}

func colorPlanStatus(s models.PlanStatus) string {
	switch s {
	case models.PlanCompleted:
		return color.GreenString(string(s))
	case models.PlanFailed:
		return color.RedString(string(s))
	case models.PlanRunning:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}
