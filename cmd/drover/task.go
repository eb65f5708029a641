package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/drover/pkg/models"
)

var (
	taskListStatus   string
	taskCancelReason string
	taskEscalateWhy  string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and manage tasks",
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, optionally filtered by status",
	RunE:  runTaskList,
}

var taskRunsCmd = &cobra.Command{
	Use:   "runs <task-id>",
	Short: "Show a task's execution attempts",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRuns,
}

var taskApproveCmd = &cobra.Command{
	Use:   "approve <task-id>",
	Short: "Approve a review-pending task's result",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskApprove,
}

var taskEscalateCmd = &cobra.Command{
	Use:   "escalate <task-id>",
	Short: "Reject a review-pending result for human attention",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskEscalate,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task that has not finished",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

func init() {
	taskListCmd.Flags().StringVarP(&taskListStatus, "status", "s", "", "Filter by status")
	taskEscalateCmd.Flags().StringVarP(&taskEscalateWhy, "reason", "r", "rejected in review", "Escalation reason")
	taskCancelCmd.Flags().StringVarP(&taskCancelReason, "reason", "r", "cancelled by operator", "Cancellation reason")

	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskRunsCmd)
	taskCmd.AddCommand(taskApproveCmd)
	taskCmd.AddCommand(taskEscalateCmd)
	taskCmd.AddCommand(taskCancelCmd)
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	task, err := w.db.GetTask(args[0])
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", args[0])
	}

	fmt.Printf("%s %s\n", color.New(color.Bold).Sprint(task.ID), task.Title)
	fmt.Printf("  Status:    %s\n", colorStatus(task.Status))
	fmt.Printf("  Type:      %s\n", task.Type)
	fmt.Printf("  Priority:  %d\n", task.Priority)
	fmt.Printf("  Attempts:  %d\n", task.Attempts)
	if task.PlanID != "" {
		fmt.Printf("  Plan:      %s\n", task.PlanID)
	}
	if task.WorkerID != "" {
		fmt.Printf("  Worker:    %s\n", task.WorkerID)
	}
	if task.Description != "" {
		fmt.Printf("  About:     %s\n", task.Description)
	}
	fmt.Printf("  Created:   %s ago\n", formatDuration(time.Since(task.CreatedAt)))
	if task.Error != "" {
		fmt.Printf("  Error:     %s\n", color.RedString(task.Error))
	}
	if len(task.Result) > 0 {
		fmt.Printf("  Result:    %s\n", task.Result)
	}
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	var filter *models.TaskStatus
	if taskListStatus != "" {
		s := models.TaskStatus(taskListStatus)
		if !s.Valid() {
			return fmt.Errorf("unknown status %q", taskListStatus)
		}
		filter = &s
	}

	tasks, err := w.db.ListTasks(filter)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	for _, t := range tasks {
		fmt.Printf("  %-14s %-15s p%-3d %s\n", t.ID, colorStatus(t.Status), t.Priority, t.Title)
	}
	return nil
}

func runTaskRuns(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	runs, err := w.db.ListRunsByTask(args[0])
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs.")
		return nil
	}

	for _, r := range runs {
		line := fmt.Sprintf("  #%d %-8s worker=%s", r.Number, r.Status, r.WorkerID)
		if r.EndedAt != nil {
			line += fmt.Sprintf(" took=%s", r.Duration().Round(time.Millisecond))
		}
		if r.Error != "" {
			line += " " + color.RedString(r.Error)
		}
		fmt.Println(line)
	}
	return nil
}

func runTaskApprove(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	if err := w.daemon.Approve(args[0]); err != nil {
		return err
	}
	fmt.Printf("%s Approved %s\n", color.GreenString("✓"), args[0])
	return nil
}

func runTaskEscalate(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	if err := w.daemon.Escalate(args[0], taskEscalateWhy); err != nil {
		return err
	}
	fmt.Printf("%s Escalated %s: %s\n", color.YellowString("⚠"), args[0], taskEscalateWhy)
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	if err := w.daemon.Cancel(args[0], taskCancelReason); err != nil {
		return err
	}
	fmt.Printf("%s Cancelled %s\n", color.YellowString("✗"), args[0])
	return nil
}

// colorStatus renders a task status with an indicative color.
func colorStatus(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusCompleted:
		return color.GreenString(string(s))
	case models.TaskStatusFailed, models.TaskStatusEscalated:
		return color.RedString(string(s))
	case models.TaskStatusInProgress, models.TaskStatusAssigned:
		return color.CyanString(string(s))
	case models.TaskStatusReviewPending:
		return color.YellowString(string(s))
	case models.TaskStatusCancelled:
		return color.HiBlackString(string(s))
	default:
		return string(s)
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}
