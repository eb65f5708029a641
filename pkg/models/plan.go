package models

import "time"

// PlanStatus represents the aggregate state of an execution plan.
type PlanStatus string

const (
	// PlanPending indicates the plan was created but no subtask has run.
	PlanPending PlanStatus = "pending"
	// PlanRunning indicates at least one subtask has started.
	PlanRunning PlanStatus = "running"
	// PlanCompleted indicates every subtask completed.
	PlanCompleted PlanStatus = "completed"
	// PlanFailed indicates the plan can make no further progress.
	PlanFailed PlanStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s PlanStatus) Valid() bool {
	switch s {
	case PlanPending, PlanRunning, PlanCompleted, PlanFailed:
		return true
	default:
		return false
	}
}

// Plan represents a dependency-linked group of subtasks with aggregate
// progress. Subtasks are ordinary tasks tagged with the plan's ID; workers
// never mutate the plan directly.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`
	// Title is the short description of the plan.
	Title string `json:"title"`
	// Description is the longer free-form description of the plan.
	Description string `json:"description,omitempty"`
	// Status is the aggregate state of the plan.
	Status PlanStatus `json:"status"`
	// TotalSubtasks is the number of subtasks in the plan.
	TotalSubtasks int `json:"total_subtasks"`
	// CompletedSubtasks is the number of subtasks that completed.
	CompletedSubtasks int `json:"completed_subtasks"`
	// FailedSubtasks is the number of subtasks that failed.
	FailedSubtasks int `json:"failed_subtasks"`
	// CreatedAt is when the plan was submitted.
	CreatedAt time.Time `json:"created_at"`
}

// Progress returns the completion percentage of the plan, 0-100.
func (p *Plan) Progress() float64 {
	if p.TotalSubtasks == 0 {
		return 0
	}
	return float64(p.CompletedSubtasks) / float64(p.TotalSubtasks) * 100
}
