package models

import (
	"encoding/json"
	"errors"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task is waiting to be claimed.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusAssigned indicates the task has been claimed for a worker
	// but execution has not started.
	TaskStatusAssigned TaskStatus = "assigned"
	// TaskStatusInProgress indicates a worker is executing the task.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusReviewPending indicates execution finished but the result
	// is held for review before the task can complete.
	TaskStatusReviewPending TaskStatus = "review_pending"
	// TaskStatusEscalated indicates review rejected the result and the
	// task was handed off for human attention.
	TaskStatusEscalated TaskStatus = "escalated"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed permanently.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before reaching
	// a terminal state on its own.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusAssigned, TaskStatusInProgress,
		TaskStatusReviewPending, TaskStatusEscalated,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a final state.
// Terminal tasks are never dispatched again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Task represents a unit of dispatchable work.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// PlanID is the ID of the execution plan this task belongs to, if any.
	PlanID string `json:"plan_id,omitempty"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Type is the capability tag used to match the task to workers.
	Type string `json:"type"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Priority orders claiming; higher values are claimed first.
	Priority int `json:"priority"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Phase is a free-form workflow marker set by the daemon.
	Phase string `json:"phase,omitempty"`
	// Payload is opaque data interpreted only by the worker.
	Payload json.RawMessage `json:"payload,omitempty"`
	// WorkerID is the ID of the worker the task is assigned to.
	// Non-empty only while the task is assigned or in progress.
	WorkerID string `json:"worker_id,omitempty"`
	// Attempts is the number of execution attempts made so far.
	Attempts int `json:"attempts"`
	// Result is the opaque result data reported by the worker.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains the error message if the task failed.
	Error string `json:"error,omitempty"`
	// CreatedAt is when the task was enqueued.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when execution first began, if it has.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ErrInvalidTask indicates a task failed submission validation.
var ErrInvalidTask = errors.New("invalid task")

// Validate checks that the task is well-formed for submission.
// Malformed tasks are rejected before they enter the queue.
func (t *Task) Validate() error {
	if t.Title == "" {
		return errors.Join(ErrInvalidTask, errors.New("title is required"))
	}
	if t.Type == "" {
		return errors.Join(ErrInvalidTask, errors.New("type is required"))
	}
	if t.Priority < 0 {
		return errors.Join(ErrInvalidTask, errors.New("priority must be non-negative"))
	}
	if t.Status != "" && !t.Status.Valid() {
		return errors.Join(ErrInvalidTask, errors.New("unknown status"))
	}
	return nil
}

// Assigned returns true if the task is currently held by a worker.
func (t *Task) Assigned() bool {
	return t.Status == TaskStatusAssigned || t.Status == TaskStatusInProgress
}
