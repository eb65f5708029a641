package models

import (
	"encoding/json"
	"time"
)

// RunStatus represents the state of a single execution attempt.
type RunStatus string

const (
	// RunPending indicates the run has been created but not started.
	RunPending RunStatus = "pending"
	// RunRunning indicates the worker is executing the run.
	RunRunning RunStatus = "running"
	// RunSuccess indicates the run finished successfully.
	RunSuccess RunStatus = "success"
	// RunFailed indicates the run failed or timed out.
	RunFailed RunStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunSuccess, RunFailed:
		return true
	default:
		return false
	}
}

// Run represents one execution attempt of a task by a worker.
// A task accumulates one run per attempt; the latest terminal run's
// outcome drives the task's terminal status.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`
	// TaskID is the task being executed.
	TaskID string `json:"task_id"`
	// WorkerID is the worker executing the task.
	WorkerID string `json:"worker_id"`
	// Number is the attempt number, monotonic per task starting at 1.
	Number int `json:"number"`
	// Status is the state of this attempt.
	Status RunStatus `json:"status"`
	// Result is the opaque result data reported on success.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains the failure reason, if any.
	Error string `json:"error,omitempty"`
	// StartedAt is when the attempt began.
	StartedAt time.Time `json:"started_at"`
	// EndedAt is when the attempt finished, if it has.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// Duration returns the elapsed time of the run, or zero if it has not ended.
func (r *Run) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
