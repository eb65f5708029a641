package models

import "time"

// WorkerStatus represents the registered state of a worker.
type WorkerStatus string

const (
	// WorkerActive indicates the worker is accepting tasks.
	WorkerActive WorkerStatus = "active"
	// WorkerInactive indicates the worker has paused or been marked stale.
	WorkerInactive WorkerStatus = "inactive"
)

// Valid returns true if the status is a known value.
func (s WorkerStatus) Valid() bool {
	return s == WorkerActive || s == WorkerInactive
}

// Worker represents a registered executor process.
type Worker struct {
	// ID is the unique identifier for this worker.
	ID string `json:"id"`
	// Role is the capability category the worker advertises.
	Role string `json:"role"`
	// Capabilities lists the task types the worker can execute.
	Capabilities []string `json:"capabilities"`
	// Status is the registered state of the worker.
	Status WorkerStatus `json:"status"`
	// CurrentTaskID is the task currently assigned, if any.
	CurrentTaskID string `json:"current_task_id,omitempty"`
	// LastHeartbeat is the time of the most recent heartbeat.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// Metadata holds free-form registration details.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CanServe returns true if the worker advertises the given task type.
func (w *Worker) CanServe(taskType string) bool {
	for _, c := range w.Capabilities {
		if c == taskType {
			return true
		}
	}
	return false
}

// Idle returns true if the worker has no task assigned.
func (w *Worker) Idle() bool {
	return w.CurrentTaskID == ""
}

// Live returns true if the worker heartbeated within the liveness window,
// measured from now.
func (w *Worker) Live(now time.Time, window time.Duration) bool {
	return now.Sub(w.LastHeartbeat) < window
}
