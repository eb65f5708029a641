// Package registry tracks worker registration, capabilities, and liveness.
// The registry only reports staleness; deciding what to do with a stale
// worker's task belongs to the daemon.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/drover/internal/bus"
	"github.com/ShayCichocki/drover/internal/state"
	"github.com/ShayCichocki/drover/pkg/models"
)

// ErrUnknownCapability indicates a worker advertised a task type that is
// not in the registered set.
var ErrUnknownCapability = errors.New("unknown capability")

// ErrWorkerBusy indicates a worker cannot be deregistered while it holds
// a task.
var ErrWorkerBusy = errors.New("worker has a task assigned")

// Registry manages workers in the durable store.
type Registry struct {
	db       *state.DB
	bus      *bus.Bus
	liveness time.Duration
	// allowed is the closed set of task types workers may advertise.
	// An empty set disables validation.
	allowed map[string]bool
}

// New creates a Registry. taskTypes is the closed set of task types that
// worker capabilities are validated against at registration; pass nil to
// accept any capability string. The bus may be nil to skip events.
func New(db *state.DB, b *bus.Bus, liveness time.Duration, taskTypes []string) *Registry {
	allowed := make(map[string]bool, len(taskTypes))
	for _, t := range taskTypes {
		allowed[t] = true
	}
	return &Registry{db: db, bus: b, liveness: liveness, allowed: allowed}
}

// LivenessWindow returns the configured liveness window.
func (r *Registry) LivenessWindow() time.Duration {
	return r.liveness
}

// Register adds a worker. If id is empty one is generated. Capabilities
// are validated against the registered task types.
func (r *Registry) Register(id, role string, capabilities []string, metadata map[string]string) (*models.Worker, error) {
	if role == "" {
		return nil, fmt.Errorf("register worker: role is required")
	}
	if len(capabilities) == 0 {
		return nil, fmt.Errorf("register worker: at least one capability is required")
	}
	if len(r.allowed) > 0 {
		for _, c := range capabilities {
			if !r.allowed[c] {
				return nil, fmt.Errorf("register worker: capability %q: %w", c, ErrUnknownCapability)
			}
		}
	}
	if id == "" {
		id = "worker-" + uuid.New().String()[:8]
	}

	w := &models.Worker{
		ID:            id,
		Role:          role,
		Capabilities:  capabilities,
		Status:        models.WorkerActive,
		LastHeartbeat: time.Now(),
		Metadata:      metadata,
	}
	if err := r.db.CreateWorker(w); err != nil {
		return nil, err
	}
	if r.bus != nil {
		r.bus.Publish(bus.Event{Topic: bus.TopicWorkerRegistered, WorkerID: w.ID,
			Message: role})
	}
	return w, nil
}

// Heartbeat records a worker's liveness signal and status.
func (r *Registry) Heartbeat(id string, status models.WorkerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("heartbeat: unknown status %q", status)
	}
	return r.db.TouchWorker(id, status, time.Now())
}

// ActiveWorkers returns workers that are active and have heartbeated
// within the liveness window, optionally filtered by role.
func (r *Registry) ActiveWorkers(role string) ([]models.Worker, error) {
	workers, err := r.db.ListWorkers(role)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var active []models.Worker
	for _, w := range workers {
		if w.Status == models.WorkerActive && w.Live(now, r.liveness) {
			active = append(active, w)
		}
	}
	return active, nil
}

// IdleWorker returns a live, active worker with no task assigned that can
// serve the given task type. Returns nil, nil when none is available.
func (r *Registry) IdleWorker(taskType string) (*models.Worker, error) {
	workers, err := r.ActiveWorkers("")
	if err != nil {
		return nil, err
	}

	for i := range workers {
		w := &workers[i]
		if w.Idle() && w.CanServe(taskType) {
			return w, nil
		}
	}
	return nil, nil
}

// StaleWorkers returns active workers whose heartbeat is older than the
// liveness window. The daemon decides whether to requeue their tasks.
func (r *Registry) StaleWorkers() ([]models.Worker, error) {
	workers, err := r.db.ListWorkers("")
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var stale []models.Worker
	for _, w := range workers {
		if w.Status == models.WorkerActive && !w.Live(now, r.liveness) {
			stale = append(stale, w)
		}
	}
	return stale, nil
}

// AssignTask records that a worker is holding a task.
func (r *Registry) AssignTask(workerID, taskID string) error {
	w, err := r.db.GetWorker(workerID)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("assign task to worker %s: %w", workerID, state.ErrNotFound)
	}
	w.CurrentTaskID = taskID
	return r.db.UpdateWorker(w)
}

// ClearTask releases a worker's task reference, making it idle again.
func (r *Registry) ClearTask(workerID string) error {
	w, err := r.db.GetWorker(workerID)
	if err != nil {
		return err
	}
	if w == nil {
		// Worker deregistered while its task was in flight; nothing to clear.
		return nil
	}
	w.CurrentTaskID = ""
	return r.db.UpdateWorker(w)
}

// MarkLost flips a worker to inactive after its liveness window lapsed.
func (r *Registry) MarkLost(workerID string) error {
	w, err := r.db.GetWorker(workerID)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("mark lost worker %s: %w", workerID, state.ErrNotFound)
	}
	w.Status = models.WorkerInactive
	w.CurrentTaskID = ""
	return r.db.UpdateWorker(w)
}

// Deregister removes a worker. A worker holding a task must have it
// reassigned first.
func (r *Registry) Deregister(id string) error {
	w, err := r.db.GetWorker(id)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("deregister worker %s: %w", id, state.ErrNotFound)
	}
	if !w.Idle() {
		return fmt.Errorf("deregister worker %s holding task %s: %w", id, w.CurrentTaskID, ErrWorkerBusy)
	}
	if err := r.db.DeleteWorker(id); err != nil {
		return err
	}
	if r.bus != nil {
		r.bus.Publish(bus.Event{Topic: bus.TopicWorkerRemoved, WorkerID: id})
	}
	return nil
}
