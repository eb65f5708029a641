// Package state provides SQLite-based persistence for drover.
package state

import (
	"errors"
	"io"
	"time"

	"github.com/ShayCichocki/drover/pkg/models"
)

// ErrNotFound indicates the referenced row does not exist.
var ErrNotFound = errors.New("not found")

// TaskStore handles task persistence operations.
type TaskStore interface {
	CreateTask(t *models.Task) error
	GetTask(id string) (*models.Task, error)
	UpdateTask(t *models.Task) error
	ListTasks(status *models.TaskStatus) ([]models.Task, error)
	ListTasksByPlan(planID string) ([]models.Task, error)
	CountTasksByStatus(status models.TaskStatus) (int, error)
}

// WorkerStore handles worker persistence operations.
type WorkerStore interface {
	CreateWorker(w *models.Worker) error
	GetWorker(id string) (*models.Worker, error)
	UpdateWorker(w *models.Worker) error
	DeleteWorker(id string) error
	ListWorkers(role string) ([]models.Worker, error)
	TouchWorker(id string, status models.WorkerStatus, at time.Time) error
}

// RunStore handles run persistence operations.
type RunStore interface {
	CreateRun(r *models.Run) error
	GetRun(id string) (*models.Run, error)
	UpdateRun(r *models.Run) error
	ListRunsByTask(taskID string) ([]models.Run, error)
	NextRunNumber(taskID string) (int, error)
}

// PlanStore handles plan persistence operations.
type PlanStore interface {
	CreatePlan(p *models.Plan) error
	GetPlan(id string) (*models.Plan, error)
	UpdatePlan(p *models.Plan) error
	AdvancePlanProgress(planID string, completedDelta, failedDelta int) (*models.Plan, error)
	MarkPlanFailed(planID string) error
	ListPlans() ([]models.Plan, error)
	AddPlanDependency(subtaskID, prerequisiteID string) error
	GetPrerequisites(subtaskID string) ([]string, error)
	GetDependents(prerequisiteID string) ([]string, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store defines the full persistence interface.
// It composes focused sub-interfaces so components can depend on only
// the slice of storage they use.
type Store interface {
	io.Closer
	Migrator
	TaskStore
	WorkerStore
	RunStore
	PlanStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store       = (*DB)(nil)
	_ Migrator    = (*DB)(nil)
	_ TaskStore   = (*DB)(nil)
	_ WorkerStore = (*DB)(nil)
	_ RunStore    = (*DB)(nil)
	_ PlanStore   = (*DB)(nil)
)
