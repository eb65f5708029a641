// Package graph resolves subtask dependencies for execution plans.
// Subtasks are tasks tagged with a plan ID; edges in plan_dependencies
// express "blocked by" relationships. The resolver answers readiness
// questions and maintains plan aggregates; it never schedules work itself.
package graph

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/drover/internal/state"
	"github.com/ShayCichocki/drover/pkg/models"
)

// ErrCycleDetected indicates a dependency edge would close a cycle.
var ErrCycleDetected = errors.New("circular dependency detected")

// Store is the slice of persistence the resolver needs.
type Store interface {
	state.TaskStore
	state.PlanStore
}

// Resolver answers dependency questions against the durable store.
// It holds no task state of its own; every call re-reads so concurrent
// daemons observe committed transitions.
type Resolver struct {
	store Store
}

// NewResolver creates a Resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// DependenciesMet returns true if every prerequisite of the subtask has
// completed. A subtask with no prerequisites is always ready.
func (r *Resolver) DependenciesMet(subtaskID string) (bool, error) {
	prereqs, err := r.store.GetPrerequisites(subtaskID)
	if err != nil {
		return false, err
	}

	for _, id := range prereqs {
		dep, err := r.store.GetTask(id)
		if err != nil {
			return false, err
		}
		if dep == nil || dep.Status != models.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// NextReadySubtask returns the first queued subtask of the plan whose
// prerequisites are all completed, in creation order. Returns nil, nil
// when no subtask is ready.
func (r *Resolver) NextReadySubtask(planID string) (*models.Task, error) {
	tasks, err := r.store.ListTasksByPlan(planID)
	if err != nil {
		return nil, err
	}

	for i := range tasks {
		t := &tasks[i]
		if t.Status != models.TaskStatusQueued {
			continue
		}
		ready, err := r.DependenciesMet(t.ID)
		if err != nil {
			return nil, err
		}
		if ready {
			return t, nil
		}
	}
	return nil, nil
}

// AddDependency records that subtask is blocked by prerequisite,
// rejecting edges that would close a cycle.
func (r *Resolver) AddDependency(subtaskID, prerequisiteID string) error {
	if subtaskID == prerequisiteID {
		return fmt.Errorf("task %s cannot depend on itself: %w", subtaskID, ErrCycleDetected)
	}

	// The edge subtask -> prerequisite closes a cycle iff the prerequisite
	// already reaches the subtask through existing edges.
	reaches, err := r.reaches(prerequisiteID, subtaskID)
	if err != nil {
		return err
	}
	if reaches {
		return fmt.Errorf("edge %s -> %s: %w", subtaskID, prerequisiteID, ErrCycleDetected)
	}

	return r.store.AddPlanDependency(subtaskID, prerequisiteID)
}

// reaches reports whether from can reach to by following prerequisite edges.
func (r *Resolver) reaches(from, to string) (bool, error) {
	seen := map[string]bool{from: true}
	frontier := []string{from}

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]

		prereqs, err := r.store.GetPrerequisites(id)
		if err != nil {
			return false, err
		}
		for _, p := range prereqs {
			if p == to {
				return true, nil
			}
			if !seen[p] {
				seen[p] = true
				frontier = append(frontier, p)
			}
		}
	}
	return false, nil
}

// ValidateAcyclic checks a declared dependency map for cycles before any
// edge is persisted. Uses depth-first search with coloring to detect back
// edges.
func ValidateAcyclic(deps map[string][]string) error {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(deps))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range deps[id] {
			switch colors[depID] {
			case 1:
				// Found a back edge.
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range deps {
		if colors[id] == 0 {
			if visit(id) {
				return ErrCycleDetected
			}
		}
	}
	return nil
}

// OnSubtaskCompleted updates the plan aggregates after a subtask
// completes. The increment and status derivation happen in a single
// guarded statement, so concurrent daemons never lose a count.
// Returns the updated plan, or nil if the task belongs to no plan.
func (r *Resolver) OnSubtaskCompleted(taskID string) (*models.Plan, error) {
	plan, err := r.planOf(taskID)
	if err != nil || plan == nil {
		return nil, err
	}
	return r.store.AdvancePlanProgress(plan.ID, 1, 0)
}

// OnSubtaskFailed propagates a subtask failure: every queued dependent,
// transitively, is marked failed (a failed prerequisite can never
// complete, so its dependents can never become ready) and the plan
// aggregates are updated. Returns the updated plan and the IDs of the
// dependents that were failed.
func (r *Resolver) OnSubtaskFailed(taskID string) (*models.Plan, []string, error) {
	plan, err := r.planOf(taskID)
	if err != nil || plan == nil {
		return nil, nil, err
	}

	cascaded, err := r.failDependents(taskID)
	if err != nil {
		return nil, nil, err
	}

	plan, err = r.store.AdvancePlanProgress(plan.ID, 0, 1+len(cascaded))
	if err != nil {
		return nil, nil, err
	}
	return plan, cascaded, nil
}

// failDependents marks all transitive queued dependents of a failed task
// as failed, returning their IDs.
func (r *Resolver) failDependents(taskID string) ([]string, error) {
	var failed []string
	seen := map[string]bool{taskID: true}
	frontier := []string{taskID}

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]

		dependents, err := r.store.GetDependents(id)
		if err != nil {
			return nil, err
		}
		for _, depID := range dependents {
			if seen[depID] {
				continue
			}
			seen[depID] = true

			dep, err := r.store.GetTask(depID)
			if err != nil {
				return nil, err
			}
			if dep == nil || dep.Status != models.TaskStatusQueued {
				continue
			}

			dep.Status = models.TaskStatusFailed
			dep.Error = "prerequisite failed: " + id
			if err := r.store.UpdateTask(dep); err != nil {
				return nil, err
			}
			failed = append(failed, depID)
			frontier = append(frontier, depID)
		}
	}
	return failed, nil
}

// PlanStalled reports whether an open plan can make no further progress
// toward completion: nothing is in flight or awaiting a human, and no
// remaining subtask can ever become ready. Subtasks all terminal but not
// all completed count as stalled too; such a plan can never complete,
// only be failed.
func (r *Resolver) PlanStalled(planID string) (bool, error) {
	plan, err := r.store.GetPlan(planID)
	if err != nil {
		return false, err
	}
	if plan == nil || plan.Status == models.PlanCompleted || plan.Status == models.PlanFailed {
		return false, nil
	}

	tasks, err := r.store.ListTasksByPlan(planID)
	if err != nil {
		return false, err
	}
	// A submission still landing its subtask rows is not stalled.
	if len(tasks) < plan.TotalSubtasks {
		return false, nil
	}

	allCompleted := true
	for i := range tasks {
		t := &tasks[i]
		switch {
		case t.Assigned(),
			t.Status == models.TaskStatusReviewPending,
			t.Status == models.TaskStatusEscalated:
			// Work in flight or awaiting a human; not stalled.
			return false, nil
		case t.Status != models.TaskStatusCompleted:
			allCompleted = false
		}
	}
	if allCompleted {
		return false, nil
	}

	ready, err := r.NextReadySubtask(planID)
	if err != nil {
		return false, err
	}
	return ready == nil, nil
}

// planOf returns the plan a task belongs to, or nil.
func (r *Resolver) planOf(taskID string) (*models.Plan, error) {
	task, err := r.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task == nil || task.PlanID == "" {
		return nil, nil
	}
	return r.store.GetPlan(task.PlanID)
}
