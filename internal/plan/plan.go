// Package plan loads execution plans from YAML files and submits them to
// the durable store. A plan file declares subtasks and their "blocked by"
// edges; submission validates the whole graph before anything persists,
// so an invalid file is rejected before a single row is written.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/drover/internal/bus"
	"github.com/ShayCichocki/drover/internal/graph"
	"github.com/ShayCichocki/drover/internal/queue"
	"github.com/ShayCichocki/drover/internal/state"
	"github.com/ShayCichocki/drover/pkg/models"
)

// ErrInvalidPlan indicates a plan file failed validation.
var ErrInvalidPlan = errors.New("invalid plan")

// File is the YAML representation of an execution plan.
type File struct {
	Title       string    `yaml:"title"`
	Description string    `yaml:"description"`
	Subtasks    []Subtask `yaml:"subtasks"`
}

// Subtask is one unit of work declared in a plan file.
type Subtask struct {
	// ID names the subtask within the file so other subtasks can depend
	// on it. Optional for subtasks nothing depends on.
	ID          string         `yaml:"id"`
	Title       string         `yaml:"title"`
	Type        string         `yaml:"type"`
	Description string         `yaml:"description"`
	Priority    int            `yaml:"priority"`
	Payload     map[string]any `yaml:"payload"`
	DependsOn   []string       `yaml:"depends_on"`
}

// Parse decodes a plan file from YAML.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &f, nil
}

// LoadFile reads and decodes a plan file from disk.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return Parse(data)
}

// Validate checks the plan file is well-formed: required fields present,
// subtask IDs unique, dependency references resolvable, and the
// dependency graph acyclic.
func (f *File) Validate() error {
	if f.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidPlan)
	}
	if len(f.Subtasks) == 0 {
		return fmt.Errorf("%w: at least one subtask is required", ErrInvalidPlan)
	}

	declared := make(map[string]bool, len(f.Subtasks))
	for i, s := range f.Subtasks {
		if s.Title == "" {
			return fmt.Errorf("%w: subtask %d: title is required", ErrInvalidPlan, i+1)
		}
		if s.Type == "" {
			return fmt.Errorf("%w: subtask %q: type is required", ErrInvalidPlan, s.Title)
		}
		if s.Priority < 0 {
			return fmt.Errorf("%w: subtask %q: priority must be non-negative", ErrInvalidPlan, s.Title)
		}
		if s.ID != "" {
			if declared[s.ID] {
				return fmt.Errorf("%w: duplicate subtask id %q", ErrInvalidPlan, s.ID)
			}
			declared[s.ID] = true
		}
	}

	deps := make(map[string][]string)
	for _, s := range f.Subtasks {
		if len(s.DependsOn) == 0 {
			continue
		}
		if s.ID == "" {
			return fmt.Errorf("%w: subtask %q: depends_on requires an id", ErrInvalidPlan, s.Title)
		}
		for _, dep := range s.DependsOn {
			if !declared[dep] {
				return fmt.Errorf("%w: subtask %q depends on unknown subtask %q", ErrInvalidPlan, s.ID, dep)
			}
			if dep == s.ID {
				return fmt.Errorf("%w: subtask %q depends on itself", ErrInvalidPlan, s.ID)
			}
			deps[s.ID] = append(deps[s.ID], dep)
		}
	}

	if err := graph.ValidateAcyclic(deps); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return nil
}

// Submitter persists validated plan files as a plan row, queued subtasks,
// and dependency edges.
type Submitter struct {
	db    *state.DB
	queue *queue.Queue
	bus   *bus.Bus
}

// NewSubmitter creates a Submitter. The bus may be nil to skip events.
func NewSubmitter(db *state.DB, q *queue.Queue, b *bus.Bus) *Submitter {
	return &Submitter{db: db, queue: q, bus: b}
}

// Submit validates and persists a plan file. All subtasks enter the queue
// immediately; claiming holds back the ones whose prerequisites have not
// completed. Returns the created plan.
func (s *Submitter) Submit(f *File) (*models.Plan, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	p := &models.Plan{
		ID:            "plan-" + uuid.New().String()[:8],
		Title:         f.Title,
		Description:   f.Description,
		Status:        models.PlanPending,
		TotalSubtasks: len(f.Subtasks),
		CreatedAt:     time.Now(),
	}
	if err := s.db.CreatePlan(p); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}

	// Declared IDs are file-scoped; qualify them with the plan ID so two
	// plans can both declare a "build" subtask. Dependency edges are
	// recorded BEFORE any subtask is enqueued: claiming treats an edge
	// whose prerequisite row is missing as unmet, so a concurrently
	// polling daemon can never claim a dependent mid-submission.
	for _, sub := range f.Subtasks {
		for _, dep := range sub.DependsOn {
			if err := s.db.AddPlanDependency(p.ID+"-"+sub.ID, p.ID+"-"+dep); err != nil {
				return nil, fmt.Errorf("record dependency %s -> %s: %w", sub.ID, dep, err)
			}
		}
	}

	for _, sub := range f.Subtasks {
		task := &models.Task{
			PlanID:      p.ID,
			Title:       sub.Title,
			Type:        sub.Type,
			Description: sub.Description,
			Priority:    sub.Priority,
		}
		if sub.ID != "" {
			task.ID = p.ID + "-" + sub.ID
		}
		if len(sub.Payload) > 0 {
			payload, err := json.Marshal(sub.Payload)
			if err != nil {
				return nil, fmt.Errorf("marshal payload for subtask %q: %w", sub.Title, err)
			}
			task.Payload = payload
		}

		id, err := s.queue.Enqueue(task)
		if err != nil {
			return nil, fmt.Errorf("enqueue subtask %q: %w", sub.Title, err)
		}

		if s.bus != nil {
			s.bus.Publish(bus.Event{Topic: bus.TopicTaskQueued, TaskID: id, PlanID: p.ID})
		}
	}

	if s.bus != nil {
		s.bus.Publish(bus.Event{Topic: bus.TopicPlanCreated, PlanID: p.ID,
			Message: fmt.Sprintf("%d subtasks", p.TotalSubtasks)})
	}
	return p, nil
}
