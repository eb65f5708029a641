package plan

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ShayCichocki/drover/internal/queue"
	"github.com/ShayCichocki/drover/internal/state"
	"github.com/ShayCichocki/drover/pkg/models"
)

const releasePlan = `
title: Release v2
description: Build, test, and ship.
subtasks:
  - id: build
    title: Build binaries
    type: build
    priority: 5
    payload:
      target: linux/amd64
  - id: test
    title: Run test suite
    type: test
    depends_on: [build]
  - id: ship
    title: Publish release
    type: deploy
    depends_on: [build, test]
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(releasePlan))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if f.Title != "Release v2" {
		t.Errorf("title = %q", f.Title)
	}
	if len(f.Subtasks) != 3 {
		t.Fatalf("subtasks = %d, want 3", len(f.Subtasks))
	}
	if f.Subtasks[0].Priority != 5 {
		t.Errorf("build priority = %d, want 5", f.Subtasks[0].Priority)
	}
	if f.Subtasks[0].Payload["target"] != "linux/amd64" {
		t.Errorf("build payload = %v", f.Subtasks[0].Payload)
	}
	if len(f.Subtasks[2].DependsOn) != 2 {
		t.Errorf("ship depends_on = %v", f.Subtasks[2].DependsOn)
	}
}

func TestParse_Malformed(t *testing.T) {
	if _, err := Parse([]byte("title: [unclosed")); err == nil {
		t.Error("Parse of malformed YAML should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*File)
		wantErr string
	}{
		{"valid", func(f *File) {}, ""},
		{"missing title", func(f *File) { f.Title = "" }, "title is required"},
		{"no subtasks", func(f *File) { f.Subtasks = nil }, "at least one subtask"},
		{"subtask missing title", func(f *File) { f.Subtasks[0].Title = "" }, "title is required"},
		{"subtask missing type", func(f *File) { f.Subtasks[0].Type = "" }, "type is required"},
		{"negative priority", func(f *File) { f.Subtasks[0].Priority = -1 }, "non-negative"},
		{"duplicate id", func(f *File) { f.Subtasks[1].ID = "build" }, "duplicate subtask id"},
		{"unknown dependency", func(f *File) { f.Subtasks[1].DependsOn = []string{"nope"} }, "unknown subtask"},
		{"self dependency", func(f *File) { f.Subtasks[0].DependsOn = []string{"build"} }, "depends on itself"},
		{"cycle", func(f *File) { f.Subtasks[0].DependsOn = []string{"test"} }, "circular"},
		{"depends_on without id", func(f *File) {
			f.Subtasks[1].ID = ""
			f.Subtasks[2].DependsOn = []string{"build"}
		}, "requires an id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse([]byte(releasePlan))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			tt.mutate(f)

			err = f.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPlan) {
				t.Errorf("Validate() = %v, want ErrInvalidPlan", err)
			}
		})
	}
}

func setupSubmitter(t *testing.T) (*Submitter, *state.DB) {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return NewSubmitter(db, queue.New(db), nil), db
}

func TestSubmit(t *testing.T) {
	s, db := setupSubmitter(t)

	f, _ := Parse([]byte(releasePlan))
	p, err := s.Submit(f)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if p.TotalSubtasks != 3 {
		t.Errorf("total_subtasks = %d, want 3", p.TotalSubtasks)
	}
	if p.Status != models.PlanPending {
		t.Errorf("plan status = %q, want pending", p.Status)
	}

	persisted, err := db.GetPlan(p.ID)
	if err != nil || persisted == nil {
		t.Fatalf("submitted plan not persisted: %v", err)
	}
	if persisted.Description != "Build, test, and ship." {
		t.Errorf("persisted description = %q", persisted.Description)
	}

	tasks, err := db.ListTasksByPlan(p.ID)
	if err != nil {
		t.Fatalf("ListTasksByPlan failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("persisted tasks = %d, want 3", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != models.TaskStatusQueued {
			t.Errorf("task %s status = %q, want queued", task.ID, task.Status)
		}
	}

	// Dependency edges landed, qualified by the plan ID.
	prereqs, err := db.GetPrerequisites(p.ID + "-ship")
	if err != nil {
		t.Fatalf("GetPrerequisites failed: %v", err)
	}
	if len(prereqs) != 2 {
		t.Errorf("ship prerequisites = %v, want 2", prereqs)
	}
}

func TestSubmit_RejectsInvalid(t *testing.T) {
	s, db := setupSubmitter(t)

	f, _ := Parse([]byte(releasePlan))
	f.Subtasks[0].DependsOn = []string{"test"} // closes a cycle

	if _, err := s.Submit(f); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("Submit = %v, want ErrInvalidPlan", err)
	}

	// Nothing persisted.
	plans, err := db.ListPlans()
	if err != nil {
		t.Fatalf("ListPlans failed: %v", err)
	}
	if len(plans) != 0 {
		t.Errorf("plans after rejected submit = %d, want 0", len(plans))
	}
}

func TestSubmit_TwoPlansSameDeclaredIDs(t *testing.T) {
	s, db := setupSubmitter(t)

	f1, _ := Parse([]byte(releasePlan))
	f2, _ := Parse([]byte(releasePlan))

	p1, err := s.Submit(f1)
	if err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	p2, err := s.Submit(f2)
	if err != nil {
		t.Fatalf("second Submit failed: %v", err)
	}

	t1, _ := db.ListTasksByPlan(p1.ID)
	t2, _ := db.ListTasksByPlan(p2.ID)
	if len(t1) != 3 || len(t2) != 3 {
		t.Errorf("task counts = %d, %d, want 3 each", len(t1), len(t2))
	}
}

func TestSubmit_DependentNeverClaimableEarly(t *testing.T) {
	s, db := setupSubmitter(t)
	q := queue.New(db)

	const twoStep = `
title: Build then deploy
subtasks:
  - id: build
    title: Build
    type: build
  - id: deploy
    title: Deploy
    type: deploy
    depends_on: [build]
`

	// A daemon polling throughout the submissions must never see a deploy
	// subtask before its build prerequisite, which never completes here.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	var claimed []string
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if task, err := q.ClaimNext("rogue", []string{"deploy"}); err == nil {
				claimed = append(claimed, task.ID)
			}
		}
	}()

	for i := 0; i < 50; i++ {
		f, err := Parse([]byte(twoStep))
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if _, err := s.Submit(f); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()

	if len(claimed) != 0 {
		t.Errorf("dependents claimed mid-submission: %v", claimed)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	if err := os.WriteFile(path, []byte(releasePlan), 0644); err != nil {
		t.Fatalf("write plan file: %v", err)
	}

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if f.Title != "Release v2" {
		t.Errorf("title = %q", f.Title)
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("LoadFile of missing file should fail")
	}
}
