package models

import (
	"errors"
	"testing"
)

func TestTaskStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status TaskStatus
		want   bool
	}{
		{"queued is valid", TaskStatusQueued, true},
		{"assigned is valid", TaskStatusAssigned, true},
		{"in_progress is valid", TaskStatusInProgress, true},
		{"review_pending is valid", TaskStatusReviewPending, true},
		{"escalated is valid", TaskStatusEscalated, true},
		{"completed is valid", TaskStatusCompleted, true},
		{"failed is valid", TaskStatusFailed, true},
		{"cancelled is valid", TaskStatusCancelled, true},
		{"empty string is invalid", TaskStatus(""), false},
		{"unknown status is invalid", TaskStatus("unknown"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("TaskStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestTaskStatus_Terminal(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{TaskStatusQueued, false},
		{TaskStatusAssigned, false},
		{TaskStatusInProgress, false},
		{TaskStatusReviewPending, false},
		{TaskStatusEscalated, false},
		{TaskStatusCompleted, true},
		{TaskStatusFailed, true},
		{TaskStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.want {
				t.Errorf("TaskStatus(%q).Terminal() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{"valid task", Task{Title: "build", Type: "build", Priority: 5}, false},
		{"zero priority is valid", Task{Title: "build", Type: "build"}, false},
		{"missing title", Task{Type: "build"}, true},
		{"missing type", Task{Title: "build"}, true},
		{"negative priority", Task{Title: "build", Type: "build", Priority: -1}, true},
		{"bad status", Task{Title: "build", Type: "build", Status: "nope"}, true},
		{"explicit queued status", Task{Title: "build", Type: "build", Status: TaskStatusQueued}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTask) {
				t.Errorf("Validate() error should wrap ErrInvalidTask, got %v", err)
			}
		})
	}
}

func TestTask_Assigned(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{TaskStatusQueued, false},
		{TaskStatusAssigned, true},
		{TaskStatusInProgress, true},
		{TaskStatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			task := Task{Status: tt.status}
			if got := task.Assigned(); got != tt.want {
				t.Errorf("Assigned() = %v for status %q, want %v", got, tt.status, tt.want)
			}
		})
	}
}
