// Package queue implements the durable priority task queue.
// Tasks live in the tasks table; claiming is a single transaction so two
// daemons polling the same database never receive the same task.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/drover/internal/state"
	"github.com/ShayCichocki/drover/pkg/models"
)

// ErrNoTask indicates no queued task matched the requested capabilities.
// It is the normal empty-queue result, not a failure.
var ErrNoTask = errors.New("no eligible task")

// ErrConflict indicates a status transition was requested on a task that
// is not in a state permitting it, such as completing a completed task.
var ErrConflict = errors.New("conflicting status transition")

// errLostRace signals the claim transaction observed the selected row
// change under it and should be retried.
var errLostRace = errors.New("claim lost race")

// claimAttempts bounds retries when a selected task is claimed by another
// daemon between select and update.
const claimAttempts = 3

// Queue is a durable priority queue over the state database.
type Queue struct {
	db *state.DB
}

// New creates a Queue backed by the given database.
func New(db *state.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue validates and persists a task in queued status.
// If the task has no ID one is generated. Returns the task ID.
func (q *Queue) Enqueue(t *models.Task) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	if t.ID == "" {
		t.ID = "task-" + uuid.New().String()[:8]
	}
	t.Status = models.TaskStatusQueued
	t.WorkerID = ""
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	if err := q.db.CreateTask(t); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return t.ID, nil
}

// ClaimNext atomically claims the highest-priority queued task whose type
// is in the given capability set, marking it assigned to workerID.
// Ties are broken by earliest creation time. Returns ErrNoTask when no
// queued task matches.
func (q *Queue) ClaimNext(workerID string, capabilities []string) (*models.Task, error) {
	if len(capabilities) == 0 {
		return nil, ErrNoTask
	}

	var claimed *models.Task
	for attempt := 0; attempt < claimAttempts; attempt++ {
		err := q.db.Transaction(func(tx *sql.Tx) error {
			placeholders := strings.Repeat("?,", len(capabilities))
			placeholders = placeholders[:len(placeholders)-1]

			args := make([]any, 0, len(capabilities))
			for _, c := range capabilities {
				args = append(args, c)
			}

			// A queued subtask is claimable only once every prerequisite
			// has completed; gating here keeps dependency order and the
			// claim itself in one transaction. A recorded edge whose
			// prerequisite row has not landed yet also blocks, so a plan
			// being submitted never exposes a dependent early.
			var id string
			row := tx.QueryRow(`
				SELECT id FROM tasks
				WHERE status = ? AND type IN (`+placeholders+`)
				AND NOT EXISTS (
					SELECT 1 FROM plan_dependencies d
					LEFT JOIN tasks p ON p.id = d.prerequisite_id
					WHERE d.subtask_id = tasks.id
					AND (p.id IS NULL OR p.status != ?)
				)
				ORDER BY priority DESC, created_at ASC
				LIMIT 1
			`, append(append([]any{string(models.TaskStatusQueued)}, args...),
				string(models.TaskStatusCompleted))...)
			if err := row.Scan(&id); err == sql.ErrNoRows {
				return ErrNoTask
			} else if err != nil {
				return fmt.Errorf("select claimable task: %w", err)
			}

			res, err := tx.Exec(`
				UPDATE tasks SET status = ?, worker_id = ?
				WHERE id = ? AND status = ?
			`, string(models.TaskStatusAssigned), workerID, id, string(models.TaskStatusQueued))
			if err != nil {
				return fmt.Errorf("mark assigned: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim rows affected: %w", err)
			}
			if n == 0 {
				return errLostRace
			}

			claimed = &models.Task{ID: id}
			return nil
		})
		if errors.Is(err, errLostRace) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return q.db.GetTask(claimed.ID)
	}
	return nil, ErrNoTask
}

// MarkRunning transitions a claimed task to in_progress, stamps its start
// time on the first attempt, and increments its attempt counter.
func (q *Queue) MarkRunning(taskID string) error {
	now := formatClock(time.Now())
	res, err := q.db.Exec(`
		UPDATE tasks SET status = ?, attempts = attempts + 1,
			started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status = ?
	`, string(models.TaskStatusInProgress), now, taskID, string(models.TaskStatusAssigned))
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return q.checkTransition(res, taskID, "mark running")
}

// MarkCompleted records a successful result and transitions the task to
// completed. Completing an already terminal task returns ErrConflict and
// leaves state untouched.
func (q *Queue) MarkCompleted(taskID string, result json.RawMessage) error {
	now := formatClock(time.Now())
	res, err := q.db.Exec(`
		UPDATE tasks SET status = ?, result = ?, error = NULL, worker_id = NULL, completed_at = ?
		WHERE id = ? AND status IN (?, ?, ?)
	`, string(models.TaskStatusCompleted), resultArg(result), now, taskID,
		string(models.TaskStatusAssigned), string(models.TaskStatusInProgress),
		string(models.TaskStatusReviewPending))
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return q.checkTransition(res, taskID, "mark completed")
}

// MarkReviewPending holds a successful result for review instead of
// completing the task.
func (q *Queue) MarkReviewPending(taskID string, result json.RawMessage) error {
	res, err := q.db.Exec(`
		UPDATE tasks SET status = ?, result = ?, worker_id = NULL
		WHERE id = ? AND status = ?
	`, string(models.TaskStatusReviewPending), resultArg(result), taskID,
		string(models.TaskStatusInProgress))
	if err != nil {
		return fmt.Errorf("mark review pending: %w", err)
	}
	return q.checkTransition(res, taskID, "mark review pending")
}

// MarkEscalated moves a review-pending task to escalated with a reason.
func (q *Queue) MarkEscalated(taskID, reason string) error {
	res, err := q.db.Exec(`
		UPDATE tasks SET status = ?, error = ?
		WHERE id = ? AND status = ?
	`, string(models.TaskStatusEscalated), reason, taskID,
		string(models.TaskStatusReviewPending))
	if err != nil {
		return fmt.Errorf("mark escalated: %w", err)
	}
	return q.checkTransition(res, taskID, "mark escalated")
}

// MarkFailed records an error and transitions the task to terminal failed.
func (q *Queue) MarkFailed(taskID, errMsg string) error {
	now := formatClock(time.Now())
	res, err := q.db.Exec(`
		UPDATE tasks SET status = ?, error = ?, worker_id = NULL, completed_at = ?
		WHERE id = ? AND status IN (?, ?, ?, ?)
	`, string(models.TaskStatusFailed), errMsg, now, taskID,
		string(models.TaskStatusQueued), string(models.TaskStatusAssigned),
		string(models.TaskStatusInProgress), string(models.TaskStatusReviewPending))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return q.checkTransition(res, taskID, "mark failed")
}

// Release returns a claimed-but-undispatched task to the queue.
// A claimed task with no available worker must be released explicitly so
// it cannot leak as permanently assigned.
func (q *Queue) Release(taskID string) error {
	res, err := q.db.Exec(`
		UPDATE tasks SET status = ?, worker_id = NULL
		WHERE id = ? AND status = ?
	`, string(models.TaskStatusQueued), taskID, string(models.TaskStatusAssigned))
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return q.checkTransition(res, taskID, "release")
}

// Requeue returns a failed attempt to the queue for another try,
// recording the error from the last attempt.
func (q *Queue) Requeue(taskID, errMsg string) error {
	res, err := q.db.Exec(`
		UPDATE tasks SET status = ?, worker_id = NULL, error = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(models.TaskStatusQueued), errMsg, taskID,
		string(models.TaskStatusAssigned), string(models.TaskStatusInProgress))
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return q.checkTransition(res, taskID, "requeue")
}

// Cancel transitions a non-terminal task to cancelled.
func (q *Queue) Cancel(taskID, reason string) error {
	now := formatClock(time.Now())
	res, err := q.db.Exec(`
		UPDATE tasks SET status = ?, error = ?, worker_id = NULL, completed_at = ?
		WHERE id = ? AND status IN (?, ?, ?, ?, ?)
	`, string(models.TaskStatusCancelled), reason, now, taskID,
		string(models.TaskStatusQueued), string(models.TaskStatusAssigned),
		string(models.TaskStatusInProgress), string(models.TaskStatusReviewPending),
		string(models.TaskStatusEscalated))
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	return q.checkTransition(res, taskID, "cancel")
}

// CountByStatus returns the number of tasks in the given status.
func (q *Queue) CountByStatus(status models.TaskStatus) (int, error) {
	return q.db.CountTasksByStatus(status)
}

// checkTransition distinguishes a missing task from a disallowed
// transition when a guarded update touched no rows.
func (q *Queue) checkTransition(res sql.Result, taskID, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 1 {
		return nil
	}

	task, err := q.db.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if task == nil {
		return fmt.Errorf("%s task %s: %w", op, taskID, state.ErrNotFound)
	}
	return fmt.Errorf("%s task %s in status %s: %w", op, taskID, task.Status, ErrConflict)
}

// formatClock formats a timestamp the way the state package stores them.
func formatClock(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// resultArg converts raw JSON to a nullable TEXT argument.
func resultArg(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
