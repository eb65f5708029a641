package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/drover/pkg/models"
)

const taskColumns = `id, plan_id, title, type, description, priority, status, phase,
	payload, worker_id, attempts, result, error, created_at, started_at, completed_at`

// CreateTask inserts a new task.
func (db *DB) CreateTask(t *models.Task) error {
	_, err := db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, nullable(t.PlanID), t.Title, t.Type, nullable(t.Description), t.Priority,
		string(t.Status), nullable(t.Phase), rawArg(t.Payload), nullable(t.WorkerID),
		t.Attempts, rawArg(t.Result), nullable(t.Error), formatTime(t.CreatedAt),
		nullableTimeArg(t.StartedAt), nullableTimeArg(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns nil, nil if not found.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask updates all mutable fields of a task.
func (db *DB) UpdateTask(t *models.Task) error {
	_, err := db.Exec(`
		UPDATE tasks SET plan_id = ?, title = ?, type = ?, description = ?, priority = ?,
			status = ?, phase = ?, payload = ?, worker_id = ?, attempts = ?,
			result = ?, error = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`, nullable(t.PlanID), t.Title, t.Type, nullable(t.Description), t.Priority,
		string(t.Status), nullable(t.Phase), rawArg(t.Payload), nullable(t.WorkerID),
		t.Attempts, rawArg(t.Result), nullable(t.Error),
		nullableTimeArg(t.StartedAt), nullableTimeArg(t.CompletedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// DeleteTask deletes a task by ID.
func (db *DB) DeleteTask(id string) error {
	_, err := db.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// ListTasks lists all tasks, optionally filtered by status, in creation order.
func (db *DB) ListTasks(status *models.TaskStatus) ([]models.Task, error) {
	var rows *sql.Rows
	var err error

	if status != nil {
		rows, err = db.Query(`
			SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at
		`, string(*status))
	} else {
		rows, err = db.Query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at`)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ListTasksByPlan lists the subtasks of a plan in creation order.
func (db *DB) ListTasksByPlan(planID string) ([]models.Task, error) {
	rows, err := db.Query(`
		SELECT `+taskColumns+` FROM tasks WHERE plan_id = ? ORDER BY created_at
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by plan: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// CountTasksByStatus returns the number of tasks in the given status.
func (db *DB) CountTasksByStatus(status models.TaskStatus) (int, error) {
	var count int
	row := db.QueryRow("SELECT COUNT(*) FROM tasks WHERE status = ?", string(status))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan code.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask scans a single task row.
func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var createdAt string
	var planID, description, phase, payload, workerID, result, errMsg sql.NullString
	var startedAt, completedAt sql.NullString

	err := row.Scan(&t.ID, &planID, &t.Title, &t.Type, &description, &t.Priority,
		&t.Status, &phase, &payload, &workerID, &t.Attempts, &result, &errMsg,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.PlanID = planID.String
	t.Description = description.String
	t.Phase = phase.String
	t.WorkerID = workerID.String
	t.Error = errMsg.String
	if payload.Valid {
		t.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.CreatedAt, _ = parseTime(createdAt)
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}

// scanTasks scans task rows into a slice.
func scanTasks(rows *sql.Rows) ([]models.Task, error) {
	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// nullable converts an empty string to a NULL argument.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// rawArg converts raw JSON to a nullable TEXT argument.
func rawArg(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
