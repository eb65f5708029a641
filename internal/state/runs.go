package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/drover/pkg/models"
)

const runColumns = `id, task_id, worker_id, number, status, result, error, started_at, ended_at`

// CreateRun inserts a new run record.
func (db *DB) CreateRun(r *models.Run) error {
	_, err := db.Exec(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.TaskID, r.WorkerID, r.Number, string(r.Status), rawArg(r.Result),
		nullable(r.Error), formatTime(r.StartedAt), nullableTimeArg(r.EndedAt))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil, nil if not found.
func (db *DB) GetRun(id string) (*models.Run, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// UpdateRun updates all mutable fields of a run.
func (db *DB) UpdateRun(r *models.Run) error {
	_, err := db.Exec(`
		UPDATE runs SET status = ?, result = ?, error = ?, ended_at = ?
		WHERE id = ?
	`, string(r.Status), rawArg(r.Result), nullable(r.Error), nullableTimeArg(r.EndedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// ListRunsByTask lists all runs for a task ordered by attempt number.
func (db *DB) ListRunsByTask(taskID string) ([]models.Run, error) {
	rows, err := db.Query(`
		SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY number
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runs by task: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// NextRunNumber returns the attempt number the next run of a task should use.
func (db *DB) NextRunNumber(taskID string) (int, error) {
	var max int
	row := db.QueryRow("SELECT COALESCE(MAX(number), 0) FROM runs WHERE task_id = ?", taskID)
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("next run number: %w", err)
	}
	return max + 1, nil
}

// scanRun scans a single run row.
func scanRun(row rowScanner) (*models.Run, error) {
	var r models.Run
	var startedAt string
	var result, errMsg, endedAt sql.NullString

	err := row.Scan(&r.ID, &r.TaskID, &r.WorkerID, &r.Number, &r.Status,
		&result, &errMsg, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	if result.Valid {
		r.Result = json.RawMessage(result.String)
	}
	r.Error = errMsg.String
	r.StartedAt, _ = parseTime(startedAt)
	r.EndedAt = parseNullableTime(endedAt)
	return &r, nil
}
