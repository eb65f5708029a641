package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/drover/pkg/models"
)

const workerColumns = `id, role, capabilities, status, current_task_id, last_heartbeat, metadata`

// CreateWorker inserts a new worker registration.
func (db *DB) CreateWorker(w *models.Worker) error {
	caps, _ := json.Marshal(w.Capabilities)
	var meta *string
	if len(w.Metadata) > 0 {
		b, _ := json.Marshal(w.Metadata)
		s := string(b)
		meta = &s
	}

	_, err := db.Exec(`
		INSERT INTO workers (`+workerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.Role, string(caps), string(w.Status), nullable(w.CurrentTaskID),
		formatTime(w.LastHeartbeat), meta)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	return nil
}

// GetWorker retrieves a worker by ID. Returns nil, nil if not found.
func (db *DB) GetWorker(id string) (*models.Worker, error) {
	row := db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// UpdateWorker updates all mutable fields of a worker.
func (db *DB) UpdateWorker(w *models.Worker) error {
	caps, _ := json.Marshal(w.Capabilities)
	var meta *string
	if len(w.Metadata) > 0 {
		b, _ := json.Marshal(w.Metadata)
		s := string(b)
		meta = &s
	}

	_, err := db.Exec(`
		UPDATE workers SET role = ?, capabilities = ?, status = ?, current_task_id = ?,
			last_heartbeat = ?, metadata = ?
		WHERE id = ?
	`, w.Role, string(caps), string(w.Status), nullable(w.CurrentTaskID),
		formatTime(w.LastHeartbeat), meta, w.ID)
	if err != nil {
		return fmt.Errorf("update worker: %w", err)
	}
	return nil
}

// DeleteWorker removes a worker registration.
func (db *DB) DeleteWorker(id string) error {
	_, err := db.Exec("DELETE FROM workers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	return nil
}

// ListWorkers lists all workers, optionally filtered by role.
func (db *DB) ListWorkers(role string) ([]models.Worker, error) {
	var rows *sql.Rows
	var err error

	if role != "" {
		rows, err = db.Query(`
			SELECT `+workerColumns+` FROM workers WHERE role = ? ORDER BY id
		`, role)
	} else {
		rows, err = db.Query(`SELECT ` + workerColumns + ` FROM workers ORDER BY id`)
	}
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []models.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

// TouchWorker updates a worker's heartbeat timestamp and status.
func (db *DB) TouchWorker(id string, status models.WorkerStatus, at time.Time) error {
	res, err := db.Exec(`
		UPDATE workers SET last_heartbeat = ?, status = ? WHERE id = ?
	`, formatTime(at), string(status), id)
	if err != nil {
		return fmt.Errorf("touch worker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch worker rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("touch worker: %w", ErrNotFound)
	}
	return nil
}

// scanWorker scans a single worker row.
func scanWorker(row rowScanner) (*models.Worker, error) {
	var w models.Worker
	var caps, lastHeartbeat string
	var currentTaskID, meta sql.NullString

	err := row.Scan(&w.ID, &w.Role, &caps, &w.Status, &currentTaskID, &lastHeartbeat, &meta)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(caps), &w.Capabilities)
	w.CurrentTaskID = currentTaskID.String
	if meta.Valid {
		json.Unmarshal([]byte(meta.String), &w.Metadata)
	}
	w.LastHeartbeat, _ = parseTime(lastHeartbeat)
	return &w, nil
}
