package state

import (
	"database/sql"
	"fmt"

	"github.com/ShayCichocki/drover/pkg/models"
)

const planColumns = `id, title, description, status, total_subtasks, completed_subtasks, failed_subtasks, created_at`

// CreatePlan inserts a new execution plan.
func (db *DB) CreatePlan(p *models.Plan) error {
	_, err := db.Exec(`
		INSERT INTO plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Title, p.Description, string(p.Status), p.TotalSubtasks,
		p.CompletedSubtasks, p.FailedSubtasks, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a plan by ID. Returns nil, nil if not found.
func (db *DB) GetPlan(id string) (*models.Plan, error) {
	row := db.QueryRow(`SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

// UpdatePlan updates all mutable fields of a plan.
func (db *DB) UpdatePlan(p *models.Plan) error {
	_, err := db.Exec(`
		UPDATE plans SET title = ?, description = ?, status = ?, total_subtasks = ?,
			completed_subtasks = ?, failed_subtasks = ?
		WHERE id = ?
	`, p.Title, p.Description, string(p.Status), p.TotalSubtasks,
		p.CompletedSubtasks, p.FailedSubtasks, p.ID)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	return nil
}

// AdvancePlanProgress atomically bumps a plan's subtask counters and
// rederives its status in one statement, so two daemons completing
// subtasks of the same plan concurrently never lose an increment.
// Column references on the right-hand side read the pre-update values.
// Returns the plan as updated.
func (db *DB) AdvancePlanProgress(planID string, completedDelta, failedDelta int) (*models.Plan, error) {
	res, err := db.Exec(`
		UPDATE plans SET
			completed_subtasks = completed_subtasks + ?,
			failed_subtasks = failed_subtasks + ?,
			status = CASE
				WHEN completed_subtasks + failed_subtasks + ? >= total_subtasks THEN
					CASE WHEN failed_subtasks + ? > 0 THEN ? ELSE ? END
				ELSE ?
			END
		WHERE id = ?
	`, completedDelta, failedDelta, completedDelta+failedDelta, failedDelta,
		string(models.PlanFailed), string(models.PlanCompleted),
		string(models.PlanRunning), planID)
	if err != nil {
		return nil, fmt.Errorf("advance plan progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("advance plan progress rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("advance plan %s: %w", planID, ErrNotFound)
	}
	return db.GetPlan(planID)
}

// MarkPlanFailed flips a plan to failed unless it already reached a
// terminal status. Marking an already terminal plan is a no-op.
func (db *DB) MarkPlanFailed(planID string) error {
	_, err := db.Exec(`
		UPDATE plans SET status = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(models.PlanFailed), planID,
		string(models.PlanPending), string(models.PlanRunning))
	if err != nil {
		return fmt.Errorf("mark plan failed: %w", err)
	}
	return nil
}

// ListPlans lists all plans, newest first.
func (db *DB) ListPlans() ([]models.Plan, error) {
	rows, err := db.Query(`SELECT ` + planColumns + ` FROM plans ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []models.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

// AddPlanDependency records that subtask depends on prerequisite.
// Inserting the same edge twice is a no-op.
func (db *DB) AddPlanDependency(subtaskID, prerequisiteID string) error {
	_, err := db.Exec(`
		INSERT OR IGNORE INTO plan_dependencies (subtask_id, prerequisite_id)
		VALUES (?, ?)
	`, subtaskID, prerequisiteID)
	if err != nil {
		return fmt.Errorf("add plan dependency: %w", err)
	}
	return nil
}

// GetPrerequisites returns the IDs of tasks the given subtask depends on.
func (db *DB) GetPrerequisites(subtaskID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT prerequisite_id FROM plan_dependencies WHERE subtask_id = ?
	`, subtaskID)
	if err != nil {
		return nil, fmt.Errorf("get prerequisites: %w", err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

// GetDependents returns the IDs of tasks that depend on the given task.
func (db *DB) GetDependents(prerequisiteID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT subtask_id FROM plan_dependencies WHERE prerequisite_id = ?
	`, prerequisiteID)
	if err != nil {
		return nil, fmt.Errorf("get dependents: %w", err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

// scanPlan scans a single plan row.
func scanPlan(row rowScanner) (*models.Plan, error) {
	var p models.Plan
	var createdAt string

	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Status, &p.TotalSubtasks,
		&p.CompletedSubtasks, &p.FailedSubtasks, &createdAt)
	if err != nil {
		return nil, err
	}

	p.CreatedAt, _ = parseTime(createdAt)
	return &p, nil
}

// scanIDs scans rows of a single TEXT column.
func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
