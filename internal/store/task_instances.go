package store

import (
	"database/sql"
	"fmt"
)

// Task Instance status values (spec §3, §4.4 state machine).
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
)

// TaskInstance mirrors the Task Instance entity of spec §3.
type TaskInstance struct {
	TaskRunID        string
	RunID            string
	TaskID           string
	TaskIndex        int
	TaskName         string
	TaskType         string
	Status           string
	Attempt          int
	MaxAttempts      int
	Idempotent       bool
	RequiresApproval bool
	ApprovalID       string
	StartedAt        sql.NullTime
	FinishedAt       sql.NullTime
	InputJSON        string
	OutputJSON       string
	ErrorCode        string
	ErrorMessage     string
}

const taskInstanceSelect = `SELECT task_run_id, run_id, task_id, task_index, task_name, task_type, status,
	attempt, max_attempts, idempotent, requires_approval, approval_id,
	started_at, finished_at, input_json, output_json, error_code, error_message FROM run_tasks`

func scanTaskInstance(scan func(dest ...any) error) (*TaskInstance, error) {
	var t TaskInstance
	err := scan(
		&t.TaskRunID, &t.RunID, &t.TaskID, &t.TaskIndex, &t.TaskName, &t.TaskType, &t.Status,
		&t.Attempt, &t.MaxAttempts, &t.Idempotent, &t.RequiresApproval, &t.ApprovalID,
		&t.StartedAt, &t.FinishedAt, &t.InputJSON, &t.OutputJSON, &t.ErrorCode, &t.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTaskInstance loads the Task Instance for (run_id, task_id), or
// (nil, nil) if one has not yet been created.
func (s *Store) GetTaskInstance(runID, taskID string) (*TaskInstance, error) {
	row := s.db.QueryRow(taskInstanceSelect+` WHERE run_id = ? AND task_id = ?`, runID, taskID)
	t, err := scanTaskInstance(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListTaskInstances returns every Task Instance for a run, in plan order.
// Used to rebuild the in-memory state map on runner restart (spec §4.4
// "Crash recovery").
func (s *Store) ListTaskInstances(runID string) ([]TaskInstance, error) {
	rows, err := s.db.Query(taskInstanceSelect+` WHERE run_id = ? ORDER BY task_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list task instances: %w", err)
	}
	defer rows.Close()

	var out []TaskInstance
	for rows.Next() {
		t, err := scanTaskInstance(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan task instance: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// InsertRunningTaskInstance creates a Task Instance in running state if one
// does not already exist for (run_id, task_id); otherwise it is a no-op and
// returns the existing row (spec §4.4 step 5 is idempotent across ticks).
func (s *Store) InsertRunningTaskInstance(t *TaskInstance) (*TaskInstance, error) {
	existing, err := s.GetTaskInstance(t.RunID, t.TaskID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	_, err = s.db.Exec(
		`INSERT INTO run_tasks (task_run_id, run_id, task_id, task_index, task_name, task_type, status,
			attempt, max_attempts, idempotent, requires_approval, approval_id, started_at, input_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), ?)`,
		t.TaskRunID, t.RunID, t.TaskID, t.TaskIndex, t.TaskName, t.TaskType, TaskRunning,
		t.Attempt, t.MaxAttempts, t.Idempotent, t.RequiresApproval, t.ApprovalID, t.InputJSON,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return s.GetTaskInstance(t.RunID, t.TaskID)
		}
		return nil, fmt.Errorf("store: insert task instance: %w", err)
	}
	return s.GetTaskInstance(t.RunID, t.TaskID)
}

// SetTaskApproval records the approval id a Task Instance is gated on.
func (s *Store) SetTaskApproval(taskRunID, approvalID string) error {
	_, err := s.db.Exec(`UPDATE run_tasks SET approval_id = ? WHERE task_run_id = ?`, approvalID, taskRunID)
	if err != nil {
		return fmt.Errorf("store: set task approval: %w", err)
	}
	return nil
}

// CompleteTaskInstance marks a Task Instance succeeded with its output
// (spec §4.4 step 7).
func (s *Store) CompleteTaskInstance(taskRunID, outputJSON string, attempt int) error {
	_, err := s.db.Exec(
		`UPDATE run_tasks SET status = ?, output_json = ?, attempt = ?, finished_at = datetime('now')
		 WHERE task_run_id = ?`,
		TaskSucceeded, outputJSON, attempt, taskRunID,
	)
	if err != nil {
		return fmt.Errorf("store: complete task instance: %w", err)
	}
	return nil
}

// FailTaskInstance marks a Task Instance failed (spec §4.4 step 8).
func (s *Store) FailTaskInstance(taskRunID, errorCode, errorMessage string, attempt int) error {
	_, err := s.db.Exec(
		`UPDATE run_tasks SET status = ?, error_code = ?, error_message = ?, attempt = ?, finished_at = datetime('now')
		 WHERE task_run_id = ?`,
		TaskFailed, errorCode, errorMessage, attempt, taskRunID,
	)
	if err != nil {
		return fmt.Errorf("store: fail task instance: %w", err)
	}
	return nil
}
