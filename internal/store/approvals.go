package store

import (
	"database/sql"
	"fmt"
)

// Approval status values (spec §3).
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
)

// Approval mirrors the Approval entity of spec §3.
type Approval struct {
	ApprovalID  string
	RunID       string
	TaskID      string
	Status      string
	Prompt      string
	PreviewJSON string
	CreatedAt   sql.NullTime
	ResolvedAt  sql.NullTime
	ResolvedBy  string
}

const approvalSelect = `SELECT approval_id, run_id, task_id, status, prompt, preview_json,
	created_at, resolved_at, resolved_by FROM run_approvals`

func scanApproval(scan func(dest ...any) error) (*Approval, error) {
	var a Approval
	err := scan(&a.ApprovalID, &a.RunID, &a.TaskID, &a.Status, &a.Prompt, &a.PreviewJSON,
		&a.CreatedAt, &a.ResolvedAt, &a.ResolvedBy)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetApprovalForTask loads the Approval for (run_id, task_id), or (nil, nil).
func (s *Store) GetApprovalForTask(runID, taskID string) (*Approval, error) {
	row := s.db.QueryRow(approvalSelect+` WHERE run_id = ? AND task_id = ?`, runID, taskID)
	a, err := scanApproval(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// GetApproval loads an Approval by id, or (nil, nil).
func (s *Store) GetApproval(approvalID string) (*Approval, error) {
	row := s.db.QueryRow(approvalSelect+` WHERE approval_id = ?`, approvalID)
	a, err := scanApproval(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// FetchOrCreateApproval implements spec §4.4 step 4: returns the existing
// Approval for (run_id, task_id) if present, otherwise creates one pending.
func (s *Store) FetchOrCreateApproval(approvalID, runID, taskID, prompt, previewJSON string) (*Approval, error) {
	existing, err := s.GetApprovalForTask(runID, taskID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	_, err = s.db.Exec(
		`INSERT INTO run_approvals (approval_id, run_id, task_id, status, prompt, preview_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		approvalID, runID, taskID, ApprovalPending, prompt, previewJSON,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return s.GetApprovalForTask(runID, taskID)
		}
		return nil, fmt.Errorf("store: create approval: %w", err)
	}
	return s.GetApprovalForTask(runID, taskID)
}

// ResolveApproval transitions a pending Approval to approved or denied.
// Terminal states are monotonic: resolving an already-resolved approval is
// a no-op returning the existing row.
func (s *Store) ResolveApproval(approvalID, decision, resolvedBy string) (*Approval, error) {
	res, err := s.db.Exec(
		`UPDATE run_approvals SET status = ?, resolved_at = datetime('now'), resolved_by = ?
		 WHERE approval_id = ? AND status = ?`,
		decision, resolvedBy, approvalID, ApprovalPending,
	)
	if err != nil {
		return nil, fmt.Errorf("store: resolve approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.GetApproval(approvalID)
	}
	return s.GetApproval(approvalID)
}

// ListPendingApprovals returns every pending Approval for a run.
func (s *Store) ListPendingApprovals(runID string) ([]Approval, error) {
	rows, err := s.db.Query(approvalSelect+` WHERE run_id = ? AND status = ?`, runID, ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("store: list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan approval: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ListApprovalsForRun returns every Approval attached to a run, for the API
// status view (spec §7 "outstanding approvals").
func (s *Store) ListApprovalsForRun(runID string) ([]Approval, error) {
	rows, err := s.db.Query(approvalSelect+` WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list approvals for run: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan approval: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
