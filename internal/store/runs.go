package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Run status values (spec §3, §4.4 state machine).
const (
	RunQueued            = "queued"
	RunRunning           = "running"
	RunBlockedForApproval = "blocked_for_approval"
	RunSucceeded         = "succeeded"
	RunFailed            = "failed"
	RunCanceled          = "canceled"
)

// Run mirrors the Run entity of spec §3.
type Run struct {
	RunID             string
	PlanID            string
	PlanHash          string
	Status            string
	RequestedBy       string
	IdempotencyKey    sql.NullString
	CreatedAt         time.Time
	StartedAt         sql.NullTime
	FinishedAt        sql.NullTime
	ClaimedBy         sql.NullString
	ClaimExpiresAt    sql.NullTime
	ParamsJSON        string
	ResultSummaryJSON string
	ErrorCode         string
	ErrorMessage      string
}

// CreateRun inserts a new queued Run. If idempotencyKey is non-empty and a
// Run with that key already exists, CreateRun returns that existing Run
// instead (I1): the unique index is the arbiter of concurrent launch races,
// so a UNIQUE-constraint failure here is treated as "someone else won" and
// the winner is reread.
func (s *Store) CreateRun(runID, planID, planHash, requestedBy, idempotencyKey, paramsJSON string) (*Run, error) {
	if idempotencyKey != "" {
		if existing, err := s.GetRunByIdempotencyKey(idempotencyKey); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
	}

	var keyArg any
	if idempotencyKey != "" {
		keyArg = idempotencyKey
	}

	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, plan_id, plan_hash, status, requested_by, idempotency_key, params_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, planID, planHash, RunQueued, requestedBy, keyArg, paramsJSON,
	)
	if err != nil {
		if isUniqueConstraintErr(err) && idempotencyKey != "" {
			existing, rereadErr := s.GetRunByIdempotencyKey(idempotencyKey)
			if rereadErr != nil {
				return nil, rereadErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("store: create run: %w", err)
	}
	return s.GetRun(runID)
}

// GetRun loads a Run by id, or (nil, nil) if not found.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(runSelect+` WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// GetRunByIdempotencyKey loads a Run by its idempotency key, or (nil, nil).
func (s *Store) GetRunByIdempotencyKey(key string) (*Run, error) {
	if key == "" {
		return nil, nil
	}
	row := s.db.QueryRow(runSelect+` WHERE idempotency_key = ?`, key)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

const runSelect = `SELECT run_id, plan_id, plan_hash, status, requested_by, idempotency_key,
	created_at, started_at, finished_at, claimed_by, claim_expires_at,
	params_json, result_summary_json, error_code, error_message FROM runs`

func scanRun(row *sql.Row) (*Run, error) {
	var r Run
	err := row.Scan(
		&r.RunID, &r.PlanID, &r.PlanHash, &r.Status, &r.RequestedBy, &r.IdempotencyKey,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt, &r.ClaimedBy, &r.ClaimExpiresAt,
		&r.ParamsJSON, &r.ResultSummaryJSON, &r.ErrorCode, &r.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ClaimCandidates selects up to limit runs in a claimable status, oldest
// first, per spec §4.4 "Claim".
func (s *Store) ClaimCandidates(limit int) ([]Run, error) {
	rows, err := s.db.Query(
		runSelect+` WHERE status IN (?, ?, ?) ORDER BY created_at ASC LIMIT ?`,
		RunQueued, RunRunning, RunBlockedForApproval, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: claim candidates: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(
			&r.RunID, &r.PlanID, &r.PlanHash, &r.Status, &r.RequestedBy, &r.IdempotencyKey,
			&r.CreatedAt, &r.StartedAt, &r.FinishedAt, &r.ClaimedBy, &r.ClaimExpiresAt,
			&r.ParamsJSON, &r.ResultSummaryJSON, &r.ErrorCode, &r.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TryClaim performs the conditional update at the heart of the lease
// protocol (spec §4.4): it succeeds (rows affected = 1) iff the run's
// current claim is null, already ours, or expired. Returns true on success.
func (s *Store) TryClaim(runID, runnerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)
	res, err := s.db.Exec(
		`UPDATE runs SET claimed_by = ?, claim_expires_at = ?
		 WHERE run_id = ? AND (claimed_by IS NULL OR claimed_by = ? OR claim_expires_at < ?)`,
		runnerID, expires, runID, runnerID, now,
	)
	if err != nil {
		return false, fmt.Errorf("store: try claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: try claim rows affected: %w", err)
	}
	return n == 1, nil
}

// RenewClaim reissues the same conditional update restricted to rows this
// runner already owns (spec §4.4 "Lease renewal"). A zero-rows result means
// the claim was lost to another runner.
func (s *Store) RenewClaim(runID, runnerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)
	res, err := s.db.Exec(
		`UPDATE runs SET claim_expires_at = ? WHERE run_id = ? AND claimed_by = ?`,
		expires, runID, runnerID,
	)
	if err != nil {
		return false, fmt.Errorf("store: renew claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: renew claim rows affected: %w", err)
	}
	return n == 1, nil
}

// ClearClaim releases a run's claim (used on approval-block, terminal
// transitions, and claim_lost abort).
func (s *Store) ClearClaim(runID string) error {
	_, err := s.db.Exec(`UPDATE runs SET claimed_by = NULL, claim_expires_at = NULL WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("store: clear claim: %w", err)
	}
	return nil
}

// MarkRunning transitions a Run to running and stamps started_at if unset.
func (s *Store) MarkRunning(runID string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, started_at = COALESCE(started_at, datetime('now')) WHERE run_id = ?`,
		RunRunning, runID,
	)
	if err != nil {
		return fmt.Errorf("store: mark running: %w", err)
	}
	return nil
}

// MarkBlockedForApproval suspends a Run pending an approval decision,
// clearing its claim so another tick doesn't spin on it.
func (s *Store) MarkBlockedForApproval(runID string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, claimed_by = NULL, claim_expires_at = NULL WHERE run_id = ?`,
		RunBlockedForApproval, runID,
	)
	if err != nil {
		return fmt.Errorf("store: mark blocked for approval: %w", err)
	}
	return nil
}

// Unblock moves a blocked_for_approval Run back to queued so the next
// runner tick can resume it (spec §4.4 state machine).
func (s *Store) Unblock(runID string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = ? WHERE run_id = ? AND status = ?`,
		RunQueued, runID, RunBlockedForApproval,
	)
	if err != nil {
		return fmt.Errorf("store: unblock run: %w", err)
	}
	return nil
}

// FinishRun transitions a Run to a terminal status (succeeded, failed,
// canceled), stamping finished_at, the error fields, and clearing the claim.
func (s *Store) FinishRun(runID, status, errorCode, errorMessage, resultSummaryJSON string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, finished_at = datetime('now'), error_code = ?, error_message = ?,
		 result_summary_json = ?, claimed_by = NULL, claim_expires_at = NULL WHERE run_id = ?`,
		status, errorCode, errorMessage, resultSummaryJSON, runID,
	)
	if err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	return nil
}

// CancelRun moves a Run to canceled regardless of current status, observed
// by runners only at their next lease-renewal check (spec §5 "Cancellation").
func (s *Store) CancelRun(runID string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = ? WHERE run_id = ? AND status NOT IN (?, ?, ?)`,
		RunCanceled, runID, RunSucceeded, RunFailed, RunCanceled,
	)
	if err != nil {
		return fmt.Errorf("store: cancel run: %w", err)
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
