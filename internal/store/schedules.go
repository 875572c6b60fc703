package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Schedule mirrors the Schedule entity of spec §3.
type Schedule struct {
	ScheduleID   string
	BrokerID     string
	ProfileID    string
	ScanType     string
	NextRunAt    time.Time
	LastRunID    string
	LastRunAt    sql.NullTime
	IntervalDays int
	Enabled      bool
	CreatedAt    sql.NullTime
}

const scheduleSelect = `SELECT schedule_id, broker_id, profile_id, scan_type, next_run_at, last_run_id,
	last_run_at, interval_days, enabled, created_at FROM scan_schedule`

func scanSchedule(scan func(dest ...any) error) (*Schedule, error) {
	var sc Schedule
	err := scan(&sc.ScheduleID, &sc.BrokerID, &sc.ProfileID, &sc.ScanType, &sc.NextRunAt, &sc.LastRunID,
		&sc.LastRunAt, &sc.IntervalDays, &sc.Enabled, &sc.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// CreateSchedule inserts one Schedule if the (broker_id, profile_id) pair
// doesn't already have one (spec §3 invariant, §4.5 "Bootstrap").
func (s *Store) CreateSchedule(sc *Schedule) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO scan_schedule (schedule_id, broker_id, profile_id, scan_type, next_run_at, interval_days, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sc.ScheduleID, sc.BrokerID, sc.ProfileID, sc.ScanType, sc.NextRunAt, sc.IntervalDays, sc.Enabled,
	)
	if err != nil {
		return fmt.Errorf("store: create schedule: %w", err)
	}
	return nil
}

// DueSchedules returns enabled schedules with next_run_at <= now, ordered
// ascending (spec §4.5 step 1).
func (s *Store) DueSchedules(now time.Time) ([]Schedule, error) {
	rows, err := s.db.Query(
		scheduleSelect+` WHERE enabled = 1 AND next_run_at <= ? ORDER BY next_run_at ASC`, now,
	)
	if err != nil {
		return nil, fmt.Errorf("store: due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan schedule: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// ListEnabledSchedules returns every enabled Schedule, for the API's
// GET /v1/schedule.
func (s *Store) ListEnabledSchedules() ([]Schedule, error) {
	rows, err := s.db.Query(scheduleSelect + ` WHERE enabled = 1 ORDER BY next_run_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list enabled schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan schedule: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// GetSchedule loads a Schedule by id, or (nil, nil).
func (s *Store) GetSchedule(scheduleID string) (*Schedule, error) {
	row := s.db.QueryRow(scheduleSelect+` WHERE schedule_id = ?`, scheduleID)
	sc, err := scanSchedule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sc, err
}

// GetScheduleByBrokerProfile loads the (broker_id, profile_id) Schedule,
// or (nil, nil), for the bootstrap operation's existence check (spec.md
// §4.5 "Bootstrap").
func (s *Store) GetScheduleByBrokerProfile(brokerID, profileID string) (*Schedule, error) {
	row := s.db.QueryRow(scheduleSelect+` WHERE broker_id = ? AND profile_id = ?`, brokerID, profileID)
	sc, err := scanSchedule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sc, err
}

// AdvanceSchedule records the outcome of a tick and advances next_run_at by
// interval_days (spec §4.5 step 4).
func (s *Store) AdvanceSchedule(scheduleID, lastRunID string, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE scan_schedule SET last_run_id = ?, last_run_at = ?,
		 next_run_at = datetime(?, '+' || interval_days || ' days')
		 WHERE schedule_id = ?`,
		lastRunID, now, now.Format(time.RFC3339), scheduleID,
	)
	if err != nil {
		return fmt.Errorf("store: advance schedule: %w", err)
	}
	return nil
}

// DisableSchedulesForBroker disables every enabled Schedule for a broker
// (spec §4.6, dead-letter controller).
func (s *Store) DisableSchedulesForBroker(brokerID string) (int64, error) {
	res, err := s.db.Exec(`UPDATE scan_schedule SET enabled = 0 WHERE broker_id = ? AND enabled = 1`, brokerID)
	if err != nil {
		return 0, fmt.Errorf("store: disable schedules for broker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: disable schedules rows affected: %w", err)
	}
	return n, nil
}

// EnableSchedule re-enables a single schedule, used by a manual trigger
// that wants to resume a dead-lettered broker (operator action, not part of
// the automatic dead-letter path).
func (s *Store) EnableSchedule(scheduleID string) error {
	_, err := s.db.Exec(`UPDATE scan_schedule SET enabled = 1 WHERE schedule_id = ?`, scheduleID)
	if err != nil {
		return fmt.Errorf("store: enable schedule: %w", err)
	}
	return nil
}

// TriggerNow sets a schedule's next_run_at to now, for POST /v1/schedule/{id}/trigger.
func (s *Store) TriggerNow(scheduleID string) error {
	_, err := s.db.Exec(`UPDATE scan_schedule SET next_run_at = datetime('now') WHERE schedule_id = ?`, scheduleID)
	if err != nil {
		return fmt.Errorf("store: trigger schedule: %w", err)
	}
	return nil
}
