package store

import (
	"database/sql"
	"fmt"
)

// Human Action Queue status values.
const (
	HumanActionPending   = "pending"
	HumanActionCompleted = "completed"
)

// HumanActionItem is the persisted form of queue.human_action /
// captcha.solve output (supplemented entity, SPEC_FULL.md §3).
type HumanActionItem struct {
	ItemID       string
	BrokerID     string
	ListingID    string
	ActionNeeded string
	Instructions string
	Priority     int
	Status       string
	CreatedAt    sql.NullTime
	ResolvedAt   sql.NullTime
}

const humanActionSelect = `SELECT item_id, broker_id, listing_id, action_needed, instructions, priority,
	status, created_at, resolved_at FROM human_action_queue`

// EnqueueHumanAction inserts a pending handoff item. Higher priority values
// surface first in ListPendingHumanActions (spec GLOSSARY "Human Action
// Queue").
func (s *Store) EnqueueHumanAction(itemID, brokerID, listingID, actionNeeded, instructions string, priority int) error {
	_, err := s.db.Exec(
		`INSERT INTO human_action_queue (item_id, broker_id, listing_id, action_needed, instructions, priority, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		itemID, brokerID, listingID, actionNeeded, instructions, priority, HumanActionPending,
	)
	if err != nil {
		return fmt.Errorf("store: enqueue human action: %w", err)
	}
	return nil
}

// ListPendingHumanActions returns every pending handoff item, highest
// priority first and oldest first within a priority.
func (s *Store) ListPendingHumanActions() ([]HumanActionItem, error) {
	rows, err := s.db.Query(humanActionSelect+` WHERE status = ? ORDER BY priority DESC, created_at ASC`, HumanActionPending)
	if err != nil {
		return nil, fmt.Errorf("store: list pending human actions: %w", err)
	}
	defer rows.Close()

	var out []HumanActionItem
	for rows.Next() {
		var h HumanActionItem
		if err := rows.Scan(&h.ItemID, &h.BrokerID, &h.ListingID, &h.ActionNeeded, &h.Instructions,
			&h.Priority, &h.Status, &h.CreatedAt, &h.ResolvedAt); err != nil {
			return nil, fmt.Errorf("store: scan human action: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ResolveHumanAction marks a handoff item completed.
func (s *Store) ResolveHumanAction(itemID string) error {
	_, err := s.db.Exec(
		`UPDATE human_action_queue SET status = ?, resolved_at = datetime('now') WHERE item_id = ?`,
		HumanActionCompleted, itemID,
	)
	if err != nil {
		return fmt.Errorf("store: resolve human action: %w", err)
	}
	return nil
}
