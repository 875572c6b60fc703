package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Broker Listing status values (spec GLOSSARY, SPEC_FULL.md §3).
const (
	ListingFound             = "found"
	ListingRemovalSubmitted  = "removal_submitted"
	ListingRemoved           = "removed"
	ListingVerifiedRemoved   = "verified_removed"
	ListingRemovalFailed     = "removal_failed"
)

// BrokerListing mirrors the supplemented Broker Listing entity.
type BrokerListing struct {
	ListingID    string
	BrokerID     string
	ProfileID    string
	Status       string
	Confidence   float64
	ListingURL   string
	RecheckAfter sql.NullTime
	CreatedAt    sql.NullTime
	UpdatedAt    sql.NullTime
}

const brokerListingSelect = `SELECT listing_id, broker_id, profile_id, status, confidence, listing_url,
	recheck_after, created_at, updated_at FROM broker_listings`

func scanBrokerListing(scan func(dest ...any) error) (*BrokerListing, error) {
	var l BrokerListing
	err := scan(&l.ListingID, &l.BrokerID, &l.ProfileID, &l.Status, &l.Confidence, &l.ListingURL,
		&l.RecheckAfter, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// UpsertBrokerListing creates or advances the one listing row per
// (broker_id, profile_id), implementing the `broker.update_status` task's
// durable side effect (REDESIGN FLAGS in DESIGN.md/SPEC_FULL.md).
func (s *Store) UpsertBrokerListing(l *BrokerListing) error {
	var recheck any
	if l.RecheckAfter.Valid {
		recheck = l.RecheckAfter.Time
	}
	_, err := s.db.Exec(
		`INSERT INTO broker_listings (listing_id, broker_id, profile_id, status, confidence, listing_url, recheck_after)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(broker_id, profile_id) DO UPDATE SET
		   status = excluded.status,
		   confidence = excluded.confidence,
		   listing_url = excluded.listing_url,
		   recheck_after = excluded.recheck_after,
		   updated_at = datetime('now')`,
		l.ListingID, l.BrokerID, l.ProfileID, l.Status, l.Confidence, l.ListingURL, recheck,
	)
	if err != nil {
		return fmt.Errorf("store: upsert broker listing: %w", err)
	}
	return nil
}

// UpsertBrokerListingStatus is the narrow surface internal/tasks's
// broker.update_status handler writes through (BrokerStatusStore). It
// reuses an existing listing id for the (broker_id, profile_id) pair or
// mints a new one, then delegates to UpsertBrokerListing.
func (s *Store) UpsertBrokerListingStatus(brokerID, profileID, status string, recheckAfter time.Time) (string, error) {
	existing, err := s.GetBrokerListing(brokerID, profileID)
	if err != nil {
		return "", err
	}
	listingID := uuid.NewString()
	if existing != nil {
		listingID = existing.ListingID
	}
	err = s.UpsertBrokerListing(&BrokerListing{
		ListingID:    listingID,
		BrokerID:     brokerID,
		ProfileID:    profileID,
		Status:       status,
		RecheckAfter: sql.NullTime{Time: recheckAfter, Valid: true},
	})
	return listingID, err
}

// GetBrokerListing loads the listing for (broker_id, profile_id), or (nil, nil).
func (s *Store) GetBrokerListing(brokerID, profileID string) (*BrokerListing, error) {
	row := s.db.QueryRow(brokerListingSelect+` WHERE broker_id = ? AND profile_id = ?`, brokerID, profileID)
	l, err := scanBrokerListing(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// RecordRemovalAction inserts an audit sub-record of a removal attempt,
// created alongside a transition to removal_submitted or removal_failed.
func (s *Store) RecordRemovalAction(actionID, listingID, brokerID, profileID, actionType, status, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO removal_actions (action_id, listing_id, broker_id, profile_id, action_type, status, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		actionID, listingID, brokerID, profileID, actionType, status, detail,
	)
	if err != nil {
		return fmt.Errorf("store: record removal action: %w", err)
	}
	return nil
}

// RemovalAction is the audit sub-record created by RecordRemovalAction.
type RemovalAction struct {
	ActionID   string
	ListingID  string
	BrokerID   string
	ProfileID  string
	ActionType string
	Status     string
	Detail     string
	CreatedAt  time.Time
}

// ListRemovalActions returns every RemovalAction for a listing, oldest first.
func (s *Store) ListRemovalActions(listingID string) ([]RemovalAction, error) {
	rows, err := s.db.Query(
		`SELECT action_id, listing_id, broker_id, profile_id, action_type, status, detail, created_at
		 FROM removal_actions WHERE listing_id = ? ORDER BY created_at ASC`, listingID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list removal actions: %w", err)
	}
	defer rows.Close()

	var out []RemovalAction
	for rows.Next() {
		var a RemovalAction
		if err := rows.Scan(&a.ActionID, &a.ListingID, &a.BrokerID, &a.ProfileID, &a.ActionType, &a.Status, &a.Detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan removal action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
