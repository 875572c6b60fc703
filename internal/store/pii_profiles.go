package store

import (
	"database/sql"
	"fmt"
)

// PIIProfile is the encrypted-at-rest subject record, supplemented from
// original_source/db/models.py (see SPEC_FULL.md §3). Only internal/pii ever
// sees plaintext; the Store only ever touches ciphertext.
type PIIProfile struct {
	ProfileID     string
	Label         string
	Ciphertext    []byte
	Nonce         []byte
	IntegrityHash string
	CreatedAt     sql.NullTime
	UpdatedAt     sql.NullTime
}

const piiProfileSelect = `SELECT profile_id, label, ciphertext, nonce, integrity_hash, created_at, updated_at FROM pii_profiles`

func scanPIIProfile(scan func(dest ...any) error) (*PIIProfile, error) {
	var p PIIProfile
	err := scan(&p.ProfileID, &p.Label, &p.Ciphertext, &p.Nonce, &p.IntegrityHash, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertPIIProfile creates or replaces the encrypted record for a profile.
func (s *Store) UpsertPIIProfile(p *PIIProfile) error {
	_, err := s.db.Exec(
		`INSERT INTO pii_profiles (profile_id, label, ciphertext, nonce, integrity_hash)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(profile_id) DO UPDATE SET
		   label = excluded.label,
		   ciphertext = excluded.ciphertext,
		   nonce = excluded.nonce,
		   integrity_hash = excluded.integrity_hash,
		   updated_at = datetime('now')`,
		p.ProfileID, p.Label, p.Ciphertext, p.Nonce, p.IntegrityHash,
	)
	if err != nil {
		return fmt.Errorf("store: upsert pii profile: %w", err)
	}
	return nil
}

// GetPIIProfile loads the encrypted record for a profile, or (nil, nil).
func (s *Store) GetPIIProfile(profileID string) (*PIIProfile, error) {
	row := s.db.QueryRow(piiProfileSelect+` WHERE profile_id = ?`, profileID)
	p, err := scanPIIProfile(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}
