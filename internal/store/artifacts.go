package store

import (
	"database/sql"
	"fmt"
)

// Artifact mirrors the Artifact entity of spec §3.
type Artifact struct {
	ArtifactID   string
	RunID        string
	Kind         string
	ContentType  string
	URI          string
	MetadataJSON string
	CreatedAt    sql.NullTime
}

const artifactSelect = `SELECT artifact_id, run_id, kind, content_type, uri, metadata_json, created_at FROM run_artifacts`

func scanArtifact(scan func(dest ...any) error) (*Artifact, error) {
	var a Artifact
	err := scan(&a.ArtifactID, &a.RunID, &a.Kind, &a.ContentType, &a.URI, &a.MetadataJSON, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateArtifact records a materialized artifact row (spec §4.4 step 7).
func (s *Store) CreateArtifact(a *Artifact) error {
	_, err := s.db.Exec(
		`INSERT INTO run_artifacts (artifact_id, run_id, kind, content_type, uri, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ArtifactID, a.RunID, a.Kind, a.ContentType, a.URI, a.MetadataJSON,
	)
	if err != nil {
		return fmt.Errorf("store: create artifact: %w", err)
	}
	return nil
}

// GetArtifact loads an Artifact by (run_id, artifact_id), or (nil, nil).
func (s *Store) GetArtifact(runID, artifactID string) (*Artifact, error) {
	row := s.db.QueryRow(artifactSelect+` WHERE run_id = ? AND artifact_id = ?`, runID, artifactID)
	a, err := scanArtifact(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListArtifactsForRun returns every Artifact attached to a run.
func (s *Store) ListArtifactsForRun(runID string) ([]Artifact, error) {
	rows, err := s.db.Query(artifactSelect+` WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts for run: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan artifact: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ListArtifactsOlderThan returns artifacts of kind created more than
// maxAgeDays ago, for the retention sweeper (spec §4.7). maxAgeDays < 0 is
// rejected by the caller before reaching here (negative retention means
// never sweep).
func (s *Store) ListArtifactsOlderThan(kind string, maxAgeDays int) ([]Artifact, error) {
	rows, err := s.db.Query(
		artifactSelect+` WHERE kind = ? AND julianday('now') - julianday(created_at) > ?`,
		kind, maxAgeDays,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list expired artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan artifact: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DeleteArtifact removes an Artifact's row (the sweeper deletes the file
// separately before calling this; §4.7 and the Open Question (c) redesign
// in DESIGN.md).
func (s *Store) DeleteArtifact(artifactID string) error {
	_, err := s.db.Exec(`DELETE FROM run_artifacts WHERE artifact_id = ?`, artifactID)
	if err != nil {
		return fmt.Errorf("store: delete artifact: %w", err)
	}
	return nil
}
