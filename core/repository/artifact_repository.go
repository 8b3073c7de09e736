package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/StoneLin0708/language-model-playground/core/models"
)

// ArtifactRepository handles database operations for run artifacts
type ArtifactRepository struct {
	db *DB
}

// NewArtifactRepository creates a new artifact repository
func NewArtifactRepository(db *DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// GetRunArtifacts retrieves artifacts for a run, newest first
func (r *ArtifactRepository) GetRunArtifacts(runID string, artifactType *models.ArtifactType) ([]models.RunArtifact, error) {
	query := `
		SELECT id, run_id, type, kind, uri, step, pruned, created_at, meta_json
		FROM run_artifacts
		WHERE run_id = $1
	`
	args := []interface{}{runID}
	argIndex := 2

	if artifactType != nil {
		query += fmt.Sprintf(" AND type = $%d", argIndex)
		args = append(args, *artifactType)
	}

	query += " ORDER BY step DESC, id DESC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []models.RunArtifact
	for rows.Next() {
		var artifact models.RunArtifact
		var metaJSON string

		err := rows.Scan(
			&artifact.ID,
			&artifact.RunID,
			&artifact.Type,
			&artifact.Kind,
			&artifact.URI,
			&artifact.Step,
			&artifact.Pruned,
			&artifact.CreatedAt,
			&metaJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}

		// Parse meta JSON
		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &artifact.MetaJSON); err != nil {
				return nil, fmt.Errorf("failed to decode artifact meta: %w", err)
			}
		}

		artifacts = append(artifacts, artifact)
	}

	return artifacts, rows.Err()
}

// CreateArtifact creates a new artifact record
func (r *ArtifactRepository) CreateArtifact(runID string, artifactType models.ArtifactType, kind models.ArtifactKind, uri string, step int, meta map[string]interface{}) error {
	metaJSON, err := encodeMeta(meta)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO run_artifacts (run_id, type, kind, uri, step, pruned, created_at, meta_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = r.db.Exec(query, runID, artifactType, kind, uri, step, false, time.Now().UTC(), metaJSON)
	return err
}

// MarkPruned flags every artifact of a run stored at uri as removed from disk
func (r *ArtifactRepository) MarkPruned(runID string, uri string) error {
	query := `UPDATE run_artifacts SET pruned = $1 WHERE run_id = $2 AND uri = $3`
	_, err := r.db.Exec(query, true, runID, uri)
	return err
}
