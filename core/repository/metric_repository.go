package repository

import (
	"fmt"
	"time"

	"github.com/StoneLin0708/language-model-playground/core/models"
)

// MetricRepository handles database operations for scalar and text metrics
type MetricRepository struct {
	db *DB
}

// NewMetricRepository creates a new metric repository
func NewMetricRepository(db *DB) *MetricRepository {
	return &MetricRepository{db: db}
}

// InsertScalars appends one value per series under tag at step
func (r *MetricRepository) InsertScalars(runID, tag string, values map[string]float64, step int) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := r.db.Rebind(`
		INSERT INTO metric_scalars (run_id, tag, series, step, value, at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)

	now := time.Now().UTC()
	for series, value := range values {
		if _, err := tx.Exec(query, runID, tag, series, step, value, now); err != nil {
			return fmt.Errorf("failed to insert scalar %s/%s: %w", tag, series, err)
		}
	}

	return tx.Commit()
}

// InsertText appends a text block under tag at step
func (r *MetricRepository) InsertText(runID, tag, body string, step int) error {
	query := `
		INSERT INTO metric_texts (run_id, tag, step, body, at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Exec(query, runID, tag, step, body, time.Now().UTC())
	return err
}

// GetScalars returns the points of one series in step order
func (r *MetricRepository) GetScalars(runID, tag, series string) ([]models.ScalarPoint, error) {
	query := `
		SELECT tag, series, step, value, at
		FROM metric_scalars
		WHERE run_id = $1 AND tag = $2 AND series = $3
		ORDER BY step, id
	`
	return r.queryScalars(query, runID, tag, series)
}

// LatestScalars returns the most recent point of every series recorded for a run
func (r *MetricRepository) LatestScalars(runID string) ([]models.ScalarPoint, error) {
	query := `
		SELECT m.tag, m.series, m.step, m.value, m.at
		FROM metric_scalars m
		WHERE m.run_id = $1 AND m.id = (
			SELECT MAX(l.id) FROM metric_scalars l
			WHERE l.run_id = m.run_id AND l.tag = m.tag AND l.series = m.series
		)
		ORDER BY m.tag, m.series
	`
	return r.queryScalars(query, runID)
}

// GetTexts returns the text blocks recorded under tag in step order
func (r *MetricRepository) GetTexts(runID, tag string) ([]models.TextRecord, error) {
	query := `
		SELECT tag, step, body, at
		FROM metric_texts
		WHERE run_id = $1 AND tag = $2
		ORDER BY step, id
	`

	rows, err := r.db.Query(query, runID, tag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var texts []models.TextRecord
	for rows.Next() {
		var t models.TextRecord
		if err := rows.Scan(&t.Tag, &t.Step, &t.Body, &t.At); err != nil {
			return nil, fmt.Errorf("failed to scan text: %w", err)
		}
		texts = append(texts, t)
	}

	return texts, rows.Err()
}

func (r *MetricRepository) queryScalars(query string, args ...interface{}) ([]models.ScalarPoint, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []models.ScalarPoint
	for rows.Next() {
		var p models.ScalarPoint
		if err := rows.Scan(&p.Tag, &p.Series, &p.Step, &p.Value, &p.At); err != nil {
			return nil, fmt.Errorf("failed to scan scalar: %w", err)
		}
		points = append(points, p)
	}

	return points, rows.Err()
}
