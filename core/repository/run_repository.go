package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/StoneLin0708/language-model-playground/core/models"

	"github.com/google/uuid"
)

// ErrStatusConflict is matched by every StatusConflictError
var ErrStatusConflict = errors.New("run status conflict")

// StatusConflictError reports a status transition whose source status no
// longer matches the stored run
type StatusConflictError struct {
	RunID    string
	Expected models.RunStatus
	Actual   models.RunStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("run %s is %s, not %s", e.RunID, e.Actual, e.Expected)
}

// Is lets errors.Is match ErrStatusConflict
func (e *StatusConflictError) Is(target error) bool {
	return target == ErrStatusConflict
}

// RunRepository handles database operations for training runs
type RunRepository struct {
	db *DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

// CreateRun creates a new run in the database
func (r *RunRepository) CreateRun(run *models.Run) error {
	query := `
		INSERT INTO runs (
			id, experiment, status, resume_step, spec_yaml, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
	`

	runID := uuid.New()
	if run.ID != "" {
		var err error
		runID, err = uuid.Parse(run.ID)
		if err != nil {
			return fmt.Errorf("invalid run id %q: %w", run.ID, err)
		}
	}
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}

	now := time.Now().UTC()
	_, err := r.db.Exec(query,
		runID.String(),
		run.Experiment,
		run.Status,
		run.ResumeStep,
		run.SpecYAML,
		now,
		now,
	)
	if err != nil {
		return err
	}

	run.ID = runID.String()
	run.CreatedAt = now
	run.UpdatedAt = now

	// Create initial event
	return r.CreateRunEvent(run.ID, nil, run.Status, "run_created", nil)
}

// GetRun retrieves a run by ID
func (r *RunRepository) GetRun(id string) (*models.Run, error) {
	query := `
		SELECT id, experiment, status, resume_step, final_step, spec_yaml,
			created_at, started_at, finished_at, updated_at
		FROM runs
		WHERE id = $1
	`

	var run models.Run
	var finalStep sql.NullInt64
	var startedAt sql.NullTime
	var finishedAt sql.NullTime

	err := r.db.QueryRow(query, id).Scan(
		&run.ID,
		&run.Experiment,
		&run.Status,
		&run.ResumeStep,
		&finalStep,
		&run.SpecYAML,
		&run.CreatedAt,
		&startedAt,
		&finishedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if finalStep.Valid {
		step := int(finalStep.Int64)
		run.FinalStep = &step
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}

	return &run, nil
}

// ListRuns lists runs, newest first, optionally filtered by experiment and status
func (r *RunRepository) ListRuns(experiment string, status *models.RunStatus, limit int) ([]*models.Run, error) {
	query := `
		SELECT id, experiment, status, resume_step, final_step, created_at, updated_at
		FROM runs
		WHERE 1 = 1
	`
	args := []interface{}{}
	argIndex := 1

	if experiment != "" {
		query += fmt.Sprintf(" AND experiment = $%d", argIndex)
		args = append(args, experiment)
		argIndex++
	}
	if status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, *status)
		argIndex++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		var run models.Run
		var finalStep sql.NullInt64
		err := rows.Scan(
			&run.ID,
			&run.Experiment,
			&run.Status,
			&run.ResumeStep,
			&finalStep,
			&run.CreatedAt,
			&run.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if finalStep.Valid {
			step := int(finalStep.Int64)
			run.FinalStep = &step
		}
		runs = append(runs, &run)
	}

	return runs, rows.Err()
}

// UpdateRunStatus moves a run from fromStatus to toStatus atomically with
// event logging. A run no longer in fromStatus yields a *StatusConflictError.
func (r *RunRepository) UpdateRunStatus(runID string, fromStatus, toStatus models.RunStatus, reason string, meta map[string]interface{}) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	updateQuery := `UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
	args := []interface{}{toStatus, now, runID, fromStatus}
	switch toStatus {
	case models.RunStatusRunning:
		updateQuery = `UPDATE runs SET status = $1, updated_at = $2, started_at = $3 WHERE id = $4 AND status = $5`
		args = []interface{}{toStatus, now, now, runID, fromStatus}
	case models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusInterrupted:
		updateQuery = `UPDATE runs SET status = $1, updated_at = $2, finished_at = $3 WHERE id = $4 AND status = $5`
		args = []interface{}{toStatus, now, now, runID, fromStatus}
	}

	res, err := tx.Exec(r.db.Rebind(updateQuery), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var actual models.RunStatus
		err := tx.QueryRow(r.db.Rebind(`SELECT status FROM runs WHERE id = $1`), runID).Scan(&actual)
		if err == sql.ErrNoRows {
			return fmt.Errorf("run %s: %w", runID, sql.ErrNoRows)
		}
		if err != nil {
			return err
		}
		return &StatusConflictError{RunID: runID, Expected: fromStatus, Actual: actual}
	}

	if err := r.createRunEventTx(tx, runID, &fromStatus, toStatus, reason, meta); err != nil {
		return err
	}

	return tx.Commit()
}

// SetFinalStep records the last step reached by a run
func (r *RunRepository) SetFinalStep(runID string, step int) error {
	query := `UPDATE runs SET final_step = $1, updated_at = $2 WHERE id = $3`
	_, err := r.db.Exec(query, step, time.Now().UTC(), runID)
	return err
}

// CreateRunEvent creates a run event
func (r *RunRepository) CreateRunEvent(runID string, fromStatus *models.RunStatus, toStatus models.RunStatus, reason string, meta map[string]interface{}) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.createRunEventTx(tx, runID, fromStatus, toStatus, reason, meta); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *RunRepository) createRunEventTx(tx *sql.Tx, runID string, fromStatus *models.RunStatus, toStatus models.RunStatus, reason string, meta map[string]interface{}) error {
	query := `
		INSERT INTO run_events (run_id, at, from_status, to_status, reason, meta_json)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	var fromStatusStr *string
	if fromStatus != nil {
		s := string(*fromStatus)
		fromStatusStr = &s
	}

	metaJSON, err := encodeMeta(meta)
	if err != nil {
		return err
	}

	_, err = tx.Exec(r.db.Rebind(query), runID, time.Now().UTC(), fromStatusStr, toStatus, reason, metaJSON)
	return err
}

// encodeMeta marshals meta, writing NaN and infinite floats as strings since
// JSON has no representation for them
func encodeMeta(meta map[string]interface{}) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	clean := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			clean[k] = strconv.FormatFloat(f, 'g', -1, 64)
			continue
		}
		clean[k] = v
	}
	b, err := json.Marshal(clean)
	if err != nil {
		return "", fmt.Errorf("failed to encode meta: %w", err)
	}
	return string(b), nil
}
