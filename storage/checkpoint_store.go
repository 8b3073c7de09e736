package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/StoneLin0708/language-model-playground/core/models"
)

// ErrInconsistentCheckpoint is matched by every InconsistencyError
var ErrInconsistentCheckpoint = errors.New("inconsistent checkpoint")

// InconsistencyError reports that the newest model and optimizer artifacts
// were written for different steps
type InconsistencyError struct {
	Dir           string
	ModelStep     int
	OptimizerStep int
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("inconsistent checkpoint in %s: latest model step %d != latest optimizer step %d",
		e.Dir, e.ModelStep, e.OptimizerStep)
}

// Is lets errors.Is match ErrInconsistentCheckpoint
func (e *InconsistencyError) Is(target error) bool {
	return target == ErrInconsistentCheckpoint
}

// PruneFailure records an artifact that could not be removed
type PruneFailure struct {
	Filename string
	Err      error
}

// RetentionReport summarizes one retention pass
type RetentionReport struct {
	Removed []string
	Failed  []PruneFailure
}

// CheckpointStore is the single authority over where checkpoints live and how
// many of them persist. It caches nothing; every call rescans the directory.
type CheckpointStore struct {
	remove func(name string) error
}

// NewCheckpointStore creates a new checkpoint store
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{remove: os.Remove}
}

// SavePaths returns where the model and optimizer artifacts for step belong
func (s *CheckpointStore) SavePaths(dir string, step int) (string, string) {
	return PathFor(models.ArtifactKindModel, dir, step), PathFor(models.ArtifactKindOptimizer, dir, step)
}

// LatestValidStep returns the newest step for which both artifacts exist.
// ok is false when either kind has no artifacts yet.
func (s *CheckpointStore) LatestValidStep(dir string) (step int, ok bool, err error) {
	modelEntries, err := ListEntries(dir, models.ArtifactKindModel)
	if err != nil {
		return 0, false, err
	}
	optimizerEntries, err := ListEntries(dir, models.ArtifactKindOptimizer)
	if err != nil {
		return 0, false, err
	}

	if len(modelEntries) == 0 || len(optimizerEntries) == 0 {
		return 0, false, nil
	}

	modelStep := modelEntries[len(modelEntries)-1].Step
	optimizerStep := optimizerEntries[len(optimizerEntries)-1].Step
	if modelStep != optimizerStep {
		return 0, false, &InconsistencyError{Dir: dir, ModelStep: modelStep, OptimizerStep: optimizerStep}
	}

	return modelStep, true, nil
}

// EnforceRetention keeps the policy.Limit newest artifacts of each kind and
// removes the rest. A failed removal is recorded and the pass continues.
func (s *CheckpointStore) EnforceRetention(dir string, policy models.RetentionPolicy) (*RetentionReport, error) {
	report := &RetentionReport{Removed: []string{}}
	if !policy.Enabled() {
		return report, nil
	}

	remove := s.remove
	if remove == nil {
		remove = os.Remove
	}

	for _, kind := range models.ArtifactKinds {
		entries, err := ListEntries(dir, kind)
		if err != nil {
			return report, err
		}

		removeCount := len(entries) - policy.Limit
		if removeCount <= 0 {
			continue
		}

		for _, entry := range entries[:removeCount] {
			if err := remove(filepath.Join(dir, entry.Filename)); err != nil {
				report.Failed = append(report.Failed, PruneFailure{Filename: entry.Filename, Err: err})
				continue
			}
			report.Removed = append(report.Removed, entry.Filename)
		}
	}

	return report, nil
}

// LatestCheckpoint resolves the newest checkpoint in dir that is safe to
// resume from. ok is false when dir holds no complete checkpoint.
func (s *CheckpointStore) LatestCheckpoint(dir string) (models.Checkpoint, bool, error) {
	step, ok, err := s.LatestValidStep(dir)
	if err != nil || !ok {
		return models.Checkpoint{}, false, err
	}

	ckpt, err := s.Pair(dir, step)
	if err != nil {
		return models.Checkpoint{}, false, err
	}
	return ckpt, true, nil
}

// Pair resolves the checkpoint for step, failing if either artifact is missing
func (s *CheckpointStore) Pair(dir string, step int) (models.Checkpoint, error) {
	modelPath, optimizerPath := s.SavePaths(dir, step)

	info, err := os.Stat(modelPath)
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("model artifact for step %d: %w", step, err)
	}
	if _, err := os.Stat(optimizerPath); err != nil {
		return models.Checkpoint{}, fmt.Errorf("optimizer artifact for step %d: %w", step, err)
	}

	return models.Checkpoint{
		Step:          step,
		ModelPath:     modelPath,
		OptimizerPath: optimizerPath,
		SavedAt:       info.ModTime(),
	}, nil
}
