package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/StoneLin0708/language-model-playground/core/models"
	"github.com/StoneLin0708/language-model-playground/core/repository"
)

// CheckpointManager keeps the artifact records of one run in step with what
// the checkpoint store writes and prunes on disk
type CheckpointManager struct {
	artifactRepo *repository.ArtifactRepository
	runID        string
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(artifactRepo *repository.ArtifactRepository, runID string) *CheckpointManager {
	return &CheckpointManager{
		artifactRepo: artifactRepo,
		runID:        runID,
	}
}

// CheckpointSaved records both artifacts of a freshly written checkpoint
func (cm *CheckpointManager) CheckpointSaved(ctx context.Context, ckpt models.Checkpoint) error {
	paths := map[models.ArtifactKind]string{
		models.ArtifactKindModel:     ckpt.ModelPath,
		models.ArtifactKindOptimizer: ckpt.OptimizerPath,
	}

	for _, kind := range models.ArtifactKinds {
		meta := map[string]interface{}{
			"step":     ckpt.Step,
			"saved_at": ckpt.SavedAt,
		}
		if err := cm.artifactRepo.CreateArtifact(cm.runID, models.ArtifactTypeCheckpoint, kind, paths[kind], ckpt.Step, meta); err != nil {
			return fmt.Errorf("failed to record %s artifact for step %d: %w", kind, ckpt.Step, err)
		}
	}
	return nil
}

// CheckpointsPruned flags removed artifacts so listings reflect the disk
func (cm *CheckpointManager) CheckpointsPruned(ctx context.Context, dir string, removed []string) error {
	for _, name := range removed {
		if err := cm.artifactRepo.MarkPruned(cm.runID, filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("failed to mark %s pruned: %w", name, err)
		}
	}
	return nil
}
