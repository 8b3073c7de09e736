package models

import "time"

// ArtifactKind identifies one half of a logical checkpoint
type ArtifactKind string

const (
	ArtifactKindModel     ArtifactKind = "model"
	ArtifactKindOptimizer ArtifactKind = "optimizer"
)

// ArtifactKinds lists every kind that makes up a logical checkpoint
var ArtifactKinds = []ArtifactKind{ArtifactKindModel, ArtifactKindOptimizer}

// CheckpointEntry is one artifact file discovered on disk
type CheckpointEntry struct {
	Step     int
	Filename string
}

// Checkpoint pairs the model and optimizer artifacts written for the same step
type Checkpoint struct {
	Step          int
	ModelPath     string
	OptimizerPath string
	SavedAt       time.Time
}

// RetentionPolicy bounds how many checkpoints of each kind are kept on disk.
// A negative Limit disables pruning.
type RetentionPolicy struct {
	Limit int
}

// Enabled reports whether the policy prunes anything at all
func (p RetentionPolicy) Enabled() bool {
	return p.Limit >= 0
}
