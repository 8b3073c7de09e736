package models

import "time"

// Run represents a single invocation of the trainer for an experiment
type Run struct {
	ID         string
	Experiment string
	Status     RunStatus
	ResumeStep int
	FinalStep  *int
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	UpdatedAt  time.Time
	SpecYAML   string
}

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunStatusPending     RunStatus = "pending"
	RunStatusRunning     RunStatus = "running"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// RunEvent represents a state transition event for a run
type RunEvent struct {
	ID         int64
	RunID      string
	At         time.Time
	FromStatus *RunStatus
	ToStatus   RunStatus
	Reason     string
	MetaJSON   map[string]interface{}
}

// ArtifactType represents the type of run artifact
type ArtifactType string

const (
	ArtifactTypeCheckpoint ArtifactType = "checkpoint"
	ArtifactTypeTokenizer  ArtifactType = "tokenizer"
)

// RunArtifact represents a file produced by a run
type RunArtifact struct {
	ID        int64
	RunID     string
	Type      ArtifactType
	Kind      ArtifactKind
	URI       string
	Step      int
	Pruned    bool
	CreatedAt time.Time
	MetaJSON  map[string]interface{}
}

// ScalarPoint is one value of a metric series
type ScalarPoint struct {
	Tag    string
	Series string
	Step   int
	Value  float64
	At     time.Time
}

// TextRecord is a free-text block keyed by step
type TextRecord struct {
	Tag  string
	Step int
	Body string
	At   time.Time
}
