package models

import "time"

// TrainingPhase is the part of a run the trainer is currently in
type TrainingPhase string

const (
	TrainingPhaseResuming   TrainingPhase = "resuming"
	TrainingPhaseStepping   TrainingPhase = "stepping"
	TrainingPhaseFinalizing TrainingPhase = "finalizing"
	TrainingPhaseCompleted  TrainingPhase = "completed"
)

// Progress is a point-in-time snapshot of a training run
type Progress struct {
	Experiment string
	Phase      TrainingPhase
	Step       int
	Epoch      int // Zero-based
	Epochs     int
	StartedAt  time.Time
	UpdatedAt  time.Time
}
