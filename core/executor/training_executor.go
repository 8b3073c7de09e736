package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/StoneLin0708/language-model-playground/core/models"
	"github.com/StoneLin0708/language-model-playground/core/repository"
	"github.com/StoneLin0708/language-model-playground/training"
)

// Runner is the part of training.Trainer the executor drives
type Runner interface {
	Run(ctx context.Context, src training.Sources) (*training.Result, error)
}

// TrainingExecutor executes training runs and keeps their run records current
type TrainingExecutor struct {
	runRepo *repository.RunRepository
	logger  *slog.Logger
}

// NewTrainingExecutor creates a new training executor
func NewTrainingExecutor(runRepo *repository.RunRepository, logger *slog.Logger) *TrainingExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrainingExecutor{
		runRepo: runRepo,
		logger:  logger,
	}
}

// CreateRun registers a pending run for exp
func (e *TrainingExecutor) CreateRun(exp *models.Experiment) (*models.Run, error) {
	run := &models.Run{
		Experiment: exp.Name,
		Status:     models.RunStatusPending,
		ResumeStep: exp.Training.ResumeStep,
		SpecYAML:   exp.SpecYAML,
	}
	if err := e.runRepo.CreateRun(run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	e.logger.Info("run created", "run_id", run.ID, "experiment", run.Experiment, "resume_step", run.ResumeStep)
	return run, nil
}

// ExecuteRun moves run to running, trains, then records the outcome.
// The training error, if any, is returned unchanged.
func (e *TrainingExecutor) ExecuteRun(ctx context.Context, run *models.Run, runner Runner, src training.Sources) (*training.Result, error) {
	if err := e.runRepo.UpdateRunStatus(run.ID, run.Status, models.RunStatusRunning, "training_started", nil); err != nil {
		return nil, fmt.Errorf("failed to mark run %s running: %w", run.ID, err)
	}
	run.Status = models.RunStatusRunning

	result, runErr := runner.Run(ctx, src)

	if result != nil {
		if err := e.runRepo.SetFinalStep(run.ID, result.FinalStep); err != nil {
			e.logger.Warn("failed to record final step", "run_id", run.ID, "error", err)
		}
	}

	toStatus, reason, meta := outcome(result, runErr)
	err := e.runRepo.UpdateRunStatus(run.ID, models.RunStatusRunning, toStatus, reason, meta)
	var conflict *repository.StatusConflictError
	if errors.As(err, &conflict) && conflict.Actual == models.RunStatusInterrupted {
		// The run monitor lost the heartbeat of a run that kept training
		e.logger.Warn("run was marked interrupted while training", "run_id", run.ID, "status", toStatus)
		meta["superseded_status"] = string(conflict.Actual)
		err = e.runRepo.UpdateRunStatus(run.ID, conflict.Actual, toStatus, reason, meta)
	}
	if err != nil {
		if runErr != nil {
			e.logger.Error("failed to record run outcome", "run_id", run.ID, "status", toStatus, "error", err)
			return result, runErr
		}
		return result, fmt.Errorf("failed to mark run %s %s: %w", run.ID, toStatus, err)
	}
	run.Status = toStatus

	switch toStatus {
	case models.RunStatusCompleted:
		e.logger.Info("run completed", "run_id", run.ID, "final_step", result.FinalStep)
	case models.RunStatusInterrupted:
		e.logger.Warn("run interrupted", "run_id", run.ID, "error", runErr)
	default:
		e.logger.Error("run failed", "run_id", run.ID, "error", runErr)
	}

	return result, runErr
}

// outcome maps a training result to the terminal run status and event
func outcome(result *training.Result, runErr error) (models.RunStatus, string, map[string]interface{}) {
	meta := map[string]interface{}{}
	if result != nil {
		meta["final_step"] = result.FinalStep
		meta["checkpoints"] = result.Checkpoints
		meta["retention_passes"] = result.RetentionPasses
		if result.TestLoss != nil {
			meta["test_loss"] = *result.TestLoss
		}
	}

	switch {
	case runErr == nil:
		return models.RunStatusCompleted, "training_finished", meta
	case errors.Is(runErr, training.ErrInterrupted):
		meta["error"] = runErr.Error()
		return models.RunStatusInterrupted, "training_interrupted", meta
	default:
		meta["error"] = runErr.Error()
		return models.RunStatusFailed, "training_failed", meta
	}
}
