package monitoring

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/StoneLin0708/language-model-playground/core/models"
	"github.com/StoneLin0708/language-model-playground/core/repository"
)

// RunMonitor marks runs interrupted once their trainer stops reporting.
// A trainer killed without a chance to record its outcome otherwise leaves
// the run in the running state forever.
type RunMonitor struct {
	runRepo    *repository.RunRepository
	dataPath   string
	staleAfter time.Duration
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewRunMonitor creates a new run monitor
func NewRunMonitor(runRepo *repository.RunRepository, dataPath string, staleAfter time.Duration, logger *slog.Logger) *RunMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunMonitor{
		runRepo:    runRepo,
		dataPath:   dataPath,
		staleAfter: staleAfter,
		interval:   30 * time.Second,
		logger:     logger,
		now:        time.Now,
	}
}

// Start runs the monitoring loop until ctx is done
func (rm *RunMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rm.CheckRunningRuns(ctx); err != nil {
				rm.logger.Warn("run monitor pass failed", "error", err)
			}
		}
	}
}

// CheckRunningRuns interrupts every running run whose last sign of life is
// older than the staleness window and returns their ids
func (rm *RunMonitor) CheckRunningRuns(ctx context.Context) ([]string, error) {
	status := models.RunStatusRunning
	runs, err := rm.runRepo.ListRuns("", &status, 1000)
	if err != nil {
		return nil, err
	}

	var stale []string
	for _, run := range runs {
		if ctx.Err() != nil {
			return stale, ctx.Err()
		}

		last := rm.lastActivity(run)
		idle := rm.now().Sub(last)
		if idle <= rm.staleAfter {
			continue
		}

		meta := map[string]interface{}{
			"last_activity": last.UTC().Format(time.RFC3339),
			"idle_seconds":  int64(idle.Seconds()),
		}
		err := rm.runRepo.UpdateRunStatus(run.ID, models.RunStatusRunning, models.RunStatusInterrupted, "heartbeat_lost", meta)
		if errors.Is(err, repository.ErrStatusConflict) {
			rm.logger.Debug("run finished before it could be interrupted", "run_id", run.ID, "error", err)
			continue
		}
		if err != nil {
			rm.logger.Warn("failed to interrupt stale run", "run_id", run.ID, "error", err)
			continue
		}
		rm.logger.Warn("interrupted stale run", "run_id", run.ID, "experiment", run.Experiment, "idle", idle.Round(time.Second))
		stale = append(stale, run.ID)
	}
	return stale, nil
}

// lastActivity is the newer of the run record update and the experiment's
// progression file timestamp
func (rm *RunMonitor) lastActivity(run *models.Run) time.Time {
	last := run.UpdatedAt
	progression, err := ReadProgressionFile(ProgressionFilePath(rm.dataPath, run.Experiment))
	if err != nil {
		return last
	}
	if ts := time.Unix(progression.Timestamp, 0); ts.After(last) {
		last = ts
	}
	return last
}
