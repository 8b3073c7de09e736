package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"

	"github.com/StoneLin0708/language-model-playground/config"
	"github.com/StoneLin0708/language-model-playground/core/executor"
	"github.com/StoneLin0708/language-model-playground/core/models"
	"github.com/StoneLin0708/language-model-playground/core/monitoring"
	"github.com/StoneLin0708/language-model-playground/core/repository"
	"github.com/StoneLin0708/language-model-playground/core/spec"
	"github.com/StoneLin0708/language-model-playground/providers/aws"
	"github.com/StoneLin0708/language-model-playground/storage"
	"github.com/StoneLin0708/language-model-playground/training"
)

func main() {
	configPath := flag.String("config", "", "experiment YAML file")
	resume := flag.String("resume", "-1", "step to resume from: -1 for a fresh run, a step number, or latest")
	flag.Parse()

	cfg := config.Load()
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: train --config experiment.yaml [--resume -1|<step>|latest]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *configPath, *resume); err != nil {
		logger.Error("training failed", "error", err)
		if errors.Is(err, training.ErrInterrupted) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, configPath, resume string) error {
	exp, err := spec.LoadExperiment(configPath)
	if err != nil {
		return err
	}
	dir := cfg.ExperimentDir(exp.Name)
	store := storage.NewCheckpointStore()

	exp.Training.ResumeStep, err = executor.ResolveResumeStep(store, dir, resume)
	if err != nil {
		return err
	}

	pipeline, err := executor.BuildPipeline(exp, dir)
	if err != nil {
		return err
	}

	// Initialize database
	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	runRepo := repository.NewRunRepository(db)
	artifactRepo := repository.NewArtifactRepository(db)
	metricRepo := repository.NewMetricRepository(db)

	exec := executor.NewTrainingExecutor(runRepo, logger)
	runRecord, err := exec.CreateRun(exp)
	if err != nil {
		return err
	}
	if err := artifactRepo.CreateArtifact(runRecord.ID, models.ArtifactTypeTokenizer, "", pipeline.TokenizerPath, 0, nil); err != nil {
		return fmt.Errorf("failed to record tokenizer: %w", err)
	}

	observers := []training.CheckpointObserver{storage.NewCheckpointManager(artifactRepo, runRecord.ID)}
	if cfg.CheckpointBucket != "" {
		mirror, err := newMirror(ctx, cfg, exp.Name, logger)
		if err != nil {
			return err
		}
		for _, name := range []string{executor.TokenizerFileName, executor.ExperimentFileName} {
			if err := mirror.UploadFile(ctx, filepath.Join(dir, name)); err != nil {
				return err
			}
		}
		observers = append(observers, mirror)
	}

	sink := monitoring.MultiSink{
		monitoring.NewSQLSink(metricRepo, runRecord.ID),
		monitoring.NewLogSink(logger),
		monitoring.NewProgressionFile(monitoring.ProgressionFilePath(cfg.DataPath, exp.Name), exp.Name),
	}

	trainer, err := training.NewTrainer(exp.Training, training.Options{
		CheckpointDir: dir,
		Model:         pipeline.Model,
		Optimizer:     pipeline.Optimizer,
		Criterion:     pipeline.Criterion,
		Tokenizer:     pipeline.Tokenizer,
		Store:         store,
		Sink:          sink,
		Observers:     observers,
		Logger:        logger.With("run_id", runRecord.ID),
	})
	if err != nil {
		return err
	}

	logger.Info("training started",
		"experiment", exp.Name,
		"run_id", runRecord.ID,
		"dir", dir,
		"resume_step", exp.Training.ResumeStep,
		"vocab_size", exp.Training.VocabSize,
	)
	res, err := exec.ExecuteRun(ctx, runRecord, trainer, pipeline.Sources)
	if err != nil {
		return err
	}

	logger.Info("training finished", "final_step", res.FinalStep, "checkpoints", res.Checkpoints, "removed", len(res.Removed))
	return nil
}

func newMirror(ctx context.Context, cfg *config.Config, experiment string, logger *slog.Logger) (*aws.CheckpointMirror, error) {
	client, err := aws.NewS3Client(ctx, cfg.AWSRegion)
	if err != nil {
		return nil, err
	}
	return aws.NewCheckpointMirror(client, cfg.CheckpointBucket, path.Join(cfg.CheckpointPrefix, experiment), logger), nil
}
