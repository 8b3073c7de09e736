package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/StoneLin0708/language-model-playground/core/models"
	"github.com/StoneLin0708/language-model-playground/core/spec"
	"github.com/StoneLin0708/language-model-playground/storage"
)

var (
	// ErrNonFiniteLoss is returned when a training batch produces a NaN or infinite loss
	ErrNonFiniteLoss = errors.New("non-finite loss")
	// ErrNonFiniteGradient is returned when the aggregate gradient norm is NaN or infinite
	ErrNonFiniteGradient = errors.New("non-finite gradient norm")
	// ErrInterrupted is returned when the run context is cancelled between batches
	ErrInterrupted = errors.New("training interrupted")
)

// Number of decoded validation samples reported at each checkpoint
const sampleCount = 3

// Default spacing of progress reports between checkpoint boundaries
const defaultProgressInterval = 10 * time.Second

// Options carries the collaborators a Trainer drives. Tokenizer, Store,
// Sink, Observers and Logger are optional. ProgressInterval bounds how long
// stepping goes without a progress report and defaults to 10s.
type Options struct {
	CheckpointDir string
	Model         Model
	Optimizer     Optimizer
	Criterion     Criterion
	Tokenizer     Tokenizer
	Store         CheckpointStore
	Sink          MetricsSink
	Observers     []CheckpointObserver
	Logger        *slog.Logger

	ProgressInterval time.Duration
}

// Sources are the data streams of one run. Validation and Test may be nil.
type Sources struct {
	Train      DataSource
	Validation DataSource
	Test       DataSource
}

// Result summarizes a finished (or aborted) run
type Result struct {
	FinalStep       int
	Checkpoints     []int // Steps persisted, in write order
	RetentionPasses int
	Removed         []string
	TestLoss        *float64
}

// Trainer runs the epoch/batch loop with periodic checkpointing
type Trainer struct {
	cfg       models.TrainingConfig
	dir       string
	model     Model
	optimizer Optimizer
	criterion Criterion
	tokenizer Tokenizer
	store     CheckpointStore
	sink      MetricsSink
	observers []CheckpointObserver
	logger    *slog.Logger

	progressInterval time.Duration
}

// runState is owned by a single Run call and never persisted
type runState struct {
	step       int
	epoch      int
	resumeStep int
	lossSum    float64
	lossCount  int
	lastSaved  int
	startedAt  time.Time
	lastReport time.Time
}

// flushLoss returns the average loss since the last flush and resets the accumulator
func (s *runState) flushLoss() float64 {
	if s.lossCount == 0 {
		return 0
	}
	avg := s.lossSum / float64(s.lossCount)
	s.lossSum = 0
	s.lossCount = 0
	return avg
}

// NewTrainer validates cfg and creates a trainer. Invalid configuration is
// reported as a *spec.ConfigError before any data is touched.
func NewTrainer(cfg models.TrainingConfig, opts Options) (*Trainer, error) {
	if err := spec.Validate(cfg); err != nil {
		return nil, err
	}
	if opts.CheckpointDir == "" {
		return nil, &spec.ConfigError{Field: "checkpoint_dir", Reason: "must not be empty"}
	}
	if opts.Model == nil {
		return nil, errors.New("trainer requires a model")
	}
	if opts.Optimizer == nil {
		return nil, errors.New("trainer requires an optimizer")
	}
	if opts.Criterion == nil {
		return nil, errors.New("trainer requires a criterion")
	}

	t := &Trainer{
		cfg:       cfg,
		dir:       opts.CheckpointDir,
		model:     opts.Model,
		optimizer: opts.Optimizer,
		criterion: opts.Criterion,
		tokenizer: opts.Tokenizer,
		store:     opts.Store,
		sink:      opts.Sink,
		observers: opts.Observers,
		logger:    opts.Logger,

		progressInterval: opts.ProgressInterval,
	}
	if t.progressInterval <= 0 {
		t.progressInterval = defaultProgressInterval
	}
	if t.store == nil {
		t.store = storage.NewCheckpointStore()
	}
	if t.sink == nil {
		t.sink = discardSink{}
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("experiment", cfg.ExperimentID)

	return t, nil
}

// Run trains over every epoch of src.Train, resuming after cfg.ResumeStep
// when it is not -1
func (t *Trainer) Run(ctx context.Context, src Sources) (*Result, error) {
	if src.Train == nil {
		return nil, errors.New("training data source is required")
	}

	res := &Result{}
	st := &runState{
		resumeStep: t.cfg.ResumeStep,
		lastSaved:  -1,
		startedAt:  time.Now().UTC(),
	}

	if st.resumeStep >= 0 {
		t.reportProgress(st, models.TrainingPhaseResuming)
		if err := t.resume(st.resumeStep); err != nil {
			return res, err
		}
	}

	t.model.Train()
	t.optimizer.ZeroGrad()

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		st.epoch = epoch
		if err := src.Train.Reset(); err != nil {
			return res, fmt.Errorf("failed to reset training data for epoch %d: %w", epoch, err)
		}

		for {
			if err := ctx.Err(); err != nil {
				return res, interrupted(st.step, err)
			}

			batch, err := src.Train.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return res, interrupted(st.step, ctxErr)
				}
				return res, fmt.Errorf("failed to read batch for step %d: %w", st.step+1, err)
			}

			st.step++
			res.FinalStep = st.step

			// Consumed only to keep iteration order identical to the original run
			if st.step <= st.resumeStep {
				t.heartbeat(st, models.TrainingPhaseResuming)
				continue
			}

			loss, err := t.trainStep(batch)
			if err != nil {
				return res, fmt.Errorf("step %d: %w", st.step, err)
			}
			st.lossSum += loss
			st.lossCount++

			if st.step%t.cfg.CheckpointInterval == 0 {
				if err := t.checkpoint(ctx, st, src.Validation, res); err != nil {
					return res, err
				}
				continue
			}
			t.heartbeat(st, models.TrainingPhaseStepping)
		}

		t.reportProgress(st, models.TrainingPhaseStepping)
		t.logger.Info("epoch finished", "epoch", epoch, "step", st.step)
	}

	if err := t.finalize(ctx, st, src.Test, res); err != nil {
		return res, err
	}
	return res, nil
}

// trainStep runs forward, backward, clipping and one optimizer update
func (t *Trainer) trainStep(batch Batch) (float64, error) {
	pred, err := t.model.Forward(batch)
	if err != nil {
		return 0, fmt.Errorf("forward pass failed: %w", err)
	}

	loss, err := t.criterion.Compute(pred, batch.Targets)
	if err != nil {
		return 0, fmt.Errorf("failed to compute loss: %w", err)
	}

	value := loss.Value()
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: %v", ErrNonFiniteLoss, value)
	}

	if err := loss.Backward(); err != nil {
		return 0, fmt.Errorf("backward pass failed: %w", err)
	}
	if _, err := ClipGradNorm(t.model.Parameters(), t.cfg.GradClipMax); err != nil {
		return 0, err
	}
	if err := t.optimizer.Step(); err != nil {
		return 0, fmt.Errorf("optimizer step failed: %w", err)
	}
	t.optimizer.ZeroGrad()

	return value, nil
}

// checkpoint runs the save, prune, validate, report sequence of a boundary
func (t *Trainer) checkpoint(ctx context.Context, st *runState, valid DataSource, res *Result) error {
	trainLoss := st.flushLoss()

	if err := t.save(ctx, st, res); err != nil {
		return err
	}
	t.prune(ctx, res)

	scalars := map[string]float64{"train": trainLoss}
	var samples string
	if valid != nil {
		ev, err := t.evaluate(ctx, st.step, valid, true)
		if err != nil {
			return fmt.Errorf("validation at step %d failed: %w", st.step, err)
		}
		if ev.batches > 0 {
			scalars["validation"] = ev.loss
			samples = ev.samples
		}
	}

	t.recordScalars("loss", scalars, st.step)
	if samples != "" {
		t.recordText("predict", samples, st.step)
	}
	t.reportProgress(st, models.TrainingPhaseStepping)

	t.logger.Info("checkpoint boundary", "step", st.step, "epoch", st.epoch, "train_loss", trainLoss)
	return nil
}

// finalize persists the final state and runs the optional test pass
func (t *Trainer) finalize(ctx context.Context, st *runState, test DataSource, res *Result) error {
	t.reportProgress(st, models.TrainingPhaseFinalizing)

	switch {
	case st.step <= st.resumeStep:
		t.logger.Warn("no steps trained after resume, keeping existing checkpoint", "step", st.step, "resume_step", st.resumeStep)
	case st.step == st.lastSaved:
		t.logger.Debug("final step already checkpointed", "step", st.step)
	default:
		if err := t.save(ctx, st, res); err != nil {
			return err
		}
	}

	if test != nil {
		ev, err := t.evaluate(ctx, st.step, test, false)
		if err != nil {
			return fmt.Errorf("test evaluation failed: %w", err)
		}
		if ev.batches > 0 {
			testLoss := ev.loss
			res.TestLoss = &testLoss
			t.recordScalars("loss", map[string]float64{"test": testLoss}, st.step)
			t.logger.Info("test evaluation finished", "step", st.step, "test_loss", testLoss)
		}
	}

	t.reportProgress(st, models.TrainingPhaseCompleted)
	t.logger.Info("training finished", "final_step", st.step, "checkpoints", len(res.Checkpoints))
	return nil
}

// save writes the model artifact, then the optimizer artifact, for the current step
func (t *Trainer) save(ctx context.Context, st *runState, res *Result) error {
	modelPath, optimizerPath := t.store.SavePaths(t.dir, st.step)

	modelState, err := t.model.State()
	if err != nil {
		return fmt.Errorf("failed to serialize model at step %d: %w", st.step, err)
	}
	if err := storage.WriteArtifact(modelPath, modelState); err != nil {
		return fmt.Errorf("failed to save model at step %d: %w", st.step, err)
	}

	optimizerState, err := t.optimizer.State()
	if err != nil {
		return fmt.Errorf("failed to serialize optimizer at step %d: %w", st.step, err)
	}
	if err := storage.WriteArtifact(optimizerPath, optimizerState); err != nil {
		return fmt.Errorf("failed to save optimizer at step %d: %w", st.step, err)
	}

	st.lastSaved = st.step
	res.Checkpoints = append(res.Checkpoints, st.step)

	ckpt := models.Checkpoint{
		Step:          st.step,
		ModelPath:     modelPath,
		OptimizerPath: optimizerPath,
		SavedAt:       time.Now().UTC(),
	}
	for _, obs := range t.observers {
		if err := obs.CheckpointSaved(ctx, ckpt); err != nil {
			t.logger.Warn("checkpoint observer failed", "step", st.step, "error", err)
		}
	}
	return nil
}

// prune applies the retention policy. Failures are logged, never fatal.
func (t *Trainer) prune(ctx context.Context, res *Result) {
	res.RetentionPasses++

	report, err := t.store.EnforceRetention(t.dir, models.RetentionPolicy{Limit: t.cfg.RetentionLimit})
	if err != nil {
		t.logger.Warn("checkpoint retention failed", "dir", t.dir, "error", err)
		return
	}
	for _, f := range report.Failed {
		t.logger.Warn("failed to remove checkpoint", "file", f.Filename, "error", f.Err)
	}
	if len(report.Removed) == 0 {
		return
	}

	res.Removed = append(res.Removed, report.Removed...)
	t.logger.Debug("pruned checkpoints", "removed", report.Removed)
	for _, obs := range t.observers {
		if err := obs.CheckpointsPruned(ctx, t.dir, report.Removed); err != nil {
			t.logger.Warn("checkpoint observer failed", "removed", len(report.Removed), "error", err)
		}
	}
}

// resume restores model and optimizer state written at step
func (t *Trainer) resume(step int) error {
	modelPath, optimizerPath := t.store.SavePaths(t.dir, step)

	modelState, err := storage.ReadArtifact(modelPath)
	if err != nil {
		return fmt.Errorf("failed to load model checkpoint at step %d: %w", step, err)
	}
	if err := t.model.LoadState(modelState); err != nil {
		return fmt.Errorf("failed to restore model at step %d: %w", step, err)
	}

	optimizerState, err := storage.ReadArtifact(optimizerPath)
	if err != nil {
		return fmt.Errorf("failed to load optimizer checkpoint at step %d: %w", step, err)
	}
	if err := t.optimizer.LoadState(optimizerState); err != nil {
		return fmt.Errorf("failed to restore optimizer at step %d: %w", step, err)
	}

	t.logger.Info("resumed from checkpoint", "step", step, "dir", t.dir)
	return nil
}

type evaluation struct {
	loss    float64
	batches int
	samples string
}

// evaluate runs a full pass over src in eval mode without updating parameters
func (t *Trainer) evaluate(ctx context.Context, step int, src DataSource, withSamples bool) (evaluation, error) {
	var ev evaluation

	t.model.Eval()
	defer t.model.Train()

	if err := src.Reset(); err != nil {
		return ev, fmt.Errorf("failed to reset data source: %w", err)
	}

	var (
		sum      float64
		last     Batch
		lastPred Predictions
	)
	for {
		if err := ctx.Err(); err != nil {
			return ev, interrupted(step, err)
		}

		batch, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ev, fmt.Errorf("failed to read batch: %w", err)
		}

		pred, err := t.model.Forward(batch)
		if err != nil {
			return ev, fmt.Errorf("forward pass failed: %w", err)
		}
		loss, err := t.criterion.Compute(pred, batch.Targets)
		if err != nil {
			return ev, fmt.Errorf("failed to compute loss: %w", err)
		}

		sum += loss.Value()
		ev.batches++
		last, lastPred = batch, pred
	}

	if ev.batches == 0 {
		return ev, nil
	}
	ev.loss = sum / float64(ev.batches)
	if withSamples && t.tokenizer != nil {
		ev.samples = t.decodeSamples(last, lastPred)
	}
	return ev, nil
}

// decodeSamples renders input, prediction and target of the first few sequences
func (t *Trainer) decodeSamples(batch Batch, pred Predictions) string {
	n := min(sampleCount, batch.Size())
	predicted := pred.Argmax()
	if len(predicted) > n {
		predicted = predicted[:n]
	}
	targets := batch.Targets
	if len(targets) > n {
		targets = targets[:n]
	}

	return MarkdownTable(
		[]string{"input", "predict", "target"},
		[][]string{
			t.tokenizer.BatchDecode(batch.Inputs[:n], true),
			t.tokenizer.BatchDecode(predicted, true),
			t.tokenizer.BatchDecode(targets, true),
		},
	)
}

func (t *Trainer) recordScalars(tag string, values map[string]float64, step int) {
	if err := t.sink.RecordScalars(tag, values, step); err != nil {
		t.logger.Warn("failed to record scalars", "tag", tag, "step", step, "error", err)
	}
}

func (t *Trainer) recordText(tag, text string, step int) {
	if err := t.sink.RecordText(tag, text, step); err != nil {
		t.logger.Warn("failed to record text", "tag", tag, "step", step, "error", err)
	}
}

// heartbeat reports progress when the last report is older than the progress interval
func (t *Trainer) heartbeat(st *runState, phase models.TrainingPhase) {
	if time.Since(st.lastReport) >= t.progressInterval {
		t.reportProgress(st, phase)
	}
}

func (t *Trainer) reportProgress(st *runState, phase models.TrainingPhase) {
	st.lastReport = time.Now()
	rec, ok := t.sink.(ProgressRecorder)
	if !ok {
		return
	}
	err := rec.RecordProgress(models.Progress{
		Experiment: t.cfg.ExperimentID,
		Phase:      phase,
		Step:       st.step,
		Epoch:      st.epoch,
		Epochs:     t.cfg.Epochs,
		StartedAt:  st.startedAt,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.logger.Warn("failed to record progress", "phase", phase, "error", err)
	}
}

func interrupted(step int, cause error) error {
	return fmt.Errorf("%w after step %d: %w", ErrInterrupted, step, cause)
}

type discardSink struct{}

func (discardSink) RecordScalars(string, map[string]float64, int) error { return nil }
func (discardSink) RecordText(string, string, int) error                { return nil }
