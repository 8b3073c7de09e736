package training

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/StoneLin0708/language-model-playground/core/models"
	"github.com/StoneLin0708/language-model-playground/core/spec"
	"github.com/StoneLin0708/language-model-playground/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	dir       string
	model     *fakeModel
	optimizer *fakeOptimizer
	criterion *fakeCriterion
	store     *countingStore
	sink      *recordingSink
	observer  *recordingObserver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	model := newFakeModel()
	return &harness{
		dir:       filepath.Join(t.TempDir(), "exp"),
		model:     model,
		optimizer: &fakeOptimizer{param: model.param},
		criterion: &fakeCriterion{model: model},
		store:     &countingStore{CheckpointStore: storage.NewCheckpointStore()},
		sink:      &recordingSink{},
		observer:  &recordingObserver{},
	}
}

func (h *harness) trainer(t *testing.T, cfg models.TrainingConfig) *Trainer {
	t.Helper()
	tr, err := NewTrainer(cfg, Options{
		CheckpointDir: h.dir,
		Model:         h.model,
		Optimizer:     h.optimizer,
		Criterion:     h.criterion,
		Tokenizer:     fakeTokenizer{},
		Store:         h.store,
		Sink:          h.sink,
		Observers:     []CheckpointObserver{h.observer},
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return tr
}

func (h *harness) steps(t *testing.T, kind models.ArtifactKind) []int {
	t.Helper()
	entries, err := storage.ListEntries(h.dir, kind)
	require.NoError(t, err)
	steps := []int{}
	for _, e := range entries {
		steps = append(steps, e.Step)
	}
	return steps
}

func testConfig() models.TrainingConfig {
	return models.TrainingConfig{
		ExperimentID:       "exp",
		CheckpointInterval: 5,
		GradClipMax:        1000,
		RetentionLimit:     -1,
		ResumeStep:         -1,
		Epochs:             1,
		VocabSize:          16,
	}
}

func TestNewTrainer_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		field  string
		mutate func(*models.TrainingConfig)
	}{
		{"checkpoint_interval", func(c *models.TrainingConfig) { c.CheckpointInterval = 0 }},
		{"experiment", func(c *models.TrainingConfig) { c.ExperimentID = "" }},
		{"grad_clip_max", func(c *models.TrainingConfig) { c.GradClipMax = -1 }},
		{"vocab_size", func(c *models.TrainingConfig) { c.VocabSize = -3 }},
		{"resume_step", func(c *models.TrainingConfig) { c.ResumeStep = -2 }},
	}

	for _, tc := range cases {
		cfg := testConfig()
		tc.mutate(&cfg)
		model := newFakeModel()

		_, err := NewTrainer(cfg, Options{
			CheckpointDir: t.TempDir(),
			Model:         model,
			Optimizer:     &fakeOptimizer{param: model.param},
			Criterion:     &fakeCriterion{model: model},
		})

		var cfgErr *spec.ConfigError
		require.True(t, errors.As(err, &cfgErr), "field %s", tc.field)
		assert.Equal(t, tc.field, cfgErr.Field)
		assert.Zero(t, model.forwards)
	}
}

func TestNewTrainer_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewTrainer(testConfig(), Options{CheckpointDir: t.TempDir()})
	assert.Error(t, err)

	_, err = NewTrainer(testConfig(), Options{Model: newFakeModel()})
	var cfgErr *spec.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "checkpoint_dir", cfgErr.Field)
}

func TestRun_CheckpointBoundaries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	res, err := h.trainer(t, testConfig()).Run(context.Background(), Sources{Train: &fakeSource{n: 12}})
	require.NoError(t, err)

	assert.Equal(t, 12, res.FinalStep)
	assert.Equal(t, []int{5, 10, 12}, res.Checkpoints)
	assert.Equal(t, 2, res.RetentionPasses)
	assert.Equal(t, 2, h.store.retentionCalls)
	assert.Equal(t, []int{5, 10, 12}, h.steps(t, models.ArtifactKindModel))
	assert.Equal(t, []int{5, 10, 12}, h.steps(t, models.ArtifactKindOptimizer))
	assert.Equal(t, []int{5, 10, 12}, h.observer.saved)

	assert.Equal(t, 12, h.optimizer.steps)
	assert.Equal(t, 12, h.model.forwards)

	require.Len(t, h.sink.scalars, 2)
	assert.Equal(t, scalarRecord{tag: "loss", values: map[string]float64{"train": 3}, step: 5}, h.sink.scalars[0])
	assert.Equal(t, scalarRecord{tag: "loss", values: map[string]float64{"train": 8}, step: 10}, h.sink.scalars[1])
	assert.Empty(t, h.sink.texts)

	optimizerState, err := storage.ReadArtifact(filepath.Join(h.dir, "optimizer-12.ckpt"))
	require.NoError(t, err)
	assert.Equal(t, "optimizer steps=12", string(optimizerState))

	require.NotEmpty(t, h.sink.progress)
	last := h.sink.progress[len(h.sink.progress)-1]
	assert.Equal(t, models.TrainingPhaseCompleted, last.Phase)
	assert.Equal(t, 12, last.Step)
}

func steppingSteps(progress []models.Progress) []int {
	steps := []int{}
	for _, p := range progress {
		if p.Phase == models.TrainingPhaseStepping {
			steps = append(steps, p.Step)
		}
	}
	return steps
}

func TestRun_ReportsProgressBetweenBoundaries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cfg := testConfig()
	cfg.CheckpointInterval = 100
	cfg.Epochs = 2

	tr, err := NewTrainer(cfg, Options{
		CheckpointDir:    h.dir,
		Model:            h.model,
		Optimizer:        h.optimizer,
		Criterion:        h.criterion,
		Sink:             h.sink,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		ProgressInterval: time.Nanosecond,
	})
	require.NoError(t, err)

	res, err := tr.Run(context.Background(), Sources{Train: &fakeSource{n: 4}})
	require.NoError(t, err)
	assert.Equal(t, []int{8}, res.Checkpoints)

	// Every batch and every epoch end is reported
	assert.Equal(t, []int{1, 2, 3, 4, 4, 5, 6, 7, 8, 8}, steppingSteps(h.sink.progress))
}

func TestRun_ReportsProgressAtEpochEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cfg := testConfig()
	cfg.CheckpointInterval = 100
	cfg.Epochs = 3

	_, err := h.trainer(t, cfg).Run(context.Background(), Sources{Train: &fakeSource{n: 4}})
	require.NoError(t, err)

	// First batch, then each epoch end under the default interval
	assert.Equal(t, []int{1, 4, 8, 12}, steppingSteps(h.sink.progress))
}

func TestRun_RetentionKeepsNewestAndFinalSaveIsNotPruned(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cfg := testConfig()
	cfg.RetentionLimit = 1

	res, err := h.trainer(t, cfg).Run(context.Background(), Sources{Train: &fakeSource{n: 12}})
	require.NoError(t, err)

	assert.Equal(t, []string{"model-5.ckpt", "optimizer-5.ckpt"}, res.Removed)
	assert.Equal(t, []string{"model-5.ckpt", "optimizer-5.ckpt"}, h.observer.pruned)
	assert.Equal(t, []int{10, 12}, h.steps(t, models.ArtifactKindModel))
	assert.Equal(t, []int{10, 12}, h.steps(t, models.ArtifactKindOptimizer))
}

func TestRun_ResumeSkipsCompletedSteps(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	require.NoError(t, storage.WriteArtifact(filepath.Join(h.dir, "model-6.ckpt"), []byte("m6")))
	require.NoError(t, storage.WriteArtifact(filepath.Join(h.dir, "optimizer-6.ckpt"), []byte("o6")))

	cfg := testConfig()
	cfg.ResumeStep = 6
	src := &fakeSource{n: 10}

	res, err := h.trainer(t, cfg).Run(context.Background(), Sources{Train: src})
	require.NoError(t, err)

	assert.Equal(t, "m6", string(h.model.loaded))
	assert.Equal(t, "o6", string(h.optimizer.loaded))

	// Steps 1-6 are consumed but never trained.
	assert.Equal(t, 10, src.pos)
	assert.Equal(t, 4, h.model.forwards)
	assert.Equal(t, 4, h.optimizer.steps)
	assert.Equal(t, []float64{7, 8, 9, 10}, h.optimizer.grads)

	assert.Equal(t, 10, res.FinalStep)
	assert.Equal(t, []int{10}, res.Checkpoints)
	assert.Equal(t, 1, h.store.retentionCalls)
	require.Len(t, h.sink.scalars, 1)
	assert.Equal(t, 8.5, h.sink.scalars[0].values["train"])
	assert.Equal(t, []int{6, 10}, h.steps(t, models.ArtifactKindModel))
}

func TestRun_ResumeWithoutNewStepsKeepsCheckpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	require.NoError(t, storage.WriteArtifact(filepath.Join(h.dir, "model-6.ckpt"), []byte("m6")))
	require.NoError(t, storage.WriteArtifact(filepath.Join(h.dir, "optimizer-6.ckpt"), []byte("o6")))

	cfg := testConfig()
	cfg.ResumeStep = 6

	res, err := h.trainer(t, cfg).Run(context.Background(), Sources{Train: &fakeSource{n: 4}})
	require.NoError(t, err)

	assert.Zero(t, h.optimizer.steps)
	assert.Empty(t, res.Checkpoints)
	assert.Equal(t, []int{6}, h.steps(t, models.ArtifactKindModel))
}

func TestRun_ResumeFromMissingCheckpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cfg := testConfig()
	cfg.ResumeStep = 3

	_, err := h.trainer(t, cfg).Run(context.Background(), Sources{Train: &fakeSource{n: 10}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 3")
	assert.Zero(t, h.model.forwards)
}

func TestRun_MultipleEpochsContinueStepCount(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cfg := testConfig()
	cfg.Epochs = 3
	cfg.CheckpointInterval = 4
	src := &fakeSource{n: 3}

	res, err := h.trainer(t, cfg).Run(context.Background(), Sources{Train: src})
	require.NoError(t, err)

	assert.Equal(t, 3, src.resets)
	assert.Equal(t, 9, res.FinalStep)
	assert.Equal(t, []int{4, 8, 9}, res.Checkpoints)
}

func TestRun_EndingOnBoundaryWritesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	res, err := h.trainer(t, testConfig()).Run(context.Background(), Sources{Train: &fakeSource{n: 10}})
	require.NoError(t, err)

	assert.Equal(t, []int{5, 10}, res.Checkpoints)
	assert.Equal(t, 2, h.store.retentionCalls)
}

func TestRun_NonFiniteLossStopsBeforeCheckpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.criterion.nanAt = 5

	res, err := h.trainer(t, testConfig()).Run(context.Background(), Sources{Train: &fakeSource{n: 12}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonFiniteLoss)

	assert.Equal(t, 5, res.FinalStep)
	assert.Empty(t, res.Checkpoints)
	assert.Empty(t, h.steps(t, models.ArtifactKindModel))
	assert.Equal(t, 4, h.optimizer.steps)
}

func TestRun_NonFiniteGradient(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.criterion.gradFor = func(v float64) float64 {
		if v == 2 {
			return math.Inf(1)
		}
		return v
	}

	_, err := h.trainer(t, testConfig()).Run(context.Background(), Sources{Train: &fakeSource{n: 12}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonFiniteGradient)
	assert.Equal(t, 1, h.optimizer.steps)
}

func TestRun_ClipsLargeGradients(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.criterion.gradFor = func(float64) float64 { return 100 }
	cfg := testConfig()
	cfg.GradClipMax = 1

	_, err := h.trainer(t, cfg).Run(context.Background(), Sources{Train: &fakeSource{n: 3}})
	require.NoError(t, err)

	require.Len(t, h.optimizer.grads, 3)
	for _, g := range h.optimizer.grads {
		assert.InDelta(t, 1.0, g, 1e-6)
	}
}

func TestRun_InterruptStopsBeforeNextBatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	cfg.CheckpointInterval = 2
	src := &fakeSource{n: 12, cancelAfter: 3, cancel: cancel}

	res, err := h.trainer(t, cfg).Run(ctx, Sources{Train: src})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 3, res.FinalStep)
	assert.Equal(t, 3, src.pos)
	assert.Equal(t, []int{2}, res.Checkpoints)
	assert.Equal(t, []int{2}, h.steps(t, models.ArtifactKindModel))

	latest, ok, err := h.store.LatestValidStep(h.dir)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, latest)
}

func TestRun_ValidationReportsLossAndSamples(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	valid := &fakeSource{n: 2, width: 4}
	test := &fakeSource{n: 3}

	res, err := h.trainer(t, testConfig()).Run(context.Background(), Sources{
		Train:      &fakeSource{n: 5},
		Validation: valid,
		Test:       test,
	})
	require.NoError(t, err)

	require.Len(t, h.sink.scalars, 2)
	assert.Equal(t, map[string]float64{"train": 3, "validation": 1.5}, h.sink.scalars[0].values)
	assert.Equal(t, map[string]float64{"test": 2}, h.sink.scalars[1].values)
	require.NotNil(t, res.TestLoss)
	assert.Equal(t, 2.0, *res.TestLoss)

	require.Len(t, h.sink.texts, 1)
	text := h.sink.texts[0]
	assert.Equal(t, "predict", text.tag)
	assert.Equal(t, 5, text.step)
	lines := strings.Split(strings.TrimSpace(text.text), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "| input | predict | target |", lines[0])
	assert.Equal(t, "| 2 0 | 2 0 | 2 1 |", lines[2])

	assert.Equal(t, 2, h.model.evalCalls)
	assert.True(t, h.model.training)
	assert.Equal(t, 5, h.optimizer.steps)
}

func TestRun_EmptyValidationSourceIsSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.trainer(t, testConfig()).Run(context.Background(), Sources{
		Train:      &fakeSource{n: 5},
		Validation: &fakeSource{n: 0},
	})
	require.NoError(t, err)

	require.Len(t, h.sink.scalars, 1)
	assert.Equal(t, map[string]float64{"train": 3}, h.sink.scalars[0].values)
	assert.Empty(t, h.sink.texts)
}

func TestRun_ObserverAndSinkFailuresAreNotFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.observer.err = errors.New("bucket unavailable")
	h.sink.fail = true
	cfg := testConfig()
	cfg.RetentionLimit = 0

	res, err := h.trainer(t, cfg).Run(context.Background(), Sources{Train: &fakeSource{n: 12}})
	require.NoError(t, err)

	assert.Equal(t, []int{5, 10, 12}, res.Checkpoints)
	assert.Equal(t, []int{5, 10, 12}, h.observer.saved)
	assert.Equal(t, []int{12}, h.steps(t, models.ArtifactKindModel))
}
