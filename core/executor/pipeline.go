package executor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/StoneLin0708/language-model-playground/core/models"
	"github.com/StoneLin0708/language-model-playground/core/spec"
	"github.com/StoneLin0708/language-model-playground/storage"
	"github.com/StoneLin0708/language-model-playground/training"
	"github.com/StoneLin0708/language-model-playground/training/dataset"
	"github.com/StoneLin0708/language-model-playground/training/optim"
	"github.com/StoneLin0708/language-model-playground/training/rnn"
	"github.com/StoneLin0708/language-model-playground/training/tokenizer"
)

// Files written next to the checkpoints of an experiment
const (
	TokenizerFileName  = "tokenizer.json"
	ExperimentFileName = "experiment.yaml"
)

// Pipeline holds everything a trainer needs for one experiment
type Pipeline struct {
	Tokenizer     *tokenizer.Tokenizer
	TokenizerPath string
	Model         *rnn.Model
	Optimizer     training.Optimizer
	Criterion     *rnn.CrossEntropy
	Sources       training.Sources
}

// ResolveResumeStep turns a --resume argument into a step. "latest" picks
// the newest checkpoint in dir that has both artifacts, or -1 when there is none.
func ResolveResumeStep(store *storage.CheckpointStore, dir, arg string) (int, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return -1, nil
	}
	if arg == "latest" {
		ckpt, ok, err := store.LatestCheckpoint(dir)
		if err != nil {
			return 0, err
		}
		if !ok {
			return -1, nil
		}
		return ckpt.Step, nil
	}

	step, err := strconv.Atoi(arg)
	if err != nil {
		return 0, &spec.ConfigError{Field: "resume_step", Reason: fmt.Sprintf("must be -1, a step or latest, got %q", arg)}
	}
	if step < -1 {
		return 0, &spec.ConfigError{Field: "resume_step", Reason: "must be >= -1"}
	}
	return step, nil
}

// BuildPipeline loads the corpus of exp and assembles tokenizer, model,
// optimizer and data sources. Experiment files are written into dir.
// A resumed run reuses the tokenizer saved by the original run so ids stay
// aligned with the checkpointed embeddings.
func BuildPipeline(exp *models.Experiment, dir string) (*Pipeline, error) {
	if err := spec.ValidateExperiment(exp); err != nil {
		return nil, err
	}

	lines, err := dataset.LoadLines(exp.Data.Path)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("corpus %s has no samples", exp.Data.Path)
	}
	splits := dataset.Split(lines, exp.Data.ValidationSplit, exp.Data.TestSplit, exp.Seed)
	if len(splits.Train) == 0 {
		return nil, fmt.Errorf("corpus %s leaves no training samples", exp.Data.Path)
	}

	tokPath := filepath.Join(dir, TokenizerFileName)
	tok, err := loadOrBuildTokenizer(exp, tokPath, splits.Train)
	if err != nil {
		return nil, err
	}
	exp.Training.VocabSize = tok.VocabSize()

	if err := storage.WriteArtifact(filepath.Join(dir, ExperimentFileName), []byte(exp.SpecYAML)); err != nil {
		return nil, fmt.Errorf("failed to save experiment: %w", err)
	}

	model, err := rnn.New(exp.Model.Class, tok.VocabSize(), exp.Model.HiddenDim, exp.Model.InitStd, exp.Seed)
	if err != nil {
		return nil, err
	}
	opt, err := optim.New(exp.Optimizer, model.Parameters())
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		Tokenizer:     tok,
		TokenizerPath: tokPath,
		Model:         model,
		Optimizer:     opt,
		Criterion:     rnn.NewCrossEntropy(tokenizer.PADID),
		Sources: training.Sources{
			Train: dataset.NewLoader(tok.BatchEncode(splits.Train, exp.MaxSeqLen), exp.BatchSize, true, exp.Seed),
		},
	}
	if len(splits.Validation) > 0 {
		p.Sources.Validation = dataset.NewLoader(tok.BatchEncode(splits.Validation, exp.MaxSeqLen), exp.BatchSize, false, exp.Seed)
	}
	if len(splits.Test) > 0 {
		p.Sources.Test = dataset.NewLoader(tok.BatchEncode(splits.Test, exp.MaxSeqLen), exp.BatchSize, false, exp.Seed)
	}
	return p, nil
}

func loadOrBuildTokenizer(exp *models.Experiment, path string, train []string) (*tokenizer.Tokenizer, error) {
	if exp.Training.ResumeStep >= 0 {
		tok, err := tokenizer.Load(path)
		if err == nil {
			if tok.Class() != exp.Tokenizer.Class {
				return nil, &spec.ConfigError{
					Field:  "tokenizer.class",
					Reason: fmt.Sprintf("is %q but the saved tokenizer is %q", exp.Tokenizer.Class, tok.Class()),
				}
			}
			return tok, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	tok, err := tokenizer.New(exp.Tokenizer)
	if err != nil {
		return nil, err
	}
	tok.BuildVocab(train, exp.Tokenizer.MinCount)
	if err := tok.Save(path); err != nil {
		return nil, err
	}
	return tok, nil
}
