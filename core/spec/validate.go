package spec

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/StoneLin0708/language-model-playground/core/models"
)

// ErrInvalidConfig is matched by every ConfigError
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigError names the configuration field that failed validation
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// Is lets errors.Is match ErrInvalidConfig
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Validate checks the values the trainer relies on. It returns nil or a
// *ConfigError for the first offending field.
func Validate(cfg models.TrainingConfig) error {
	switch {
	case cfg.ExperimentID == "":
		return &ConfigError{Field: "experiment", Reason: "must not be empty"}
	case cfg.CheckpointInterval < 1:
		return &ConfigError{Field: "checkpoint_interval", Reason: "must be >= 1"}
	case math.IsNaN(cfg.GradClipMax) || math.IsInf(cfg.GradClipMax, 0):
		return &ConfigError{Field: "grad_clip_max", Reason: "must be finite"}
	case cfg.GradClipMax <= 0:
		return &ConfigError{Field: "grad_clip_max", Reason: "must be > 0"}
	case cfg.ResumeStep < -1:
		return &ConfigError{Field: "resume_step", Reason: "must be >= -1"}
	case cfg.Epochs < 1:
		return &ConfigError{Field: "epochs", Reason: "must be >= 1"}
	case cfg.VocabSize < 1:
		return &ConfigError{Field: "vocab_size", Reason: "must be >= 1"}
	}
	return nil
}

// ValidateExperimentName rejects names that would not stay a single
// directory below the data path
func ValidateExperimentName(name string) error {
	switch {
	case name == "":
		return &ConfigError{Field: "experiment", Reason: "must not be empty"}
	case name == "." || name == ".." || strings.ContainsAny(name, `/\`):
		return &ConfigError{Field: "experiment", Reason: fmt.Sprintf("%q must be a plain directory name", name)}
	}
	return nil
}

// ValidateExperiment checks the experiment fields consumed outside the trainer
func ValidateExperiment(exp *models.Experiment) error {
	if err := ValidateExperimentName(exp.Name); err != nil {
		return err
	}

	switch {
	case exp.Seed < 1:
		return &ConfigError{Field: "seed", Reason: "must be >= 1"}
	case exp.Data.Path == "":
		return &ConfigError{Field: "data.path", Reason: "must not be empty"}
	case exp.Data.ValidationSplit < 0 || exp.Data.TestSplit < 0:
		return &ConfigError{Field: "data", Reason: "splits must be >= 0"}
	case exp.Data.ValidationSplit+exp.Data.TestSplit >= 1:
		return &ConfigError{Field: "data", Reason: "validation_split + test_split must be < 1"}
	case exp.BatchSize < 1:
		return &ConfigError{Field: "training.batch_size", Reason: "must be >= 1"}
	case exp.MaxSeqLen < 2:
		return &ConfigError{Field: "training.max_seq_len", Reason: "must be >= 2"}
	case exp.Tokenizer.Class != "char_dict" && exp.Tokenizer.Class != "whitespace_dict" && exp.Tokenizer.Class != "bpe_cl100k":
		return &ConfigError{Field: "tokenizer.class", Reason: fmt.Sprintf("%q is not supported", exp.Tokenizer.Class)}
	case exp.Tokenizer.MinCount < 1:
		return &ConfigError{Field: "tokenizer.min_count", Reason: "must be >= 1"}
	case exp.Model.Class != "rnn" && exp.Model.Class != "res_rnn":
		return &ConfigError{Field: "model.class", Reason: fmt.Sprintf("%q is not supported", exp.Model.Class)}
	case exp.Model.HiddenDim < 1:
		return &ConfigError{Field: "model.hidden_dim", Reason: "must be >= 1"}
	case exp.Optimizer.Class != "sgd" && exp.Optimizer.Class != "adam":
		return &ConfigError{Field: "optimizer.class", Reason: fmt.Sprintf("%q is not supported", exp.Optimizer.Class)}
	case !(exp.Optimizer.LearningRate > 0):
		return &ConfigError{Field: "optimizer.learning_rate", Reason: "must be > 0"}
	}

	// VocabSize is only known once the tokenizer is built.
	cfg := exp.Training
	if cfg.VocabSize == 0 {
		cfg.VocabSize = 1
	}
	return Validate(cfg)
}
