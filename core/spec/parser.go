package spec

import (
	"fmt"
	"os"

	"github.com/StoneLin0708/language-model-playground/core/models"

	"gopkg.in/yaml.v3"
)

// ExperimentSpec represents the YAML experiment specification
type ExperimentSpec struct {
	Experiment string                  `yaml:"experiment"`
	Seed       int64                   `yaml:"seed"`
	Data       ExperimentSpecData      `yaml:"data"`
	Tokenizer  ExperimentSpecTokenizer `yaml:"tokenizer"`
	Model      ExperimentSpecModel     `yaml:"model"`
	Optimizer  ExperimentSpecOptimizer `yaml:"optimizer"`
	Training   ExperimentSpecTraining  `yaml:"training"`
}

// ExperimentSpecData represents the corpus section
type ExperimentSpecData struct {
	Path            string  `yaml:"path"`
	ValidationSplit float64 `yaml:"validation_split"`
	TestSplit       float64 `yaml:"test_split"`
}

// ExperimentSpecTokenizer represents the tokenizer section
type ExperimentSpecTokenizer struct {
	Class    string `yaml:"class"`
	Uncased  bool   `yaml:"uncased"`
	MinCount int    `yaml:"min_count"`
}

// ExperimentSpecModel represents the model section
type ExperimentSpecModel struct {
	Class     string  `yaml:"class"`
	HiddenDim int     `yaml:"hidden_dim"`
	InitStd   float64 `yaml:"init_std"`
}

// ExperimentSpecOptimizer represents the optimizer section
type ExperimentSpecOptimizer struct {
	Class        string  `yaml:"class"`
	LearningRate float64 `yaml:"learning_rate"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	Eps          float64 `yaml:"eps"`
}

// ExperimentSpecTraining represents the training loop section
type ExperimentSpecTraining struct {
	Epochs             int      `yaml:"epochs"`
	BatchSize          int      `yaml:"batch_size"`
	MaxSeqLen          int      `yaml:"max_seq_len"`
	CheckpointInterval int      `yaml:"checkpoint_interval"`
	GradClipMax        *float64 `yaml:"grad_clip_max,omitempty"`
	RetentionLimit     *int     `yaml:"retention_limit,omitempty"` // Omitted keeps every checkpoint
}

// LoadExperiment reads and parses an experiment file
func LoadExperiment(path string) (*models.Experiment, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment file: %w", err)
	}
	return ParseExperiment(string(b))
}

// ParseExperiment parses a YAML experiment specification into an Experiment model
func ParseExperiment(specYAML string) (*models.Experiment, error) {
	var spec ExperimentSpec
	if err := yaml.Unmarshal([]byte(specYAML), &spec); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	exp := &models.Experiment{
		Name:      spec.Experiment,
		Seed:      spec.Seed,
		BatchSize: spec.Training.BatchSize,
		MaxSeqLen: spec.Training.MaxSeqLen,
		SpecYAML:  specYAML,
		Data: models.DataConfig{
			Path:            spec.Data.Path,
			ValidationSplit: spec.Data.ValidationSplit,
			TestSplit:       spec.Data.TestSplit,
		},
		Tokenizer: models.TokenizerConfig{
			Class:    spec.Tokenizer.Class,
			Uncased:  spec.Tokenizer.Uncased,
			MinCount: spec.Tokenizer.MinCount,
		},
		Model: models.ModelConfig{
			Class:     spec.Model.Class,
			HiddenDim: spec.Model.HiddenDim,
			InitStd:   spec.Model.InitStd,
		},
		Optimizer: models.OptimizerConfig{
			Class:        spec.Optimizer.Class,
			LearningRate: spec.Optimizer.LearningRate,
			Beta1:        spec.Optimizer.Beta1,
			Beta2:        spec.Optimizer.Beta2,
			Eps:          spec.Optimizer.Eps,
		},
		Training: models.TrainingConfig{
			ExperimentID:       spec.Experiment,
			CheckpointInterval: spec.Training.CheckpointInterval,
			RetentionLimit:     -1,
			ResumeStep:         -1,
			Epochs:             spec.Training.Epochs,
		},
	}

	if spec.Training.GradClipMax != nil {
		exp.Training.GradClipMax = *spec.Training.GradClipMax
	} else {
		exp.Training.GradClipMax = 1.0
	}
	if spec.Training.RetentionLimit != nil {
		exp.Training.RetentionLimit = *spec.Training.RetentionLimit
	}

	applyDefaults(exp)

	return exp, nil
}

// applyDefaults fills unset fields with the values used by the reference setup
func applyDefaults(exp *models.Experiment) {
	if exp.Seed == 0 {
		exp.Seed = 42
	}
	if exp.BatchSize == 0 {
		exp.BatchSize = 32
	}
	if exp.MaxSeqLen == 0 {
		exp.MaxSeqLen = 64
	}
	if exp.Tokenizer.Class == "" {
		exp.Tokenizer.Class = "char_dict"
	}
	if exp.Tokenizer.MinCount == 0 {
		exp.Tokenizer.MinCount = 1
	}
	if exp.Model.Class == "" {
		exp.Model.Class = "rnn"
	}
	if exp.Model.HiddenDim == 0 {
		exp.Model.HiddenDim = 64
	}
	if exp.Model.InitStd == 0 {
		exp.Model.InitStd = 0.1
	}
	if exp.Optimizer.Class == "" {
		exp.Optimizer.Class = "adam"
	}
	if exp.Optimizer.LearningRate == 0 {
		exp.Optimizer.LearningRate = 1e-3
	}
	if exp.Optimizer.Beta1 == 0 {
		exp.Optimizer.Beta1 = 0.9
	}
	if exp.Optimizer.Beta2 == 0 {
		exp.Optimizer.Beta2 = 0.999
	}
	if exp.Optimizer.Eps == 0 {
		exp.Optimizer.Eps = 1e-8
	}
	if exp.Training.Epochs == 0 {
		exp.Training.Epochs = 10
	}
	if exp.Training.CheckpointInterval == 0 {
		exp.Training.CheckpointInterval = 500
	}
}
