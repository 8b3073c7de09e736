package models

// TrainingConfig is the validated set of values the trainer depends on
type TrainingConfig struct {
	ExperimentID       string
	CheckpointInterval int     // Save every N steps, >= 1
	GradClipMax        float64 // Max aggregate gradient norm, > 0 and finite
	RetentionLimit     int     // Checkpoints kept per kind, < 0 keeps all
	ResumeStep         int     // -1 for a fresh run
	Epochs             int
	VocabSize          int
}

// Experiment is the full experiment description loaded from YAML
type Experiment struct {
	Name      string
	Seed      int64
	Data      DataConfig
	Tokenizer TokenizerConfig
	Model     ModelConfig
	Optimizer OptimizerConfig
	Training  TrainingConfig
	BatchSize int
	MaxSeqLen int
	SpecYAML  string // Original document for replay/debug
}

// DataConfig describes the corpus and how it is split
type DataConfig struct {
	Path            string
	ValidationSplit float64
	TestSplit       float64
}

// TokenizerConfig selects the tokenizer implementation
type TokenizerConfig struct {
	Class    string // "char_dict" | "whitespace_dict"
	Uncased  bool
	MinCount int
}

// ModelConfig selects the language model variant
type ModelConfig struct {
	Class     string // "rnn" | "res_rnn"
	HiddenDim int
	InitStd   float64
}

// OptimizerConfig selects the optimizer and its hyperparameters
type OptimizerConfig struct {
	Class        string // "sgd" | "adam"
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Eps          float64
}
