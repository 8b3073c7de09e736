package training

import (
	"context"

	"github.com/StoneLin0708/language-model-playground/core/models"
	"github.com/StoneLin0708/language-model-playground/storage"
)

// Batch is one collated mini-batch of token ids. Targets[i] is Inputs[i]
// shifted by one position.
type Batch struct {
	Inputs  [][]int
	Targets [][]int
}

// Size returns the number of sequences in the batch
func (b Batch) Size() int {
	return len(b.Inputs)
}

// Param is a trainable tensor flattened to a vector, with its gradient
type Param struct {
	Name string
	Data []float64
	Grad []float64
}

// Predictions are the raw outputs of a forward pass
type Predictions interface {
	// Argmax returns the most likely token id at every position
	Argmax() [][]int
}

// Model is any language model the trainer can drive
type Model interface {
	Forward(batch Batch) (Predictions, error)
	Parameters() []*Param
	Train()
	Eval()
	State() ([]byte, error)
	LoadState(blob []byte) error
}

// Optimizer updates model parameters from their gradients
type Optimizer interface {
	Step() error
	ZeroGrad()
	State() ([]byte, error)
	LoadState(blob []byte) error
}

// Loss is a scalar objective that can populate parameter gradients
type Loss interface {
	Value() float64
	Backward() error
}

// Criterion scores predictions against targets
type Criterion interface {
	Compute(pred Predictions, targets [][]int) (Loss, error)
}

// Tokenizer turns token ids back into text
type Tokenizer interface {
	BatchDecode(ids [][]int, stopAtEOS bool) []string
}

// MetricsSink receives step-keyed scalar series and text blocks
type MetricsSink interface {
	RecordScalars(tag string, values map[string]float64, step int) error
	RecordText(tag, text string, step int) error
}

// ProgressRecorder is implemented by sinks that also track run progress
type ProgressRecorder interface {
	RecordProgress(p models.Progress) error
}

// DataSource yields batches for one epoch at a time. Next returns io.EOF
// once the epoch is exhausted; Reset starts a new epoch.
type DataSource interface {
	Reset() error
	Next(ctx context.Context) (Batch, error)
}

// CheckpointStore is the part of the checkpoint store the trainer depends on
type CheckpointStore interface {
	SavePaths(dir string, step int) (modelPath, optimizerPath string)
	EnforceRetention(dir string, policy models.RetentionPolicy) (*storage.RetentionReport, error)
}

// CheckpointObserver is notified after checkpoints are written or pruned
type CheckpointObserver interface {
	CheckpointSaved(ctx context.Context, ckpt models.Checkpoint) error
	CheckpointsPruned(ctx context.Context, dir string, removed []string) error
}
