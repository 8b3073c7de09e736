package monitoring

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/StoneLin0708/language-model-playground/core/models"
	"github.com/StoneLin0708/language-model-playground/storage"
)

// ProgressionFileName is written inside the experiment log directory
const ProgressionFileName = "training_progression.json"

// ProgressionFileFormat is the JSON document kept up to date during training
type ProgressionFileFormat struct {
	// Experiment being trained
	Experiment string `json:"experiment"`

	// Phase of the run (resuming, stepping, finalizing, completed)
	Phase string `json:"phase,omitempty"`

	// Last step reached
	CurrentStep *int64 `json:"current_step,omitempty"`

	// Zero-based epoch currently being consumed
	CurrentEpoch *int64 `json:"current_epoch,omitempty"`

	TotalEpochs *int64 `json:"total_epochs,omitempty"`

	Message string `json:"message,omitempty"`

	// Latest training-split scalars keyed as <tag>_<series>
	TrainingMetrics map[string]float64 `json:"training_metrics,omitempty"`

	// Latest validation and test scalars keyed as <tag>_<series>
	Metrics map[string]float64 `json:"metrics,omitempty"`

	// Unix seconds of the last update
	Timestamp int64 `json:"timestamp"`

	StartTime *int64 `json:"start_time,omitempty"`
}

// ProgressionFile mirrors run progress into a JSON file that external
// tooling can poll
type ProgressionFile struct {
	path  string
	mu    sync.Mutex
	state ProgressionFileFormat
	now   func() time.Time
}

// ProgressionFilePath returns where the file for experiment lives under dataPath
func ProgressionFilePath(dataPath, experiment string) string {
	return filepath.Join(dataPath, "log", experiment, ProgressionFileName)
}

// NewProgressionFile creates a progression writer for path
func NewProgressionFile(path, experiment string) *ProgressionFile {
	return &ProgressionFile{
		path:  path,
		state: ProgressionFileFormat{Experiment: experiment},
		now:   time.Now,
	}
}

// RecordScalars keeps the latest value of every series
func (p *ProgressionFile) RecordScalars(tag string, values map[string]float64, step int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for series, v := range values {
		key := tag + "_" + series
		// JSON cannot carry NaN or Inf; drop the stale value instead
		if !isFinite(v) {
			delete(p.state.TrainingMetrics, key)
			delete(p.state.Metrics, key)
			continue
		}
		if series == "train" {
			if p.state.TrainingMetrics == nil {
				p.state.TrainingMetrics = make(map[string]float64)
			}
			p.state.TrainingMetrics[key] = v
			continue
		}
		if p.state.Metrics == nil {
			p.state.Metrics = make(map[string]float64)
		}
		p.state.Metrics[key] = v
	}
	s := int64(step)
	p.state.CurrentStep = &s

	return p.flush()
}

// RecordText is a no-op; text blocks are not part of the progression file
func (p *ProgressionFile) RecordText(tag, text string, step int) error {
	return nil
}

// RecordProgress updates step, epoch and phase
func (p *ProgressionFile) RecordProgress(pr models.Progress) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	step := int64(pr.Step)
	epoch := int64(pr.Epoch)
	total := int64(pr.Epochs)
	p.state.Phase = string(pr.Phase)
	p.state.CurrentStep = &step
	p.state.CurrentEpoch = &epoch
	p.state.TotalEpochs = &total
	p.state.Message = fmt.Sprintf("%s at step %d", pr.Phase, pr.Step)
	if !pr.StartedAt.IsZero() {
		start := pr.StartedAt.Unix()
		p.state.StartTime = &start
	}

	return p.flush()
}

// Snapshot returns a copy of the current document
func (p *ProgressionFile) Snapshot() ProgressionFileFormat {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *ProgressionFile) flush() error {
	p.state.Timestamp = p.now().Unix()
	b, err := json.MarshalIndent(p.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode progression: %w", err)
	}
	if err := storage.WriteArtifact(p.path, b); err != nil {
		return fmt.Errorf("failed to write progression file: %w", err)
	}
	return nil
}

// ReadProgressionFile loads a progression file written by ProgressionFile
func ReadProgressionFile(path string) (*ProgressionFileFormat, error) {
	b, err := storage.ReadArtifact(path)
	if err != nil {
		return nil, err
	}
	var f ProgressionFileFormat
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to decode progression file %s: %w", path, err)
	}
	return &f, nil
}
