package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/StoneLin0708/language-model-playground/core/models"
	"github.com/StoneLin0708/language-model-playground/storage"
)

type fakePredictions struct {
	ids [][]int
}

func (p fakePredictions) Argmax() [][]int { return p.ids }

// fakeModel holds a single scalar parameter
type fakeModel struct {
	param     *Param
	forwards  int
	evalCalls int
	training  bool
	loaded    []byte
}

func newFakeModel() *fakeModel {
	return &fakeModel{param: &Param{Name: "w", Data: []float64{0}, Grad: []float64{0}}}
}

func (m *fakeModel) Forward(batch Batch) (Predictions, error) {
	m.forwards++
	return fakePredictions{ids: batch.Inputs}, nil
}

func (m *fakeModel) Parameters() []*Param { return []*Param{m.param} }
func (m *fakeModel) Train()               { m.training = true }
func (m *fakeModel) Eval() {
	m.training = false
	m.evalCalls++
}

func (m *fakeModel) State() ([]byte, error) {
	return []byte(fmt.Sprintf("model w=%g", m.param.Data[0])), nil
}

func (m *fakeModel) LoadState(blob []byte) error {
	m.loaded = blob
	return nil
}

// fakeCriterion scores a batch by its first target id and uses the same
// value as the gradient unless gradFor overrides it
type fakeCriterion struct {
	model   *fakeModel
	nanAt   int
	gradFor func(value float64) float64
}

type fakeLoss struct {
	value    float64
	backward func()
}

func (l fakeLoss) Value() float64 { return l.value }
func (l fakeLoss) Backward() error {
	l.backward()
	return nil
}

func (c *fakeCriterion) Compute(pred Predictions, targets [][]int) (Loss, error) {
	value := float64(targets[0][0])
	if c.nanAt > 0 && targets[0][0] == c.nanAt {
		value = math.NaN()
	}
	grad := value
	if c.gradFor != nil {
		grad = c.gradFor(value)
	}
	return fakeLoss{value: value, backward: func() { c.model.param.Grad[0] += grad }}, nil
}

type fakeOptimizer struct {
	param     *Param
	steps     int
	zeroGrads int
	grads     []float64
	loaded    []byte
}

func (o *fakeOptimizer) Step() error {
	o.steps++
	o.grads = append(o.grads, o.param.Grad[0])
	o.param.Data[0] -= 0.01 * o.param.Grad[0]
	return nil
}

func (o *fakeOptimizer) ZeroGrad() {
	o.zeroGrads++
	o.param.Grad[0] = 0
}

func (o *fakeOptimizer) State() ([]byte, error) {
	return []byte("optimizer steps=" + strconv.Itoa(o.steps)), nil
}

func (o *fakeOptimizer) LoadState(blob []byte) error {
	o.loaded = blob
	return nil
}

// fakeSource yields n batches per epoch. Batch i (1-based) carries id i in
// every position.
type fakeSource struct {
	n           int
	width       int
	pos         int
	resets      int
	cancelAfter int
	cancel      context.CancelFunc
}

func (s *fakeSource) Reset() error {
	s.pos = 0
	s.resets++
	return nil
}

func (s *fakeSource) Next(ctx context.Context) (Batch, error) {
	if s.pos >= s.n {
		return Batch{}, io.EOF
	}
	s.pos++

	width := s.width
	if width == 0 {
		width = 1
	}
	var b Batch
	for r := 0; r < width; r++ {
		b.Inputs = append(b.Inputs, []int{s.pos, r})
		b.Targets = append(b.Targets, []int{s.pos, r + 1})
	}

	if s.cancel != nil && s.pos == s.cancelAfter {
		s.cancel()
	}
	return b, nil
}

type fakeTokenizer struct{}

func (fakeTokenizer) BatchDecode(ids [][]int, stopAtEOS bool) []string {
	out := make([]string, len(ids))
	for i, row := range ids {
		parts := make([]string, len(row))
		for j, id := range row {
			parts[j] = strconv.Itoa(id)
		}
		out[i] = strings.Join(parts, " ")
	}
	return out
}

type scalarRecord struct {
	tag    string
	values map[string]float64
	step   int
}

type textRecord struct {
	tag  string
	text string
	step int
}

type recordingSink struct {
	scalars  []scalarRecord
	texts    []textRecord
	progress []models.Progress
	fail     bool
}

func (s *recordingSink) RecordScalars(tag string, values map[string]float64, step int) error {
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.scalars = append(s.scalars, scalarRecord{tag: tag, values: values, step: step})
	return nil
}

func (s *recordingSink) RecordText(tag, text string, step int) error {
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.texts = append(s.texts, textRecord{tag: tag, text: text, step: step})
	return nil
}

func (s *recordingSink) RecordProgress(p models.Progress) error {
	s.progress = append(s.progress, p)
	return nil
}

// countingStore counts retention passes on top of the real store
type countingStore struct {
	*storage.CheckpointStore
	retentionCalls int
}

func (s *countingStore) EnforceRetention(dir string, policy models.RetentionPolicy) (*storage.RetentionReport, error) {
	s.retentionCalls++
	return s.CheckpointStore.EnforceRetention(dir, policy)
}

type recordingObserver struct {
	saved  []int
	pruned []string
	err    error
}

func (o *recordingObserver) CheckpointSaved(ctx context.Context, ckpt models.Checkpoint) error {
	o.saved = append(o.saved, ckpt.Step)
	return o.err
}

func (o *recordingObserver) CheckpointsPruned(ctx context.Context, dir string, removed []string) error {
	o.pruned = append(o.pruned, removed...)
	return o.err
}
