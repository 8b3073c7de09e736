package optim

import (
	"testing"

	"github.com/StoneLin0708/language-model-playground/core/models"
	"github.com/StoneLin0708/language-model-playground/training"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func param(data, grad []float64) *training.Param {
	return &training.Param{Name: "w", Data: data, Grad: grad}
}

func TestSGD_StepAndZeroGrad(t *testing.T) {
	t.Parallel()

	p := param([]float64{1, 2}, []float64{0.5, -1})
	o := NewSGD([]*training.Param{p}, 0.1)

	require.NoError(t, o.Step())
	assert.InDeltaSlice(t, []float64{0.95, 2.1}, p.Data, 1e-12)

	o.ZeroGrad()
	assert.Equal(t, []float64{0, 0}, p.Grad)
}

func TestAdam_FirstStepMovesByLearningRate(t *testing.T) {
	t.Parallel()

	p := param([]float64{1, 1}, []float64{3, -0.01})
	o := NewAdam([]*training.Param{p}, 0.01, 0.9, 0.999, 1e-8)

	require.NoError(t, o.Step())
	// After bias correction the first update is lr * sign(g).
	assert.InDelta(t, 0.99, p.Data[0], 1e-6)
	assert.InDelta(t, 1.01, p.Data[1], 1e-5)
	assert.Equal(t, 1, o.Steps())
}

func TestAdam_StateRoundTripContinuesIdentically(t *testing.T) {
	t.Parallel()

	grads := [][]float64{{1, -2}, {0.5, 0.5}, {-1, 3}}

	run := func(resumeAfter int) []float64 {
		p := param([]float64{0, 0}, []float64{0, 0})
		o := NewAdam([]*training.Param{p}, 0.05, 0.9, 0.999, 1e-8)
		for i, g := range grads {
			if i == resumeAfter {
				blob, err := o.State()
				require.NoError(t, err)
				o = NewAdam([]*training.Param{p}, 1, 0, 0, 0)
				require.NoError(t, o.LoadState(blob))
			}
			copy(p.Grad, g)
			require.NoError(t, o.Step())
			o.ZeroGrad()
		}
		return p.Data
	}

	assert.InDeltaSlice(t, run(-1), run(2), 1e-12)
}

func TestAdam_LoadStateRejectsMismatch(t *testing.T) {
	t.Parallel()

	small := NewAdam([]*training.Param{param([]float64{0}, []float64{0})}, 0.1, 0.9, 0.999, 1e-8)
	blob, err := small.State()
	require.NoError(t, err)

	large := NewAdam([]*training.Param{param([]float64{0, 0}, []float64{0, 0})}, 0.1, 0.9, 0.999, 1e-8)
	assert.Error(t, large.LoadState(blob))

	sgdBlob, err := NewSGD(nil, 0.1).State()
	require.NoError(t, err)
	assert.Error(t, large.LoadState(sgdBlob))
}

func TestNew_SelectsClass(t *testing.T) {
	t.Parallel()

	params := []*training.Param{param([]float64{0}, []float64{0})}

	o, err := New(models.OptimizerConfig{Class: ClassSGD, LearningRate: 0.1}, params)
	require.NoError(t, err)
	assert.IsType(t, &SGD{}, o)

	o, err = New(models.OptimizerConfig{Class: ClassAdam, LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}, params)
	require.NoError(t, err)
	assert.IsType(t, &Adam{}, o)

	_, err = New(models.OptimizerConfig{Class: "rmsprop"}, params)
	assert.Error(t, err)
}
