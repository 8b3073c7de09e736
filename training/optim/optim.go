package optim

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/StoneLin0708/language-model-playground/core/models"
	"github.com/StoneLin0708/language-model-playground/training"
)

// Optimizer classes
const (
	ClassSGD  = "sgd"
	ClassAdam = "adam"
)

// New creates the optimizer named by cfg.Class over params
func New(cfg models.OptimizerConfig, params []*training.Param) (training.Optimizer, error) {
	switch cfg.Class {
	case ClassSGD:
		return NewSGD(params, cfg.LearningRate), nil
	case ClassAdam:
		return NewAdam(params, cfg.LearningRate, cfg.Beta1, cfg.Beta2, cfg.Eps), nil
	default:
		return nil, fmt.Errorf("unsupported optimizer class %q", cfg.Class)
	}
}

func zeroGrad(params []*training.Param) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// SGD is plain stochastic gradient descent
type SGD struct {
	params []*training.Param
	lr     float64
}

// NewSGD creates an SGD optimizer
func NewSGD(params []*training.Param, lr float64) *SGD {
	return &SGD{params: params, lr: lr}
}

// Step applies one update
func (o *SGD) Step() error {
	for _, p := range o.params {
		for i, g := range p.Grad {
			p.Data[i] -= o.lr * g
		}
	}
	return nil
}

// ZeroGrad clears every gradient
func (o *SGD) ZeroGrad() {
	zeroGrad(o.params)
}

type sgdState struct {
	Class        string  `json:"class"`
	LearningRate float64 `json:"learning_rate"`
}

// State serializes the optimizer
func (o *SGD) State() ([]byte, error) {
	return json.Marshal(sgdState{Class: ClassSGD, LearningRate: o.lr})
}

// LoadState restores state written by State
func (o *SGD) LoadState(blob []byte) error {
	var st sgdState
	if err := json.Unmarshal(blob, &st); err != nil {
		return fmt.Errorf("failed to decode optimizer state: %w", err)
	}
	if st.Class != ClassSGD {
		return fmt.Errorf("optimizer state is %q, want %q", st.Class, ClassSGD)
	}
	o.lr = st.LearningRate
	return nil
}

// Adam keeps bias-corrected first and second moment estimates per value
type Adam struct {
	params []*training.Param
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	step   int
	m      map[string][]float64
	v      map[string][]float64
}

// NewAdam creates an Adam optimizer
func NewAdam(params []*training.Param, lr, beta1, beta2, eps float64) *Adam {
	o := &Adam{
		params: params,
		lr:     lr,
		beta1:  beta1,
		beta2:  beta2,
		eps:    eps,
		m:      make(map[string][]float64, len(params)),
		v:      make(map[string][]float64, len(params)),
	}
	for _, p := range params {
		o.m[p.Name] = make([]float64, len(p.Data))
		o.v[p.Name] = make([]float64, len(p.Data))
	}
	return o
}

// Step applies one update
func (o *Adam) Step() error {
	o.step++
	c1 := 1 - math.Pow(o.beta1, float64(o.step))
	c2 := 1 - math.Pow(o.beta2, float64(o.step))

	for _, p := range o.params {
		m, v := o.m[p.Name], o.v[p.Name]
		for i, g := range p.Grad {
			m[i] = o.beta1*m[i] + (1-o.beta1)*g
			v[i] = o.beta2*v[i] + (1-o.beta2)*g*g
			mHat := m[i] / c1
			vHat := v[i] / c2
			p.Data[i] -= o.lr * mHat / (math.Sqrt(vHat) + o.eps)
		}
	}
	return nil
}

// ZeroGrad clears every gradient
func (o *Adam) ZeroGrad() {
	zeroGrad(o.params)
}

// Steps returns the number of updates applied so far
func (o *Adam) Steps() int {
	return o.step
}

type adamState struct {
	Class        string               `json:"class"`
	LearningRate float64              `json:"learning_rate"`
	Beta1        float64              `json:"beta1"`
	Beta2        float64              `json:"beta2"`
	Eps          float64              `json:"eps"`
	Step         int                  `json:"step"`
	M            map[string][]float64 `json:"m"`
	V            map[string][]float64 `json:"v"`
}

// State serializes hyperparameters and moment estimates
func (o *Adam) State() ([]byte, error) {
	return json.Marshal(adamState{
		Class:        ClassAdam,
		LearningRate: o.lr,
		Beta1:        o.beta1,
		Beta2:        o.beta2,
		Eps:          o.eps,
		Step:         o.step,
		M:            o.m,
		V:            o.v,
	})
}

// LoadState restores state written by State. Moment shapes must match the parameters.
func (o *Adam) LoadState(blob []byte) error {
	var st adamState
	if err := json.Unmarshal(blob, &st); err != nil {
		return fmt.Errorf("failed to decode optimizer state: %w", err)
	}
	if st.Class != ClassAdam {
		return fmt.Errorf("optimizer state is %q, want %q", st.Class, ClassAdam)
	}

	for _, p := range o.params {
		m, v := st.M[p.Name], st.V[p.Name]
		if len(m) != len(p.Data) || len(v) != len(p.Data) {
			return fmt.Errorf("optimizer state for %s has %d/%d moments, want %d", p.Name, len(m), len(v), len(p.Data))
		}
	}

	o.lr, o.beta1, o.beta2, o.eps = st.LearningRate, st.Beta1, st.Beta2, st.Eps
	o.step = st.Step
	for _, p := range o.params {
		copy(o.m[p.Name], st.M[p.Name])
		copy(o.v[p.Name], st.V[p.Name])
	}
	return nil
}
