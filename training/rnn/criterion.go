package rnn

import (
	"fmt"
	"math"

	"github.com/StoneLin0708/language-model-playground/training"
)

// Differentiable is implemented by predictions that can backpropagate a
// gradient on their logits
type Differentiable interface {
	Logits() [][][]float64
	Backward(dLogits [][][]float64) error
}

// CrossEntropy averages the token-level negative log likelihood over every
// target that is not IgnoreID
type CrossEntropy struct {
	IgnoreID int
}

// NewCrossEntropy creates a criterion that skips ignoreID targets
func NewCrossEntropy(ignoreID int) *CrossEntropy {
	return &CrossEntropy{IgnoreID: ignoreID}
}

// Compute scores pred against targets
func (c *CrossEntropy) Compute(pred training.Predictions, targets [][]int) (training.Loss, error) {
	out, ok := pred.(Differentiable)
	if !ok {
		return nil, fmt.Errorf("cross entropy needs logits, got %T", pred)
	}
	logits := out.Logits()
	if len(logits) != len(targets) {
		return nil, fmt.Errorf("predictions for %d sequences, targets for %d", len(logits), len(targets))
	}

	var (
		sum   float64
		count int
	)
	probs := make([][][]float64, len(logits))
	for b, seq := range logits {
		if len(seq) != len(targets[b]) {
			return nil, fmt.Errorf("sequence %d has %d predictions and %d targets", b, len(seq), len(targets[b]))
		}
		probs[b] = make([][]float64, len(seq))
		for t, l := range seq {
			y := targets[b][t]
			if y == c.IgnoreID {
				continue
			}
			if y < 0 || y >= len(l) {
				return nil, fmt.Errorf("target id %d out of range [0, %d)", y, len(l))
			}
			p := softmax(l)
			probs[b][t] = p
			sum -= math.Log(math.Max(p[y], 1e-300))
			count++
		}
	}

	loss := &crossEntropyLoss{out: out, probs: probs, targets: targets, count: count}
	if count > 0 {
		loss.value = sum / float64(count)
	}
	return loss, nil
}

type crossEntropyLoss struct {
	out     Differentiable
	probs   [][][]float64
	targets [][]int
	count   int
	value   float64
}

func (l *crossEntropyLoss) Value() float64 {
	return l.value
}

// Backward feeds (softmax - onehot) / count into the model
func (l *crossEntropyLoss) Backward() error {
	if l.count == 0 {
		return nil
	}

	scale := 1 / float64(l.count)
	grads := make([][][]float64, len(l.probs))
	for b, seq := range l.probs {
		grads[b] = make([][]float64, len(seq))
		for t, p := range seq {
			g := make([]float64, len(l.out.Logits()[b][t]))
			if p != nil {
				for v, pv := range p {
					g[v] = pv * scale
				}
				g[l.targets[b][t]] -= scale
			}
			grads[b][t] = g
		}
	}
	return l.out.Backward(grads)
}

func softmax(logits []float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, x := range logits {
		if x > maxLogit {
			maxLogit = x
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, x := range logits {
		out[i] = math.Exp(x - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
