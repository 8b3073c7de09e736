package rnn

import "fmt"

// Output holds the logits of one forward pass together with the activations
// needed to backpropagate through it
type Output struct {
	model  *Model
	inputs [][]int
	hidden [][][]float64 // per sequence, T+1 states starting with zeros
	logits [][][]float64 // per sequence, T x vocab
}

// Logits returns batch x time x vocab scores
func (o *Output) Logits() [][][]float64 {
	return o.logits
}

// Argmax returns the most likely token id at every position
func (o *Output) Argmax() [][]int {
	out := make([][]int, len(o.logits))
	for b, seq := range o.logits {
		out[b] = make([]int, len(seq))
		for t, l := range seq {
			out[b][t] = argmax(l)
		}
	}
	return out
}

// Backward accumulates parameter gradients from the gradient of the loss
// with respect to every logit, through time
func (o *Output) Backward(dLogits [][][]float64) error {
	m := o.model
	H := m.hidden
	V := m.vocabSize
	if len(dLogits) != len(o.logits) {
		return fmt.Errorf("gradient batch size %d, want %d", len(dLogits), len(o.logits))
	}

	for b, seq := range o.inputs {
		hs := o.hidden[b]
		dhNext := make([]float64, H)

		for t := len(seq) - 1; t >= 0; t-- {
			id := seq[t]
			h := hs[t+1]
			z := m.outputInput(id, h)
			dl := dLogits[b][t]

			dz := make([]float64, H)
			for v := 0; v < V; v++ {
				g := dl[v]
				if g == 0 {
					continue
				}
				m.bOut.Grad[v] += g
				row := m.wOut.Data[v*H : (v+1)*H]
				grow := m.wOut.Grad[v*H : (v+1)*H]
				for i := 0; i < H; i++ {
					grow[i] += g * z[i]
					dz[i] += g * row[i]
				}
			}

			da := make([]float64, H)
			for i := 0; i < H; i++ {
				dh := dz[i] + dhNext[i]
				da[i] = dh * (1 - h[i]*h[i])
			}

			prev := hs[t]
			nextDh := make([]float64, H)
			for i := 0; i < H; i++ {
				if da[i] == 0 {
					continue
				}
				m.bH.Grad[i] += da[i]
				row := m.wHH.Data[i*H : (i+1)*H]
				grow := m.wHH.Grad[i*H : (i+1)*H]
				for j := 0; j < H; j++ {
					grow[j] += da[i] * prev[j]
					nextDh[j] += da[i] * row[j]
				}
			}
			dhNext = nextDh

			gemb := m.embedding.Grad[id*H : (id+1)*H]
			for i := 0; i < H; i++ {
				gemb[i] += da[i]
				if m.class == ClassResRNN {
					gemb[i] += dz[i]
				}
			}
		}
	}
	return nil
}
