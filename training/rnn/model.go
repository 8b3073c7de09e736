package rnn

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/StoneLin0708/language-model-playground/training"
)

// Model classes
const (
	ClassRNN    = "rnn"
	ClassResRNN = "res_rnn"
)

// Model is a single-layer Elman RNN language model. The residual variant
// adds the input embedding to the hidden state before the output layer.
type Model struct {
	class     string
	vocabSize int
	hidden    int
	training  bool

	embedding *training.Param // vocab x hidden
	wHH       *training.Param // hidden x hidden
	bH        *training.Param // hidden
	wOut      *training.Param // vocab x hidden
	bOut      *training.Param // vocab
}

// New creates a model with weights drawn from N(0, initStd^2)
func New(class string, vocabSize, hidden int, initStd float64, seed int64) (*Model, error) {
	if class != ClassRNN && class != ClassResRNN {
		return nil, fmt.Errorf("unsupported model class %q", class)
	}
	if vocabSize < 1 || hidden < 1 {
		return nil, fmt.Errorf("invalid model size: vocab %d, hidden %d", vocabSize, hidden)
	}

	rng := rand.New(rand.NewSource(seed))
	normal := func(name string, n int) *training.Param {
		p := &training.Param{Name: name, Data: make([]float64, n), Grad: make([]float64, n)}
		for i := range p.Data {
			p.Data[i] = rng.NormFloat64() * initStd
		}
		return p
	}
	zeros := func(name string, n int) *training.Param {
		return &training.Param{Name: name, Data: make([]float64, n), Grad: make([]float64, n)}
	}

	return &Model{
		class:     class,
		vocabSize: vocabSize,
		hidden:    hidden,
		training:  true,
		embedding: normal("embedding", vocabSize*hidden),
		wHH:       normal("w_hh", hidden*hidden),
		bH:        zeros("b_h", hidden),
		wOut:      normal("w_out", vocabSize*hidden),
		bOut:      zeros("b_out", vocabSize),
	}, nil
}

// VocabSize returns the size of the output distribution
func (m *Model) VocabSize() int {
	return m.vocabSize
}

// Parameters returns every trainable tensor
func (m *Model) Parameters() []*training.Param {
	return []*training.Param{m.embedding, m.wHH, m.bH, m.wOut, m.bOut}
}

// Train switches to training mode
func (m *Model) Train() { m.training = true }

// Eval switches to evaluation mode
func (m *Model) Eval() { m.training = false }

// Training reports the current mode
func (m *Model) Training() bool { return m.training }

// Forward runs every sequence of the batch through the network
func (m *Model) Forward(batch training.Batch) (training.Predictions, error) {
	out := &Output{
		model:  m,
		inputs: batch.Inputs,
		hidden: make([][][]float64, len(batch.Inputs)),
		logits: make([][][]float64, len(batch.Inputs)),
	}

	for b, seq := range batch.Inputs {
		hs := make([][]float64, len(seq)+1)
		hs[0] = make([]float64, m.hidden)
		logits := make([][]float64, len(seq))

		for t, id := range seq {
			if id < 0 || id >= m.vocabSize {
				return nil, fmt.Errorf("token id %d out of range [0, %d)", id, m.vocabSize)
			}
			hs[t+1] = m.step(id, hs[t])
			logits[t] = m.project(id, hs[t+1])
		}
		out.hidden[b] = hs
		out.logits[b] = logits
	}
	return out, nil
}

// step computes h_t = tanh(E[id] + W_hh h_{t-1} + b_h)
func (m *Model) step(id int, prev []float64) []float64 {
	H := m.hidden
	emb := m.embedding.Data[id*H : (id+1)*H]
	h := make([]float64, H)
	for i := 0; i < H; i++ {
		a := emb[i] + m.bH.Data[i]
		row := m.wHH.Data[i*H : (i+1)*H]
		for j, pj := range prev {
			a += row[j] * pj
		}
		h[i] = math.Tanh(a)
	}
	return h
}

// project maps a hidden state to vocabulary logits
func (m *Model) project(id int, h []float64) []float64 {
	z := m.outputInput(id, h)
	H := m.hidden
	logits := make([]float64, m.vocabSize)
	for v := 0; v < m.vocabSize; v++ {
		s := m.bOut.Data[v]
		row := m.wOut.Data[v*H : (v+1)*H]
		for i, zi := range z {
			s += row[i] * zi
		}
		logits[v] = s
	}
	return logits
}

func (m *Model) outputInput(id int, h []float64) []float64 {
	if m.class != ClassResRNN {
		return h
	}
	H := m.hidden
	emb := m.embedding.Data[id*H : (id+1)*H]
	z := make([]float64, H)
	for i := range z {
		z[i] = h[i] + emb[i]
	}
	return z
}

// Generate greedily extends prefix until stopID is produced or the sequence
// reaches maxLen tokens
func (m *Model) Generate(prefix []int, maxLen, stopID int) ([]int, error) {
	if len(prefix) == 0 {
		return nil, fmt.Errorf("generation needs a non-empty prefix")
	}

	out := append([]int(nil), prefix...)
	h := make([]float64, m.hidden)
	var logits []float64
	for _, id := range prefix {
		if id < 0 || id >= m.vocabSize {
			return nil, fmt.Errorf("token id %d out of range [0, %d)", id, m.vocabSize)
		}
		h = m.step(id, h)
		logits = m.project(id, h)
	}

	for len(out) < maxLen {
		next := argmax(logits)
		out = append(out, next)
		if next == stopID {
			break
		}
		h = m.step(next, h)
		logits = m.project(next, h)
	}
	return out, nil
}

type modelState struct {
	Class     string               `json:"class"`
	VocabSize int                  `json:"vocab_size"`
	Hidden    int                  `json:"hidden"`
	Params    map[string][]float64 `json:"params"`
}

// State serializes the model weights
func (m *Model) State() ([]byte, error) {
	st := modelState{
		Class:     m.class,
		VocabSize: m.vocabSize,
		Hidden:    m.hidden,
		Params:    make(map[string][]float64),
	}
	for _, p := range m.Parameters() {
		st.Params[p.Name] = p.Data
	}
	return json.Marshal(st)
}

// LoadState restores weights written by State. Shapes must match.
func (m *Model) LoadState(blob []byte) error {
	var st modelState
	if err := json.Unmarshal(blob, &st); err != nil {
		return fmt.Errorf("failed to decode model state: %w", err)
	}
	if st.Class != m.class || st.VocabSize != m.vocabSize || st.Hidden != m.hidden {
		return fmt.Errorf("model state is %s(vocab=%d, hidden=%d), want %s(vocab=%d, hidden=%d)",
			st.Class, st.VocabSize, st.Hidden, m.class, m.vocabSize, m.hidden)
	}

	for _, p := range m.Parameters() {
		data, ok := st.Params[p.Name]
		if !ok {
			return fmt.Errorf("model state is missing %s", p.Name)
		}
		if len(data) != len(p.Data) {
			return fmt.Errorf("model state %s has %d values, want %d", p.Name, len(data), len(p.Data))
		}
		copy(p.Data, data)
	}
	return nil
}

// Load builds a model from a state blob alone
func Load(blob []byte) (*Model, error) {
	var st modelState
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil, fmt.Errorf("failed to decode model state: %w", err)
	}
	m, err := New(st.Class, st.VocabSize, st.Hidden, 0, 1)
	if err != nil {
		return nil, err
	}
	if err := m.LoadState(blob); err != nil {
		return nil, err
	}
	return m, nil
}

func argmax(xs []float64) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}
