package dataset

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"

	"github.com/StoneLin0708/language-model-playground/training"
)

// LoadLines reads one sample per non-blank line
func LoadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus: %w", err)
	}
	defer f.Close()

	var samples []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		samples = append(samples, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read corpus %s: %w", path, err)
	}
	return samples, nil
}

// Splits holds the partitions of a corpus
type Splits struct {
	Train      []string
	Validation []string
	Test       []string
}

// Split shuffles samples with seed and carves off the validation and test
// fractions. The same seed always yields the same partition.
func Split(samples []string, validationFrac, testFrac float64, seed int64) Splits {
	n := len(samples)
	perm := rand.New(rand.NewSource(seed)).Perm(n)

	nTest := int(testFrac * float64(n))
	nValid := int(validationFrac * float64(n))
	if nTest+nValid > n {
		nValid = n - nTest
	}

	pick := func(idx []int) []string {
		out := make([]string, len(idx))
		for i, j := range idx {
			out[i] = samples[j]
		}
		return out
	}

	return Splits{
		Test:       pick(perm[:nTest]),
		Validation: pick(perm[nTest : nTest+nValid]),
		Train:      pick(perm[nTest+nValid:]),
	}
}

// Collate builds a next-token batch: inputs drop the last id, targets drop the first
func Collate(seqs [][]int) training.Batch {
	b := training.Batch{
		Inputs:  make([][]int, 0, len(seqs)),
		Targets: make([][]int, 0, len(seqs)),
	}
	for _, s := range seqs {
		if len(s) < 2 {
			continue
		}
		b.Inputs = append(b.Inputs, s[:len(s)-1])
		b.Targets = append(b.Targets, s[1:])
	}
	return b
}

// Loader serves encoded sequences in batches, one epoch per Reset
type Loader struct {
	seqs      [][]int
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	order     []int
	pos       int
}

// NewLoader creates a loader over encoded sequences. With shuffle set, every
// epoch uses a new permutation drawn from a generator seeded with seed.
func NewLoader(seqs [][]int, batchSize int, shuffle bool, seed int64) *Loader {
	if batchSize < 1 {
		batchSize = 1
	}
	l := &Loader{
		seqs:      seqs,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
	}
	l.order = l.identity()
	return l
}

func (l *Loader) identity() []int {
	order := make([]int, len(l.seqs))
	for i := range order {
		order[i] = i
	}
	return order
}

// Len returns the number of batches per epoch
func (l *Loader) Len() int {
	return (len(l.seqs) + l.batchSize - 1) / l.batchSize
}

// Reset starts a new epoch
func (l *Loader) Reset() error {
	l.pos = 0
	if l.shuffle {
		l.order = l.rng.Perm(len(l.seqs))
	} else {
		l.order = l.identity()
	}
	return nil
}

// Next returns the next batch, or io.EOF at the end of the epoch
func (l *Loader) Next(ctx context.Context) (training.Batch, error) {
	if err := ctx.Err(); err != nil {
		return training.Batch{}, err
	}
	if l.pos >= len(l.order) {
		return training.Batch{}, io.EOF
	}

	end := min(l.pos+l.batchSize, len(l.order))
	seqs := make([][]int, 0, end-l.pos)
	for _, i := range l.order[l.pos:end] {
		seqs = append(seqs, l.seqs[i])
	}
	l.pos = end

	return Collate(seqs), nil
}
