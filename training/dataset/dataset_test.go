package dataset

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadLines_SkipsBlankLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "corpus.txt")
	require.NoError(t, os.WriteFile(path, []byte("first\n\n  second  \n\t\nthird"), 0o644))

	lines, err := LoadLines(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, lines)

	_, err = LoadLines(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestSplit_IsDeterministicAndDisjoint(t *testing.T) {
	t.Parallel()

	samples := make([]string, 20)
	for i := range samples {
		samples[i] = string(rune('a' + i))
	}

	a := Split(samples, 0.2, 0.1, 7)
	b := Split(samples, 0.2, 0.1, 7)
	assert.Equal(t, a, b)

	assert.Len(t, a.Validation, 4)
	assert.Len(t, a.Test, 2)
	assert.Len(t, a.Train, 14)

	all := append(append(append([]string{}, a.Train...), a.Validation...), a.Test...)
	sort.Strings(all)
	assert.Equal(t, samples, all)
}

func TestCollate_ShiftsTargets(t *testing.T) {
	t.Parallel()

	b := Collate([][]int{{0, 5, 6, 1}, {0, 7, 1, 2}, {9}})
	assert.Equal(t, [][]int{{0, 5, 6}, {0, 7, 1}}, b.Inputs)
	assert.Equal(t, [][]int{{5, 6, 1}, {7, 1, 2}}, b.Targets)
}

func TestLoader_BatchesAndEpochs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	seqs := [][]int{{1, 1}, {2, 2}, {3, 3}, {4, 4}, {5, 5}}
	l := NewLoader(seqs, 2, false, 1)
	assert.Equal(t, 3, l.Len())

	require.NoError(t, l.Reset())
	var sizes []int
	for {
		b, err := l.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, b.Size())
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)

	_, err := l.Next(ctx)
	assert.Equal(t, io.EOF, err)

	require.NoError(t, l.Reset())
	b, err := l.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1}, {2}}, b.Inputs)
}

func TestLoader_ShuffleIsSeeded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	seqs := make([][]int, 32)
	for i := range seqs {
		seqs[i] = []int{i, i}
	}

	epochs := func(seed int64) [][]int {
		l := NewLoader(seqs, 32, true, seed)
		var out [][]int
		for e := 0; e < 2; e++ {
			require.NoError(t, l.Reset())
			b, err := l.Next(ctx)
			require.NoError(t, err)
			var firsts []int
			for _, in := range b.Inputs {
				firsts = append(firsts, in[0])
			}
			out = append(out, firsts)
		}
		return out
	}

	first := epochs(3)
	assert.Equal(t, first, epochs(3))
	assert.NotEqual(t, first[0], first[1])
	assert.ElementsMatch(t, first[0], first[1])
}

func TestLoader_StopsOnCancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := NewLoader([][]int{{1, 2}}, 1, false, 1)
	require.NoError(t, l.Reset())
	_, err := l.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
