package executor

import (
	"fmt"
	"path/filepath"

	"github.com/StoneLin0708/language-model-playground/storage"
	"github.com/StoneLin0708/language-model-playground/training/rnn"
	"github.com/StoneLin0708/language-model-playground/training/tokenizer"
)

// Generate continues prompt greedily with the model checkpointed at step in
// dir. A negative step selects the latest valid checkpoint.
func Generate(store *storage.CheckpointStore, dir string, step int, prompt string, maxLen int) (string, int, error) {
	modelPath, _ := store.SavePaths(dir, step)
	if step < 0 {
		latest, ok, err := store.LatestCheckpoint(dir)
		if err != nil {
			return "", 0, err
		}
		if !ok {
			return "", 0, fmt.Errorf("no checkpoint found in %s", dir)
		}
		step, modelPath = latest.Step, latest.ModelPath
	}

	tok, err := tokenizer.Load(filepath.Join(dir, TokenizerFileName))
	if err != nil {
		return "", 0, err
	}

	blob, err := storage.ReadArtifact(modelPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to load model at step %d: %w", step, err)
	}
	model, err := rnn.Load(blob)
	if err != nil {
		return "", 0, err
	}
	if model.VocabSize() != tok.VocabSize() {
		return "", 0, fmt.Errorf("model vocabulary %d does not match tokenizer vocabulary %d", model.VocabSize(), tok.VocabSize())
	}

	// Prompt ids stop before [eos] so generation continues the text
	prefix := tok.Encode(prompt, 0)
	prefix = prefix[:len(prefix)-1]
	if maxLen < len(prefix)+1 {
		maxLen = len(prefix) + 1
	}

	ids, err := model.Generate(prefix, maxLen, tokenizer.EOSID)
	if err != nil {
		return "", 0, err
	}
	return tok.Decode(ids, true), step, nil
}
