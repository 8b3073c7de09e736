package storage

import (
	"fmt"
	"os"
	"sort"

	"github.com/StoneLin0708/language-model-playground/core/models"
)

// ListEntries scans dir for artifacts of kind, ordered by ascending step.
// A missing directory yields no entries.
func ListEntries(dir string, kind models.ArtifactKind) ([]models.CheckpointEntry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []models.CheckpointEntry{}, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory %q: %w", dir, err)
	}

	entries := make([]models.CheckpointEntry, 0, len(files))
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		step, ok := ParseStep(kind, f.Name())
		if !ok {
			continue
		}
		entries = append(entries, models.CheckpointEntry{Step: step, Filename: f.Name()})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Step != entries[j].Step {
			return entries[i].Step < entries[j].Step
		}
		return entries[i].Filename < entries[j].Filename
	})

	return entries, nil
}
