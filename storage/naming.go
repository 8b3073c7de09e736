package storage

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/StoneLin0708/language-model-playground/core/models"
)

// ArtifactExtension is the file extension shared by every checkpoint artifact
const ArtifactExtension = "ckpt"

var stepPatterns = map[models.ArtifactKind]*regexp.Regexp{
	models.ArtifactKindModel:     regexp.MustCompile(`^model-(\d+)\.` + ArtifactExtension + `$`),
	models.ArtifactKindOptimizer: regexp.MustCompile(`^optimizer-(\d+)\.` + ArtifactExtension + `$`),
}

// FileName returns the artifact filename for kind at step
func FileName(kind models.ArtifactKind, step int) string {
	return fmt.Sprintf("%s-%d.%s", kind, step, ArtifactExtension)
}

// PathFor returns the artifact path for kind at step inside dir
func PathFor(kind models.ArtifactKind, dir string, step int) string {
	return filepath.Join(dir, FileName(kind, step))
}

// ParseStep extracts the step encoded in filename. Names that do not match the
// kind's pattern, or whose step does not fit in an int, report false.
func ParseStep(kind models.ArtifactKind, filename string) (int, bool) {
	pattern, ok := stepPatterns[kind]
	if !ok {
		return 0, false
	}

	m := pattern.FindStringSubmatch(filename)
	if m == nil {
		return 0, false
	}

	step, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return step, true
}
