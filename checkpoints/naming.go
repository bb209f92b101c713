package checkpoints

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const filePrefix = "model_checkpoint_"

// Filename returns the checkpoint path for iteration iter inside dir.
func Filename(dir string, iter int, format CheckpointFormat) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", filePrefix, iter, format.Extension()))
}

// ParseResumeIteration returns the iteration to resume from for a checkpoint
// path such as "checkpoints/model_checkpoint_1200.json" or "000500.ckpt".
// Checkpoints are named after the last completed iteration, the trailing run
// of digits of the base name, so training resumes one past it.
func ParseResumeIteration(path string) (int, error) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	end := len(base)
	start := end
	for start > 0 && base[start-1] >= '0' && base[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, errors.Errorf("no iteration number in checkpoint name %q", filepath.Base(path))
	}
	iter, err := strconv.Atoi(base[start:end])
	if err != nil {
		return 0, errors.Wrapf(err, "parse iteration from %q", filepath.Base(path))
	}
	return iter + 1, nil
}
