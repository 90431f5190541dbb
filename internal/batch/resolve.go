package batch

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cexll/inspector/internal/checkpoint"
)

// Checkpoint choices accepted by ResolveCheckpoint besides an explicit path.
const (
	CheckpointNew    = "new"
	CheckpointLatest = "latest"
	CheckpointNone   = "none"
)

// ErrCheckpointOutsideDir rejects explicit checkpoint paths that leave the checkpoint directory.
var ErrCheckpointOutsideDir = errors.New("checkpoint path outside checkpoint directory")

// ResolveCheckpoint turns an operator choice into a checkpoint path inside dir.
// "" and "new" start a fresh file named after now, "latest" resumes the newest
// file (or starts fresh when there is none), "none" disables persistence and
// anything else names a .json file that must resolve inside dir.
func ResolveCheckpoint(dir, choice string, now time.Time) (string, error) {
	switch strings.ToLower(strings.TrimSpace(choice)) {
	case "", CheckpointNew:
		return checkpoint.NewPath(dir, now), nil
	case CheckpointLatest:
		latest, err := checkpoint.Latest(dir)
		if err != nil {
			return "", fmt.Errorf("find latest checkpoint: %w", err)
		}
		if latest == "" {
			return checkpoint.NewPath(dir, now), nil
		}
		return latest, nil
	case CheckpointNone:
		return "", nil
	}
	return confine(dir, strings.TrimSpace(choice))
}

// confine resolves name against dir and refuses anything that escapes it.
func confine(dir, name string) (string, error) {
	if !strings.EqualFold(filepath.Ext(name), ".json") {
		return "", fmt.Errorf("%w: %s is not a .json file", ErrCheckpointOutsideDir, name)
	}
	base, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve checkpoint dir: %w", err)
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	path = filepath.Clean(path)

	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrCheckpointOutsideDir, name)
	}
	return path, nil
}
