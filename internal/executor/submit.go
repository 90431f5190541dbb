package executor

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/cexll/inspector/internal/pipeline"
	"github.com/cexll/inspector/internal/taskstore"
)

// ErrUnknownKind is returned by ParseKind.
var ErrUnknownKind = errors.New("unknown job kind")

// Enqueuer accepts jobs for background execution.
type Enqueuer interface {
	Enqueue(job taskstore.Job) error
}

// ParseKind maps user input ("anomaly", "trend" or a pipeline name) to a pipeline name.
func ParseKind(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "anomaly", pipeline.NameAnomaly:
		return pipeline.NameAnomaly, nil
	case "trend", pipeline.NameTrend:
		return pipeline.NameTrend, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Submit validates the input, records a pending job and queues it. A job that
// cannot be queued is kept as failed so callers can still inspect it.
func Submit(store *taskstore.Store, q Enqueuer, kind, inputPath string) (taskstore.Job, error) {
	name, err := ParseKind(kind)
	if err != nil {
		return taskstore.Job{}, err
	}
	if err := checkInput(name, inputPath); err != nil {
		return taskstore.Job{}, err
	}

	job := store.Create(taskstore.Job{
		ID:        uuid.NewString(),
		Kind:      name,
		InputPath: inputPath,
	})
	if err := q.Enqueue(job); err != nil {
		store.Update(job.ID, func(j *taskstore.Job) {
			j.Status = taskstore.StatusFailed
			j.Error = err.Error()
		})
		return job, err
	}
	store.AddLog(job.ID, "info", "queued")
	job, _ = store.Get(job.ID)
	return job, nil
}

func checkInput(kind, inputPath string) error {
	if inputPath == "" {
		return errors.New("input path is required")
	}
	info, err := os.Stat(inputPath)
	if err != nil {
		return fmt.Errorf("input %s: %w", inputPath, err)
	}
	switch kind {
	case pipeline.NameAnomaly:
		if info.IsDir() {
			return fmt.Errorf("input %s is a directory, anomaly detection needs an image", inputPath)
		}
	case pipeline.NameTrend:
		if !info.IsDir() {
			return fmt.Errorf("input %s is not a directory, trend analysis needs a folder", inputPath)
		}
	}
	return nil
}
