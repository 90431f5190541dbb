// Package alert delivers consecutive-anomaly alerts to operators.
package alert

import (
	"context"
	"errors"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/cexll/inspector/internal/streak"
)

// Sink receives raised alerts.
type Sink interface {
	Name() string
	Notify(ctx context.Context, a *streak.Alert) error
}

// LogSink writes the alert and each image to the log at warn level.
type LogSink struct {
	Logger *zap.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Notify(_ context.Context, a *streak.Alert) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("consecutive anomalies detected",
		zap.Int("count", a.Count),
		zap.String("record", a.RecordPath))
	for i, img := range a.Images {
		logger.Warn("anomalous image",
			zap.Int("n", i+1),
			zap.String("file", filepath.Base(img.FilePath)),
			zap.String("process_id", img.ProcessID))
	}
	return nil
}

// Multi fans an alert out to every sink. One failing sink does not stop the others.
type Multi struct {
	Sinks  []Sink
	Logger *zap.Logger
}

func (m Multi) Name() string { return "multi" }

func (m Multi) Notify(ctx context.Context, a *streak.Alert) error {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var errs []error
	for _, s := range m.Sinks {
		if err := s.Notify(ctx, a); err != nil {
			logger.Error("alert sink failed", zap.String("sink", s.Name()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
