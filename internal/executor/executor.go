// Package executor runs on-demand jobs through the remote pipelines and keeps
// the job store, history ledger and metrics up to date.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cexll/inspector/internal/history"
	"github.com/cexll/inspector/internal/metrics"
	"github.com/cexll/inspector/internal/pipeline"
	"github.com/cexll/inspector/internal/taskstore"
)

// SourceAPI tags history records written for on-demand jobs.
const SourceAPI = "api"

// AnomalyRunner processes a single image.
type AnomalyRunner interface {
	Process(ctx context.Context, imagePath string) (*pipeline.AnomalyResult, error)
}

// TrendRunner processes a folder of images.
type TrendRunner interface {
	Process(ctx context.Context, dir string) (*pipeline.TrendResult, error)
}

// ResultSink stores finished results.
type ResultSink interface {
	Save(ctx context.Context, r history.Record) error
}

// Executor implements dispatcher.JobExecutor.
type Executor struct {
	anomaly AnomalyRunner
	trend   TrendRunner
	store   *taskstore.Store
	history ResultSink
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates an executor. trend may be nil when no trend host is configured;
// history and m may be nil.
func New(anomaly AnomalyRunner, trend TrendRunner, store *taskstore.Store, history ResultSink, m *metrics.Metrics, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		anomaly: anomaly,
		trend:   trend,
		store:   store,
		history: history,
		metrics: m,
		logger:  logger.Named("executor"),
	}
}

// Execute runs one attempt of job.
func (e *Executor) Execute(ctx context.Context, job taskstore.Job) error {
	log := e.logger.With(zap.String("job_id", job.ID), zap.String("kind", job.Kind), zap.Int("attempt", job.Attempt))
	log.Info("starting job", zap.String("input", job.InputPath))

	e.store.Update(job.ID, func(j *taskstore.Job) {
		j.Status = taskstore.StatusRunning
		j.Attempt = job.Attempt
		j.Error = ""
	})
	e.store.AddLog(job.ID, "info", fmt.Sprintf("attempt %d started", job.Attempt))

	start := time.Now()
	rec, err := e.run(ctx, job)
	e.metrics.ObserveJob(job.Kind, err, time.Since(start))

	if err != nil {
		log.Error("job failed", zap.Error(err))
		e.store.Update(job.ID, func(j *taskstore.Job) {
			j.Status = taskstore.StatusFailed
			j.Error = err.Error()
		})
		e.store.AddLog(job.ID, "error", err.Error())
		return err
	}

	e.store.Update(job.ID, func(j *taskstore.Job) {
		j.Status = taskstore.StatusCompleted
		j.ProcessID = rec.ProcessID
		j.ResultDir = rec.ResultDir
		j.AnomalyLevel = rec.AnomalyLevel
		j.AnalogVoltage = rec.AnalogVoltage
	})
	e.store.AddLog(job.ID, "success", "results saved to "+rec.ResultDir)
	log.Info("job completed", zap.String("process_id", rec.ProcessID), zap.Duration("took", time.Since(start)))

	if e.history != nil {
		if err := e.history.Save(ctx, rec); err != nil {
			log.Warn("failed to record result history", zap.Error(err))
		}
	}
	return nil
}

// Retrying marks the job as waiting for another attempt.
func (e *Executor) Retrying(job taskstore.Job, nextAttempt int, delay time.Duration) {
	e.store.UpdateStatus(job.ID, taskstore.StatusRetrying)
	e.store.AddLog(job.ID, "info", fmt.Sprintf("attempt %d scheduled in %s", nextAttempt, delay))
}

func (e *Executor) run(ctx context.Context, job taskstore.Job) (history.Record, error) {
	switch job.Kind {
	case pipeline.NameAnomaly:
		if e.anomaly == nil {
			return history.Record{}, pipeline.NonRetryable("anomaly detection is not configured")
		}
		res, err := e.anomaly.Process(ctx, job.InputPath)
		if err != nil {
			return history.Record{}, err
		}
		return history.FromAnomaly(res, SourceAPI, time.Now()), nil

	case pipeline.NameTrend:
		if e.trend == nil {
			return history.Record{}, pipeline.NonRetryable("trend analysis is not configured")
		}
		res, err := e.trend.Process(ctx, job.InputPath)
		if err != nil {
			return history.Record{}, err
		}
		return history.FromTrend(res, SourceAPI, time.Now()), nil

	default:
		return history.Record{}, pipeline.NonRetryable("unknown job kind %q", job.Kind)
	}
}
