// Package app assembles the engine from configuration. The HTTP server, the
// CLI and the MCP server all build on it.
package app

import (
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/cexll/inspector/internal/alert"
	"github.com/cexll/inspector/internal/batch"
	"github.com/cexll/inspector/internal/concurrency"
	"github.com/cexll/inspector/internal/config"
	"github.com/cexll/inspector/internal/dispatcher"
	"github.com/cexll/inspector/internal/executor"
	"github.com/cexll/inspector/internal/history"
	"github.com/cexll/inspector/internal/metrics"
	"github.com/cexll/inspector/internal/pipeline"
	"github.com/cexll/inspector/internal/remote"
	"github.com/cexll/inspector/internal/streak"
	"github.com/cexll/inspector/internal/taskstore"
)

// ErrNoWatchDir is returned when batch processing is requested without
// ONLINE_PROCESSING_AD_DIR.
var ErrNoWatchDir = errors.New("ONLINE_PROCESSING_AD_DIR is not set")

// App holds the long-lived components.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// History is nil when HISTORY_DB is empty.
	History *history.Store
	Alerts  alert.Sink
	Locks   *concurrency.Manager

	Anomaly *pipeline.Anomaly
	// Trend is nil when no trend host is configured.
	Trend *pipeline.Trend
}

// Option customizes New.
type Option func(*options)

type options struct {
	dialer remote.Dialer
}

// WithDialer replaces the SSH dialer.
func WithDialer(d remote.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// New builds the engine. Close releases the history database.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = remote.NewSSHDialer(logger)
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
		Locks:   concurrency.NewManager(),
	}

	if cfg.HistoryDB != "" {
		store, err := history.Open(cfg.HistoryDB)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		a.History = store
	}

	sinks := []alert.Sink{alert.LogSink{Logger: logger}}
	if cfg.AlertGitHubRepo != "" {
		gh, err := alert.NewGitHubIssueSink(cfg.AlertGitHubRepo, cfg.AlertGitHubToken, cfg.AlertGitHubBaseURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("github alerts: %w", err)
		}
		sinks = append(sinks, gh)
	}
	a.Alerts = alert.Multi{Sinks: sinks, Logger: logger}

	a.Anomaly = pipeline.NewAnomaly(a.target(pipeline.NameAnomaly, cfg.Anomaly), o.dialer, logger)
	if cfg.Trend.Configured() {
		a.Trend = pipeline.NewTrend(a.target(pipeline.NameTrend, cfg.Trend), o.dialer, logger)
	}
	return a, nil
}

// target maps r to a pipeline target whose results land in DownloadDir/<name>.
func (a *App) target(name string, r config.Remote) pipeline.Target {
	return pipeline.Target{
		Endpoint: remote.Endpoint{
			Host:           r.Host,
			Port:           r.Port,
			Username:       r.Username,
			Password:       r.Password,
			PrivateKey:     []byte(r.PrivateKey),
			PrivateKeyFile: r.PrivateKeyFile,
			KnownHostsFile: a.Config.KnownHostsFile,
		},
		BasePath:        r.BasePath,
		CondaExecutable: r.CondaExecutable,
		CondaEnv:        r.CondaEnv,
		DownloadDir:     filepath.Join(a.Config.DownloadDir, name),
		PollInterval:    a.Config.RemotePollInterval,
		MaxWait:         a.Config.RemoteMaxWait,
	}
}

// Close releases resources held by the app.
func (a *App) Close() error {
	if a.History == nil {
		return nil
	}
	return a.History.Close()
}

// NewProcessor builds a batch processor over the configured watch directory.
func (a *App) NewProcessor(checkpointPath string, listeners ...batch.Listener) (*batch.Processor, error) {
	cfg := a.Config
	if cfg.WatchDir == "" {
		return nil, ErrNoWatchDir
	}
	opts := []batch.Option{
		batch.WithLogger(a.Logger),
		batch.WithTracker(streak.NewTracker(cfg.StreakThreshold)),
		batch.WithRecorder(streak.Recorder{Dir: cfg.AnomalyRecordDir}),
		batch.WithAlerts(a.Alerts),
		batch.WithMetrics(a.Metrics),
	}
	if a.History != nil {
		opts = append(opts, batch.WithHistory(a.History))
	}
	for _, l := range listeners {
		opts = append(opts, batch.WithListener(l))
	}
	return batch.New(batch.Config{
		WatchDir:       cfg.WatchDir,
		CheckpointPath: checkpointPath,
		PollInterval:   cfg.BatchPollInterval,
		SettleTime:     cfg.BatchSettleTime,
		MaxAttempts:    cfg.BatchMaxAttempts,
		Watch:          cfg.BatchWatch,
	}, a.Anomaly, opts...), nil
}

// BatchManager returns a manager whose runs use NewProcessor.
func (a *App) BatchManager() *batch.Manager {
	return batch.NewManager(a.Config.WatchDir, func(cp string) (*batch.Processor, error) {
		return a.NewProcessor(cp)
	}, a.Locks, a.Logger)
}

// NewExecutor returns an executor that records into store.
func (a *App) NewExecutor(store *taskstore.Store) *executor.Executor {
	var hist executor.ResultSink
	if a.History != nil {
		hist = a.History
	}
	var trend executor.TrendRunner
	if a.Trend != nil {
		trend = a.Trend
	}
	return executor.New(a.Anomaly, trend, store, hist, a.Metrics, a.Logger)
}

// NewDispatcher starts workers for exec using the dispatcher settings.
func (a *App) NewDispatcher(exec dispatcher.JobExecutor) *dispatcher.Dispatcher {
	cfg := a.Config
	return dispatcher.New(exec, dispatcher.Config{
		Workers:           cfg.DispatcherWorkers,
		QueueSize:         cfg.DispatcherQueueSize,
		MaxAttempts:       cfg.DispatcherMaxAttempts,
		InitialBackoff:    cfg.DispatcherRetryInitial,
		BackoffMultiplier: cfg.DispatcherBackoffMultiplier,
		MaxBackoff:        cfg.DispatcherRetryMax,
	}, a.Logger)
}
