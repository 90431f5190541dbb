package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cexll/inspector/internal/app"
	"github.com/cexll/inspector/internal/batch"
	"github.com/cexll/inspector/internal/config"
	"github.com/cexll/inspector/internal/logging"
	"github.com/cexll/inspector/internal/taskstore"
	"github.com/cexll/inspector/internal/web"
)

const shutdownTimeout = 10 * time.Second

var (
	loadDotEnv   = godotenv.Load
	loadConfig   = config.Load
	newLogger    = func(level string) (*zap.Logger, error) { return logging.New(logging.Options{Level: level}) }
	newApp       = app.New
	newTaskStore = taskstore.NewStore
	defaultServe = serveHTTP
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, defaultServe); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run(ctx context.Context, serve func(context.Context, *http.Server) error) error {
	// Load .env file (ignore error if file doesn't exist)
	_ = loadDotEnv()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := newApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.Close()

	logger.Info("starting inspector",
		zap.Int("port", cfg.Port),
		zap.String("anomaly_host", cfg.Anomaly.Host),
		zap.Bool("trend_enabled", a.Trend != nil),
		zap.String("watch_dir", cfg.WatchDir),
		zap.Bool("auth", cfg.APIJWTSecret != ""),
		zap.Int("workers", cfg.DispatcherWorkers),
		zap.Int("queue_size", cfg.DispatcherQueueSize),
		zap.Int("max_attempts", cfg.DispatcherMaxAttempts))

	jobs := newTaskStore()
	d := a.NewDispatcher(a.NewExecutor(jobs))
	defer d.Shutdown(context.Background())

	opts := web.Options{
		Jobs:          jobs,
		Queue:         d,
		Metrics:       a.Metrics,
		Auth:          web.NewAuthenticator(cfg.APIJWTSecret),
		CheckpointDir: cfg.CheckpointDir,
		Logger:        logger,
	}
	if a.History != nil {
		opts.Results = a.History
	}

	if cfg.WatchDir != "" {
		mgr := a.BatchManager()
		opts.Batch = mgr
		// Runs before a.Close so the history store outlives the batch run.
		defer stopBatch(mgr, logger, shutdownTimeout)

		if cfg.BatchAutoStart {
			cp, err := batch.ResolveCheckpoint(cfg.CheckpointDir, cfg.BatchCheckpoint, time.Now())
			if err != nil {
				return fmt.Errorf("failed to resolve checkpoint: %w", err)
			}
			if err := mgr.Start(ctx, cp); err != nil {
				return fmt.Errorf("failed to start batch processing: %w", err)
			}
			logger.Info("batch processing started", zap.String("checkpoint", cp))
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           web.NewHandler(opts).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("server listening", zap.String("addr", srv.Addr))

	if err := serve(ctx, srv); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

type batchRunner interface {
	Stop() error
	Wait()
}

// stopBatch cancels the batch run and waits up to bound for it to exit.
func stopBatch(mgr batchRunner, logger *zap.Logger, bound time.Duration) {
	err := mgr.Stop()
	if err == nil || errors.Is(err, batch.ErrNotRunning) {
		return
	}
	logger.Warn("batch processing did not stop cleanly", zap.Error(err))

	done := make(chan struct{})
	go func() {
		mgr.Wait()
		close(done)
	}()
	timer := time.NewTimer(bound)
	defer timer.Stop()
	select {
	case <-done:
		logger.Info("batch run exited")
	case <-timer.C:
		logger.Error("batch run still busy at shutdown", zap.Duration("waited", bound))
	}
}

// serveHTTP runs srv until ctx is cancelled, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
