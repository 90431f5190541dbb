package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cexll/inspector/internal/concurrency"
)

// DefaultStopTimeout bounds how long Stop waits for the current image to finish.
const DefaultStopTimeout = 10 * time.Second

var (
	ErrAlreadyRunning = errors.New("batch processing is already running")
	ErrNotRunning     = errors.New("batch processing is not running")
	ErrStopTimeout    = errors.New("batch processing did not stop in time")
)

// Factory builds a processor bound to checkpointPath ("" for no checkpoint).
type Factory func(checkpointPath string) (*Processor, error)

// Manager runs at most one processor per watch directory in the background.
type Manager struct {
	dir         string
	factory     Factory
	locks       *concurrency.Manager
	logger      *zap.Logger
	StopTimeout time.Duration

	mu      sync.Mutex
	proc    *Processor
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

// NewManager creates a manager for dir. locks may be shared with other
// components that must not touch dir while a run is active; nil creates a private set.
func NewManager(dir string, factory Factory, locks *concurrency.Manager, logger *zap.Logger) *Manager {
	if locks == nil {
		locks = concurrency.NewManager()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dir:         dir,
		factory:     factory,
		locks:       locks,
		logger:      logger.Named("batch"),
		StopTimeout: DefaultStopTimeout,
	}
}

// Start launches a run in the background. ctx bounds the run, not the call:
// request handlers should pass a context that outlives the request.
func (m *Manager) Start(ctx context.Context, checkpointPath string) error {
	if !m.locks.TryAcquire(m.dir) {
		return ErrAlreadyRunning
	}

	proc, err := m.factory(checkpointPath)
	if err == nil {
		err = proc.Load()
	}
	if err != nil {
		m.locks.Release(m.dir)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.proc = proc
	m.cancel = cancel
	m.done = done
	m.lastErr = nil
	m.mu.Unlock()

	go func() {
		defer close(done)
		defer m.locks.Release(m.dir)
		err := proc.Run(runCtx)
		if err != nil {
			m.logger.Error("batch run ended with error", zap.Error(err))
		}
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
	}()

	m.logger.Info("batch run started", zap.String("dir", m.dir), zap.String("checkpoint", checkpointPath))
	return nil
}

// Stop cancels the active run and waits up to StopTimeout for it to exit.
func (m *Manager) Stop() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return ErrNotRunning
	}
	select {
	case <-done:
		return ErrNotRunning
	default:
	}

	cancel()
	timer := time.NewTimer(m.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		m.logger.Info("batch run stopped")
		return nil
	case <-timer.C:
		m.logger.Warn("batch run still busy after stop timeout", zap.Duration("timeout", m.StopTimeout))
		return ErrStopTimeout
	}
}

// Running reports whether a run is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Wait blocks until the active run, if any, has exited.
func (m *Manager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Status reports the active or most recent run.
func (m *Manager) Status() Status {
	m.mu.Lock()
	proc, lastErr := m.proc, m.lastErr
	m.mu.Unlock()

	if proc == nil {
		return Status{WatchDir: m.dir}
	}
	s := proc.Status()
	s.Running = m.Running()
	if lastErr != nil && s.LastError == "" {
		s.LastError = lastErr.Error()
	}
	return s
}
