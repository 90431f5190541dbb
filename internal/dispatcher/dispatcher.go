package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cexll/inspector/internal/pipeline"
	"github.com/cexll/inspector/internal/taskstore"
)

var (
	// ErrQueueFull is returned when the job queue has no free slot.
	ErrQueueFull = errors.New("job queue is full")
	// ErrQueueClosed is returned after Shutdown.
	ErrQueueClosed = errors.New("job queue is closed")
)

// JobExecutor runs one attempt of a job. job.Attempt starts at 1.
type JobExecutor interface {
	Execute(ctx context.Context, job taskstore.Job) error
}

// RetryObserver is implemented by executors that want to know about scheduled retries.
type RetryObserver interface {
	Retrying(job taskstore.Job, nextAttempt int, delay time.Duration)
}

// Config controls dispatcher behaviour
type Config struct {
	Workers           int
	QueueSize         int
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// Dispatcher serialises execution per input path and retries failed jobs with backoff
type Dispatcher struct {
	executor JobExecutor
	cfg      Config
	logger   *zap.Logger

	queue chan *queueItem

	keyedLocks *keyedMutex

	// ctx is cancelled by Shutdown so running jobs abort their remote work.
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	once sync.Once
}

type queueItem struct {
	job     taskstore.Job
	attempt int
}

// New creates a dispatcher with the provided configuration
func New(executor JobExecutor, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	normalized := normalizeConfig(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		executor:   executor,
		cfg:        normalized,
		logger:     logger.Named("dispatcher"),
		queue:      make(chan *queueItem, normalized.QueueSize),
		keyedLocks: newKeyedMutex(),
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
	}
	d.startWorkers()
	return d
}

func normalizeConfig(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 5 * time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	return cfg
}

func (d *Dispatcher) startWorkers() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Enqueue queues a new job for execution
func (d *Dispatcher) Enqueue(job taskstore.Job) error {
	if job.ID == "" {
		return errors.New("dispatcher enqueue: job has no id")
	}

	select {
	case <-d.stopCh:
		return ErrQueueClosed
	default:
	}

	select {
	case d.queue <- &queueItem{job: job, attempt: 1}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		case item, ok := <-d.queue:
			if !ok {
				return
			}
			d.process(item)
		}
	}
}

func (d *Dispatcher) process(item *queueItem) {
	job := item.job
	job.Attempt = item.attempt
	log := d.logger.With(zap.String("job_id", job.ID), zap.String("input", job.InputPath), zap.Int("attempt", item.attempt))

	key := job.InputPath
	d.keyedLocks.Lock(key)
	err := d.executor.Execute(d.ctx, job)
	d.keyedLocks.Unlock(key)

	if err != nil {
		log.Warn("job attempt failed", zap.Error(err))
		if pipeline.IsNonRetryable(err) {
			log.Info("job marked non-retryable; no further attempts")
			return
		}
		if d.ctx.Err() != nil {
			return
		}
		d.handleRetry(item, err)
		return
	}

	log.Info("job attempt succeeded")
}

func (d *Dispatcher) handleRetry(item *queueItem, execErr error) {
	if item.attempt >= d.cfg.MaxAttempts {
		d.logger.Error("job exceeded max attempts",
			zap.String("job_id", item.job.ID), zap.Int("max_attempts", d.cfg.MaxAttempts), zap.Error(execErr))
		return
	}

	nextAttempt := item.attempt + 1
	delay := d.backoffDuration(nextAttempt)
	d.logger.Info("scheduling retry",
		zap.String("job_id", item.job.ID), zap.Int("attempt", nextAttempt), zap.Duration("delay", delay))
	if ro, ok := d.executor.(RetryObserver); ok {
		ro.Retrying(item.job, nextAttempt, delay)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			d.enqueueRetry(&queueItem{
				job:     item.job,
				attempt: nextAttempt,
			})
		case <-d.stopCh:
			return
		}
	}()
}

func (d *Dispatcher) enqueueRetry(item *queueItem) {
	for {
		select {
		case <-d.stopCh:
			return
		case d.queue <- item:
			return
		default:
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (d *Dispatcher) backoffDuration(attempt int) time.Duration {
	backoff := float64(d.cfg.InitialBackoff)
	for i := 2; i < attempt; i++ {
		backoff *= d.cfg.BackoffMultiplier
		if backoff >= float64(d.cfg.MaxBackoff) {
			return d.cfg.MaxBackoff
		}
	}
	return time.Duration(backoff)
}

// Shutdown stops accepting jobs, cancels running ones and waits for workers
// until ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.once.Do(func() {
		close(d.stopCh)
		d.cancel()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		return
	case <-done:
		return
	}
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		locks: make(map[string]*keyedLock),
	}
}

func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases key and forgets it once nobody holds or waits for it.
func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		k.mu.Unlock()
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	l.mu.Unlock()
}
