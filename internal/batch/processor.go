// Package batch watches a directory for new images and runs each one through
// the anomaly pipeline exactly once, keeping a checkpoint so that restarts
// resume where the previous run stopped.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cexll/inspector/internal/alert"
	"github.com/cexll/inspector/internal/checkpoint"
	"github.com/cexll/inspector/internal/history"
	"github.com/cexll/inspector/internal/metrics"
	"github.com/cexll/inspector/internal/pipeline"
	"github.com/cexll/inspector/internal/streak"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxAttempts  = 3
	// SourceBatch tags history records written by the batch loop.
	SourceBatch = "batch"
)

// Analyzer runs one image through the anomaly pipeline.
type Analyzer interface {
	Process(ctx context.Context, imagePath string) (*pipeline.AnomalyResult, error)
}

// ResultSink stores finished results.
type ResultSink interface {
	Save(ctx context.Context, r history.Record) error
}

// Config controls one batch run.
type Config struct {
	// WatchDir is scanned for png/jpg/jpeg files.
	WatchDir string
	// CheckpointPath is loaded on start and rewritten after every success.
	// Empty keeps the processed set in memory only.
	CheckpointPath string
	PollInterval   time.Duration
	// SettleTime skips files modified more recently than this.
	SettleTime  time.Duration
	MaxAttempts int
	// Watch enables filesystem notifications in addition to polling.
	Watch bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Status is a point-in-time view of a processor.
type Status struct {
	Running         bool      `json:"running"`
	WatchDir        string    `json:"watch_dir"`
	CheckpointPath  string    `json:"checkpoint_path,omitempty"`
	Processed       int       `json:"processed"`
	Failed          int       `json:"failed"`
	Streak          int       `json:"streak"`
	StreakThreshold int       `json:"streak_threshold"`
	Alerts          int       `json:"alerts"`
	BatchDone       int       `json:"batch_done"`
	BatchTotal      int       `json:"batch_total"`
	Current         string    `json:"current,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	LastScan        time.Time `json:"last_scan,omitempty"`
}

// Option configures a Processor.
type Option func(*Processor)

func WithLogger(l *zap.Logger) Option { return func(p *Processor) { p.logger = l } }

func WithTracker(t *streak.Tracker) Option { return func(p *Processor) { p.tracker = t } }

// WithRecorder writes every streak alert to disk.
func WithRecorder(r streak.Recorder) Option { return func(p *Processor) { p.recorder = &r } }

func WithAlerts(s alert.Sink) Option { return func(p *Processor) { p.alerts = s } }

func WithHistory(s ResultSink) Option { return func(p *Processor) { p.history = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Processor) { p.metrics = m } }

func WithListener(l Listener) Option {
	return func(p *Processor) { p.listeners = append(p.listeners, l) }
}

// Processor owns one batch run. Run must not be called concurrently.
type Processor struct {
	cfg       Config
	analyzer  Analyzer
	logger    *zap.Logger
	tracker   *streak.Tracker
	recorder  *streak.Recorder
	alerts    alert.Sink
	history   ResultSink
	metrics   *metrics.Metrics
	listeners []Listener
	now       func() time.Time

	checkpoint *checkpoint.Checkpoint
	failures   map[string]int

	mu     sync.RWMutex
	status Status
}

// New creates a processor. Nothing is read from disk until Run.
func New(cfg Config, analyzer Analyzer, opts ...Option) *Processor {
	cfg = cfg.withDefaults()
	p := &Processor{
		cfg:      cfg,
		analyzer: analyzer,
		logger:   zap.NewNop(),
		now:      time.Now,
		failures: make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tracker == nil {
		p.tracker = streak.NewTracker(streak.DefaultThreshold)
	}
	p.logger = p.logger.Named("batch").With(zap.String("dir", cfg.WatchDir))
	p.status = Status{
		WatchDir:        cfg.WatchDir,
		CheckpointPath:  cfg.CheckpointPath,
		StreakThreshold: p.tracker.Threshold(),
	}
	return p
}

// Status returns a snapshot.
func (p *Processor) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.status
	s.Streak = p.tracker.Count()
	return s
}

func (p *Processor) update(fn func(s *Status)) {
	p.mu.Lock()
	fn(&p.status)
	p.mu.Unlock()
}

func (p *Processor) emit(e Event) {
	for _, l := range p.listeners {
		l.OnEvent(e)
	}
}

func (p *Processor) progress(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.logger.Info(msg)
	p.emit(Event{Kind: EventProgress, Message: msg})
}

// Load reads the configured checkpoint. Run calls it when it has not been
// called yet; calling it first lets callers report a bad checkpoint synchronously.
func (p *Processor) Load() error {
	if p.checkpoint != nil {
		return nil
	}
	if p.cfg.CheckpointPath == "" {
		p.checkpoint = checkpoint.New("")
		return nil
	}
	cp, err := checkpoint.Load(p.cfg.CheckpointPath)
	if err != nil {
		return err
	}
	p.checkpoint = cp
	p.progress("loaded checkpoint %s with %d processed images", p.cfg.CheckpointPath, cp.Len())
	return nil
}

// Run blocks until ctx is cancelled. It returns nil on cancellation and an
// error only when the checkpoint cannot be loaded.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.Load(); err != nil {
		p.emit(Event{Kind: EventFinished, Err: err})
		return err
	}
	p.tracker.Reset()

	var wake *dirWatcher
	if p.cfg.Watch {
		w, err := startWatcher(ctx, p.cfg.WatchDir, p.logger)
		if err != nil {
			p.logger.Warn("filesystem notifications unavailable, polling only", zap.Error(err))
		} else {
			wake = w
		}
	}
	defer wake.Close()

	p.update(func(s *Status) {
		s.Running = true
		s.StartedAt = p.now()
		s.Processed = p.checkpoint.Len()
	})
	p.metrics.SetRunning(true)
	p.progress("batch processing started, polling every %s", p.cfg.PollInterval)

	timer := time.NewTimer(0)
	defer timer.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-timer.C:
		case <-wake.C():
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		p.scanOnce(ctx)
		timer.Reset(p.cfg.PollInterval)
	}

	p.update(func(s *Status) {
		s.Running = false
		s.Current = ""
	})
	p.metrics.SetRunning(false)
	p.metrics.SetPending(0)
	p.progress("batch processing stopped")
	p.emit(Event{Kind: EventFinished})
	return nil
}

func (p *Processor) scanOnce(ctx context.Context) {
	now := p.now()
	var notAfter time.Time
	if p.cfg.SettleTime > 0 {
		notAfter = now.Add(-p.cfg.SettleTime)
	}
	p.update(func(s *Status) { s.LastScan = now })

	images, err := scanImages(p.cfg.WatchDir, notAfter)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("watch directory does not exist")
		} else {
			p.logger.Error("failed to scan watch directory", zap.Error(err))
		}
		p.update(func(s *Status) { s.LastError = err.Error() })
		return
	}

	pending := p.pending(images)
	p.metrics.SetPending(len(pending))
	if len(pending) == 0 {
		p.logger.Debug("no new images")
		return
	}

	total := len(pending)
	p.progress("found %d new images", total)
	p.setBatch(0, total)
	for i, img := range pending {
		if ctx.Err() != nil {
			p.progress("batch interrupted after %d of %d images", i, total)
			return
		}
		p.processImage(ctx, img)
		p.setBatch(i+1, total)
		p.metrics.SetPending(total - i - 1)
	}
	p.update(func(s *Status) { s.Current = "" })
}

func (p *Processor) setBatch(done, total int) {
	p.update(func(s *Status) {
		s.BatchDone = done
		s.BatchTotal = total
	})
	p.emit(Event{Kind: EventBatchProgress, Done: done, Total: total})
}

// pending drops processed images and images that have used up their attempts.
func (p *Processor) pending(images []string) []string {
	var out []string
	for _, img := range images {
		if p.checkpoint.Contains(img) {
			continue
		}
		if p.failures[img] >= p.cfg.MaxAttempts {
			continue
		}
		out = append(out, img)
	}
	return out
}

func (p *Processor) processImage(ctx context.Context, img string) {
	log := p.logger.With(zap.String("image", img))
	p.update(func(s *Status) { s.Current = img })

	start := p.now()
	res, err := p.analyzer.Process(ctx, img)
	p.metrics.ObserveJob(pipeline.NameAnomaly, err, p.now().Sub(start))
	if err != nil {
		if ctx.Err() != nil {
			log.Info("image interrupted by shutdown, will retry on next run")
			return
		}
		p.fail(log, img, err)
		return
	}
	delete(p.failures, img)

	entry := checkpoint.NewEntry(img, res.ProcessID, p.now())
	p.checkpoint.Record(entry)
	if p.cfg.CheckpointPath != "" {
		if err := p.checkpoint.Save(); err != nil {
			log.Error("failed to save checkpoint", zap.Error(err))
		}
	}
	p.update(func(s *Status) { s.Processed = p.checkpoint.Len() })
	p.saveHistory(ctx, log, res)

	if res.Report == nil {
		log.Warn("result has no readable report, streak unchanged", zap.String("process_id", res.ProcessID))
	} else {
		log.Info("image processed",
			zap.String("process_id", res.ProcessID),
			zap.String("level", res.Report.Level),
			zap.String("analog_voltage", res.Report.Voltage()))
		a, fired := p.tracker.Observe(entry, res.Report.Anomalous())
		p.metrics.SetStreak(p.tracker.Count())
		if fired {
			p.raise(ctx, log, a)
		}
	}
	p.emit(Event{Kind: EventImageProcessed, ImagePath: img, Result: res})
}

func (p *Processor) fail(log *zap.Logger, img string, err error) {
	p.failures[img]++
	if pipeline.IsNonRetryable(err) {
		p.failures[img] = p.cfg.MaxAttempts
	}
	attempts := p.failures[img]
	log.Error("failed to process image", zap.Int("attempt", attempts), zap.Error(err))
	if attempts >= p.cfg.MaxAttempts {
		log.Warn("giving up on image until restart", zap.Int("attempts", attempts))
	}
	p.update(func(s *Status) {
		s.Failed++
		s.LastError = err.Error()
	})
	p.emit(Event{Kind: EventImageFailed, ImagePath: img, Err: err})
}

func (p *Processor) saveHistory(ctx context.Context, log *zap.Logger, res *pipeline.AnomalyResult) {
	if p.history == nil {
		return
	}
	rec := history.FromAnomaly(res, SourceBatch, p.now())
	if err := p.history.Save(ctx, rec); err != nil {
		log.Warn("failed to record result history", zap.Error(err))
	}
}

func (p *Processor) raise(ctx context.Context, log *zap.Logger, a *streak.Alert) {
	log = log.With(zap.Int("count", a.Count))
	log.Warn("consecutive anomaly threshold reached")

	if p.recorder != nil {
		if _, err := p.recorder.Save(a); err != nil {
			log.Error("failed to save streak record", zap.Error(err))
		} else {
			log.Info("streak record saved", zap.String("path", a.RecordPath))
		}
	}
	p.metrics.StreakAlert()
	p.update(func(s *Status) { s.Alerts++ })
	p.emit(Event{Kind: EventStreakAlert, Alert: a})

	if p.alerts != nil {
		if err := p.alerts.Notify(ctx, a); err != nil {
			log.Error("failed to deliver streak alert", zap.String("sink", p.alerts.Name()), zap.Error(err))
		}
	}
}
