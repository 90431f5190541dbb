package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cexll/inspector/internal/procid"
	"github.com/cexll/inspector/internal/remote"
)

const (
	trendScript     = "api.py"
	trendPrediction = "prediction.jpg"
	uploadParallel  = 4
)

// TrendResult locates the files produced for one folder.
type TrendResult struct {
	ProcessID string
	InputDir  string
	Uploaded  int

	ResultDir      string
	OriginalsDir   string
	PredictionPath string
	JSONPath       string

	StartedAt  time.Time
	FinishedAt time.Time
}

// Trend runs film trend prediction over a folder of images.
type Trend struct {
	target Target
	dialer remote.Dialer
	logger *zap.Logger
	newID  func() string
}

// NewTrend creates the film trend pipeline.
func NewTrend(target Target, dialer remote.Dialer, logger *zap.Logger) *Trend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trend{
		target: target,
		dialer: dialer,
		logger: logger.Named(NameTrend),
		newID:  procid.New,
	}
}

func (t *Trend) Name() string { return NameTrend }

// Process uploads every file in dir, runs the trend model and downloads its prediction.
func (t *Trend) Process(ctx context.Context, dir string) (*TrendResult, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, NonRetryable("local folder %s is missing or not a directory", dir)
	}

	pid := t.newID()
	log := t.logger.With(zap.String("process_id", pid), zap.String("dir", dir))
	res := &TrendResult{ProcessID: pid, InputDir: dir, StartedAt: time.Now()}

	client, err := t.dialer.Dial(ctx, t.target.Endpoint)
	if err != nil {
		log.Error("failed to connect to inference host", zap.Error(err))
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	remoteDir := t.target.uploadPath(pid)
	uploaded, err := t.upload(ctx, client, log, dir, remoteDir)
	if err != nil {
		return nil, err
	}
	res.Uploaded = uploaded

	cmd := t.target.scriptCommand(trendScript, "--folder_path", remoteDir, "--process_id", pid)
	if err := runScript(ctx, client, log, trendScript, cmd); err != nil {
		return nil, err
	}

	outDir := t.target.outputDir(pid)
	remotePrediction := path.Join(outDir, trendPrediction)
	err = remote.WaitFor(ctx, log, t.target.PollInterval, t.target.MaxWait, func(ctx context.Context) (bool, error) {
		return remote.Exists(ctx, client, remotePrediction)
	})
	if err != nil {
		return nil, err
	}
	log.Info("remote prediction ready", zap.String("remote", remotePrediction))

	res.ResultDir = filepath.Join(t.target.DownloadDir, pid)
	res.OriginalsDir = filepath.Join(res.ResultDir, "original_images")
	res.PredictionPath = filepath.Join(res.ResultDir, trendPrediction)
	res.JSONPath = filepath.Join(res.ResultDir, pid+".json")

	if err := copyTree(dir, res.OriginalsDir); err != nil {
		return nil, fmt.Errorf("copy original images: %w", err)
	}
	files := []struct{ remote, local string }{
		{remotePrediction, res.PredictionPath},
		{path.Join(outDir, pid+".json"), res.JSONPath},
	}
	for _, f := range files {
		if err := client.Download(f.remote, f.local); err != nil {
			log.Error("failed to download result", zap.String("remote", f.remote), zap.Error(err))
			return nil, fmt.Errorf("download result: %w", err)
		}
	}

	res.FinishedAt = time.Now()
	log.Info("folder processed", zap.Int("files", res.Uploaded), zap.Duration("took", res.FinishedAt.Sub(res.StartedAt)))
	return res, nil
}

func (t *Trend) upload(ctx context.Context, client remote.Client, log *zap.Logger, dir, remoteDir string) (int, error) {
	if err := client.Mkdir(remoteDir); err != nil {
		log.Warn("failed to create remote folder", zap.String("remote", remoteDir), zap.Error(err))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}
	if len(entries) == 0 {
		log.Warn("local folder is empty, nothing to upload")
		return 0, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadParallel)

	count := 0
	for _, entry := range entries {
		local := filepath.Join(dir, entry.Name())
		if info, err := os.Stat(local); err != nil || !info.Mode().IsRegular() {
			log.Warn("skipping non-file entry", zap.String("path", local))
			continue
		}
		count++
		remotePath := path.Join(remoteDir, entry.Name())
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := client.Upload(local, remotePath); err != nil {
				return fmt.Errorf("upload %s: %w", local, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	log.Info("upload complete", zap.Int("files", count), zap.String("remote", remoteDir))
	return count, nil
}
