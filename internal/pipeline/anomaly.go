package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cexll/inspector/internal/procid"
	"github.com/cexll/inspector/internal/remote"
)

// AnomalyResult locates the files produced for one image.
type AnomalyResult struct {
	ProcessID string
	ImagePath string
	Kind      ImageKind
	Script    string

	ResultDir      string
	OriginalPath   string
	PredictionPath string
	HeatmapPath    string
	JSONPath       string

	// Report is nil when result.json could not be parsed.
	Report *AnomalyReport

	StartedAt  time.Time
	FinishedAt time.Time
}

// Anomaly runs single image anomaly detection on a remote host.
type Anomaly struct {
	target Target
	dialer remote.Dialer
	logger *zap.Logger
	newID  func() string
}

// NewAnomaly creates the anomaly detection pipeline.
func NewAnomaly(target Target, dialer remote.Dialer, logger *zap.Logger) *Anomaly {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Anomaly{
		target: target,
		dialer: dialer,
		logger: logger.Named(NameAnomaly),
		newID:  procid.New,
	}
}

// Name implements the analyzer naming used by metrics and history.
func (a *Anomaly) Name() string { return NameAnomaly }

// Process uploads imagePath, runs the model picked for its shape, waits for the
// output directory and downloads prediction, heat map and JSON report.
func (a *Anomaly) Process(ctx context.Context, imagePath string) (*AnomalyResult, error) {
	info, err := os.Stat(imagePath)
	if err != nil || !info.Mode().IsRegular() {
		return nil, NonRetryable("local image %s is missing or not a regular file", imagePath)
	}

	pid := a.newID()
	log := a.logger.With(zap.String("process_id", pid), zap.String("image", filepath.Base(imagePath)))
	res := &AnomalyResult{ProcessID: pid, ImagePath: imagePath, StartedAt: time.Now()}

	client, err := a.dialer.Dial(ctx, a.target.Endpoint)
	if err != nil {
		log.Error("failed to connect to inference host", zap.Error(err))
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	remoteFile := a.target.uploadPath(pid + strings.ToLower(filepath.Ext(imagePath)))
	log.Info("uploading image", zap.String("remote", remoteFile))
	if err := client.Upload(imagePath, remoteFile); err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}

	kind, cfg, err := ClassifyImage(imagePath)
	if err != nil {
		log.Warn("could not read image size, using default script", zap.Error(err))
	}
	res.Kind = kind
	res.Script = ScriptFor(kind)
	log.Info("image classified",
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
		zap.String("kind", string(kind)),
		zap.String("script", res.Script))

	cmd := a.target.scriptCommand(res.Script, "--file_path", remoteFile, "--process_id", pid)
	if err := runScript(ctx, client, log, res.Script, cmd); err != nil {
		return nil, err
	}

	outDir := a.target.outputDir(pid)
	err = remote.WaitFor(ctx, log, a.target.PollInterval, a.target.MaxWait, func(ctx context.Context) (bool, error) {
		out, err := client.Run(ctx, "ls "+remote.Quote(outDir))
		if err != nil {
			return false, err
		}
		return out.ExitStatus == 0 && strings.TrimSpace(out.Stderr) == "", nil
	})
	if err != nil {
		return nil, err
	}

	if err := a.download(client, log, res, outDir); err != nil {
		return nil, err
	}

	report, err := ReadReport(res.JSONPath)
	if err != nil {
		log.Warn("failed to parse anomaly report", zap.String("path", res.JSONPath), zap.Error(err))
	} else {
		res.Report = report
		if report.Anomalous() {
			log.Warn("anomaly detected", zap.String("level", report.Level), zap.String("analog_voltage", report.Voltage()))
		}
	}

	res.FinishedAt = time.Now()
	log.Info("image processed", zap.Duration("took", res.FinishedAt.Sub(res.StartedAt)))
	return res, nil
}

func (a *Anomaly) download(client remote.Client, log *zap.Logger, res *AnomalyResult, outDir string) error {
	pid := res.ProcessID
	res.ResultDir = filepath.Join(a.target.DownloadDir, pid)
	res.OriginalPath = filepath.Join(res.ResultDir, filepath.Base(res.ImagePath))
	res.PredictionPath = filepath.Join(res.ResultDir, "prediction.png")
	res.HeatmapPath = filepath.Join(res.ResultDir, "heat_map.png")
	res.JSONPath = filepath.Join(res.ResultDir, "result.json")

	if err := os.MkdirAll(res.ResultDir, 0o755); err != nil {
		return fmt.Errorf("create result dir: %w", err)
	}
	if err := copyFile(res.ImagePath, res.OriginalPath); err != nil {
		return fmt.Errorf("copy original image: %w", err)
	}

	files := []struct{ remote, local string }{
		{path.Join(outDir, pid+".png"), res.PredictionPath},
		{path.Join(outDir, pid+"_heatmap.png"), res.HeatmapPath},
		{path.Join(outDir, pid+".json"), res.JSONPath},
	}
	for _, f := range files {
		if err := client.Download(f.remote, f.local); err != nil {
			log.Error("failed to download result", zap.String("remote", f.remote), zap.String("local", f.local), zap.Error(err))
			return fmt.Errorf("download result: %w", err)
		}
	}
	log.Info("results downloaded", zap.String("dir", res.ResultDir))
	return nil
}

// runScript executes cmd and turns a non-zero exit into an ExitError.
func runScript(ctx context.Context, client remote.Client, log *zap.Logger, script, cmd string) error {
	log.Debug("running remote command", zap.String("cmd", cmd))
	out, err := client.Run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("run %s: %w", script, err)
	}
	log.Info("remote command finished", zap.String("stdout", strings.TrimSpace(out.Stdout)))
	if stderr := strings.TrimSpace(out.Stderr); stderr != "" {
		log.Warn("remote command wrote to stderr", zap.String("stderr", stderr))
	}
	if out.ExitStatus != 0 {
		log.Error("remote command failed", zap.Int("exit_status", out.ExitStatus))
		return &ExitError{Script: script, Status: out.ExitStatus, Stderr: out.Stderr}
	}
	return nil
}
