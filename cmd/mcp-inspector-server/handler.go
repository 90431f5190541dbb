package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/cexll/inspector/internal/executor"
	"github.com/cexll/inspector/internal/history"
)

// SourceMCP tags history records written for tool calls.
const SourceMCP = "mcp"

// AnalyzeImageParams defines the input of analyze_image.
type AnalyzeImageParams struct {
	Path string `json:"path" jsonschema:"Absolute path of the image on the machine running the server"`
}

// AnalyzeTrendParams defines the input of analyze_trend.
type AnalyzeTrendParams struct {
	Dir string `json:"dir" jsonschema:"Absolute path of a folder of film images"`
}

// ImageSummary is the JSON returned by analyze_image.
type ImageSummary struct {
	ProcessID      string  `json:"process_id"`
	Image          string  `json:"image"`
	Model          string  `json:"model"`
	AnomalyLevel   string  `json:"anomaly_level,omitempty"`
	AnalogVoltage  string  `json:"analog_voltage"`
	Anomalous      bool    `json:"anomalous"`
	ResultDir      string  `json:"result_dir"`
	PredictionPath string  `json:"prediction_path"`
	HeatmapPath    string  `json:"heatmap_path"`
	ReportParsed   bool    `json:"report_parsed"`
	Seconds        float64 `json:"seconds"`
}

// TrendSummary is the JSON returned by analyze_trend.
type TrendSummary struct {
	ProcessID      string  `json:"process_id"`
	Dir            string  `json:"dir"`
	Uploaded       int     `json:"uploaded"`
	ResultDir      string  `json:"result_dir"`
	PredictionPath string  `json:"prediction_path"`
	JSONPath       string  `json:"json_path"`
	Seconds        float64 `json:"seconds"`
}

// Tools serves the inspector tool calls.
type Tools struct {
	anomaly executor.AnomalyRunner
	// trend is nil when no trend host is configured.
	trend   executor.TrendRunner
	history executor.ResultSink
	logger  *zap.Logger
}

// HandleAnalyzeImage handles the analyze_image tool call
func (t *Tools) HandleAnalyzeImage(
	ctx context.Context,
	req *mcp.CallToolRequest,
	params AnalyzeImageParams,
) (*mcp.CallToolResult, any, error) {
	if params.Path == "" {
		return nil, nil, fmt.Errorf("path parameter is required")
	}
	log := t.logger.With(zap.String("tool", "analyze_image"), zap.String("path", params.Path))
	log.Info("received tool call")

	res, err := t.anomaly.Process(ctx, params.Path)
	if err != nil {
		log.Error("anomaly detection failed", zap.Error(err))
		return errorResult(err), nil, nil
	}

	summary := ImageSummary{
		ProcessID:      res.ProcessID,
		Image:          res.ImagePath,
		Model:          res.Script,
		AnalogVoltage:  res.Report.Voltage(),
		Anomalous:      res.Report.Anomalous(),
		ResultDir:      res.ResultDir,
		PredictionPath: res.PredictionPath,
		HeatmapPath:    res.HeatmapPath,
		ReportParsed:   res.Report != nil,
		Seconds:        res.FinishedAt.Sub(res.StartedAt).Seconds(),
	}
	if res.Report != nil {
		summary.AnomalyLevel = res.Report.Level
	}
	t.save(ctx, log, history.FromAnomaly(res, SourceMCP, time.Now()))

	log.Info("tool call finished", zap.String("process_id", res.ProcessID), zap.Bool("anomalous", summary.Anomalous))
	return jsonResult(summary)
}

// HandleAnalyzeTrend handles the analyze_trend tool call
func (t *Tools) HandleAnalyzeTrend(
	ctx context.Context,
	req *mcp.CallToolRequest,
	params AnalyzeTrendParams,
) (*mcp.CallToolResult, any, error) {
	if params.Dir == "" {
		return nil, nil, fmt.Errorf("dir parameter is required")
	}
	log := t.logger.With(zap.String("tool", "analyze_trend"), zap.String("dir", params.Dir))
	if t.trend == nil {
		return errorResult(fmt.Errorf("trend analysis is not configured on this server")), nil, nil
	}
	log.Info("received tool call")

	res, err := t.trend.Process(ctx, params.Dir)
	if err != nil {
		log.Error("trend analysis failed", zap.Error(err))
		return errorResult(err), nil, nil
	}
	t.save(ctx, log, history.FromTrend(res, SourceMCP, time.Now()))

	log.Info("tool call finished", zap.String("process_id", res.ProcessID))
	return jsonResult(TrendSummary{
		ProcessID:      res.ProcessID,
		Dir:            res.InputDir,
		Uploaded:       res.Uploaded,
		ResultDir:      res.ResultDir,
		PredictionPath: res.PredictionPath,
		JSONPath:       res.JSONPath,
		Seconds:        res.FinishedAt.Sub(res.StartedAt).Seconds(),
	})
}

func (t *Tools) save(ctx context.Context, log *zap.Logger, rec history.Record) {
	if t.history == nil {
		return
	}
	if err := t.history.Save(ctx, rec); err != nil {
		log.Warn("failed to record result", zap.Error(err))
	}
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(data)},
		},
	}, nil, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Error: %v", err)},
		},
		IsError: true,
	}
}
