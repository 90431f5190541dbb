package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/cexll/inspector/internal/app"
	"github.com/cexll/inspector/internal/config"
	"github.com/cexll/inspector/internal/logging"
)

const version = "v1.0.0"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[MCP Inspector Server] Invalid configuration: %v", err)
	}

	// stdout carries the protocol, so logs go to stderr.
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, OutputPaths: []string{"stderr"}})
	if err != nil {
		log.Fatalf("[MCP Inspector Server] %v", err)
	}
	defer logger.Sync()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}
	defer a.Close()

	server := newServer(newTools(a))
	logger.Info("starting MCP inspector server",
		zap.String("version", version),
		zap.String("anomaly_host", cfg.Anomaly.Host),
		zap.Bool("trend_enabled", a.Trend != nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		logger.Error("server error", zap.Error(err))
		return
	}
	logger.Info("server stopped gracefully")
}

func newTools(a *app.App) *Tools {
	t := &Tools{anomaly: a.Anomaly, logger: a.Logger.Named("mcp")}
	if a.Trend != nil {
		t.trend = a.Trend
	}
	if a.History != nil {
		t.history = a.History
	}
	return t
}

func newServer(t *Tools) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "inspector",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "analyze_image",
		Description: "Run anomaly detection on one image and return the level, analog voltage and result file paths",
	}, t.HandleAnalyzeImage)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "analyze_trend",
		Description: "Run film trend prediction on a folder of images and return the prediction file paths",
	}, t.HandleAnalyzeTrend)
	return server
}
