package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cexll/inspector/internal/app"
	"github.com/cexll/inspector/internal/history"
)

func (c *cli) analyzeCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "analyze <image>",
		Short: "Run anomaly detection on one image",
		Long: `Uploads the image to the anomaly detection host, runs the model picked for
its shape and downloads the prediction, heat map and JSON report into
DOWNLOAD_DIR/<process id>.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			res, err := a.Anomaly.Process(ctx, args[0])
			if err != nil {
				return fmt.Errorf("anomaly detection failed: %w", err)
			}
			rec := history.FromAnomaly(res, SourceCLI, time.Now())
			c.record(ctx, a, rec)
			return printRecord(cmd.OutOrStdout(), rec, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

func (c *cli) trendCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "trend <dir>",
		Short: "Run film trend prediction on a folder of images",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Trend == nil {
				return fmt.Errorf("trend analysis is not configured (set SSH_HOST_TREND_ANALYSIS)")
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			res, err := a.Trend.Process(ctx, args[0])
			if err != nil {
				return fmt.Errorf("trend analysis failed: %w", err)
			}
			rec := history.FromTrend(res, SourceCLI, time.Now())
			c.record(ctx, a, rec)
			return printRecord(cmd.OutOrStdout(), rec, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

func (c *cli) record(ctx context.Context, a *app.App, rec history.Record) {
	if a.History == nil {
		return
	}
	if err := a.History.Save(ctx, rec); err != nil {
		c.logger.Warn("failed to record result", zap.Error(err))
	}
}

func printRecord(w io.Writer, rec history.Record, asJSON bool) error {
	if asJSON {
		return writeJSON(w, rec)
	}
	fmt.Fprintf(w, "process id:     %s\n", rec.ProcessID)
	fmt.Fprintf(w, "pipeline:       %s\n", rec.Pipeline)
	fmt.Fprintf(w, "input:          %s\n", rec.InputPath)
	if rec.AnomalyLevel != "" || rec.AnalogVoltage != "" {
		fmt.Fprintf(w, "anomaly level:  %s\n", rec.AnomalyLevel)
		fmt.Fprintf(w, "analog voltage: %s\n", rec.AnalogVoltage)
		fmt.Fprintf(w, "anomalous:      %t\n", rec.Anomalous)
	}
	fmt.Fprintf(w, "results:        %s\n", rec.ResultDir)
	return nil
}
