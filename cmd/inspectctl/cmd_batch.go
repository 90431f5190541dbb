package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cexll/inspector/internal/batch"
)

func (c *cli) batchCmd() *cobra.Command {
	var choice string
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Watch ONLINE_PROCESSING_AD_DIR and run anomaly detection on new images",
		Long: `Runs the batch loop in the foreground until interrupted.

--checkpoint selects what to resume:
  new      start a fresh checkpoint named after the current time
  latest   resume the newest checkpoint in CHECKPOINT_DIR (new if none)
  none     keep progress in memory only
  <name>   resume a specific .json file inside CHECKPOINT_DIR`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if choice == "" {
				choice = a.Config.BatchCheckpoint
			}
			cp, err := batch.ResolveCheckpoint(a.Config.CheckpointDir, choice, time.Now())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			proc, err := a.NewProcessor(cp, batch.ListenerFunc(func(e batch.Event) { printEvent(out, e) }))
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			if cp != "" {
				fmt.Fprintf(out, "checkpoint: %s\n", cp)
			}
			return proc.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&choice, "checkpoint", "", "new, latest, none or a checkpoint file in CHECKPOINT_DIR (default BATCH_CHECKPOINT)")
	return cmd
}

func printEvent(w io.Writer, e batch.Event) {
	switch e.Kind {
	case batch.EventProgress:
		fmt.Fprintln(w, e.Message)
	case batch.EventBatchProgress:
		fmt.Fprintf(w, "batch progress: %d/%d\n", e.Done, e.Total)
	case batch.EventImageProcessed:
		level, voltage := "unknown", "unknown"
		if e.Result != nil && e.Result.Report != nil {
			level, voltage = e.Result.Report.Level, e.Result.Report.Voltage()
		}
		pid := ""
		if e.Result != nil {
			pid = e.Result.ProcessID
		}
		fmt.Fprintf(w, "processed %s (process id %s): level %s, analog voltage %s\n", e.ImagePath, pid, level, voltage)
	case batch.EventImageFailed:
		fmt.Fprintf(w, "failed %s: %v\n", e.ImagePath, e.Err)
	case batch.EventStreakAlert:
		if e.Alert != nil {
			fmt.Fprintf(w, "ALERT: %d consecutive anomalous images", e.Alert.Count)
			if e.Alert.RecordPath != "" {
				fmt.Fprintf(w, ", saved to %s", e.Alert.RecordPath)
			}
			fmt.Fprintln(w)
		}
	case batch.EventFinished:
		if e.Err != nil {
			fmt.Fprintf(w, "batch processing stopped: %v\n", e.Err)
		} else {
			fmt.Fprintln(w, "batch processing stopped")
		}
	}
}
