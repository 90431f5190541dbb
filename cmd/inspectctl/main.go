package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cexll/inspector/internal/app"
	"github.com/cexll/inspector/internal/config"
	"github.com/cexll/inspector/internal/logging"
)

// SourceCLI tags history records written by this tool.
const SourceCLI = "cli"

var (
	loadConfig = config.Load
	appOptions []app.Option
)

// cli holds the global flags and the logger shared by subcommands.
type cli struct {
	verbose bool
	envFile string
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:   "inspectctl",
		Short: "Run inspector pipelines and inspect their results",
		Long: `inspectctl drives the remote inference hosts directly.

It uses the same configuration as the server (environment variables, an
optional .env file and INSPECTOR_CONFIG), so results land in the same
download directory and history database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.envFile != "" {
				if err := godotenv.Load(c.envFile); err != nil {
					return fmt.Errorf("failed to load %s: %w", c.envFile, err)
				}
			} else {
				_ = godotenv.Load()
			}

			logger, err := logging.New(logging.Options{
				Level:   os.Getenv("LOG_LEVEL"),
				Verbose: c.verbose,
			})
			if err != nil {
				return err
			}
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = c.logger.Sync()
		},
	}

	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Enable verbose logging")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", "", "Load environment from this file instead of ./.env")

	root.AddCommand(c.analyzeCmd())
	root.AddCommand(c.trendCmd())
	root.AddCommand(c.batchCmd())
	root.AddCommand(c.checkpointsCmd())
	root.AddCommand(c.resultsCmd())
	root.AddCommand(c.tokenCmd())
	return root
}

// newApp loads the configuration and builds the engine.
func (c *cli) newApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return app.New(cfg, c.logger, appOptions...)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
