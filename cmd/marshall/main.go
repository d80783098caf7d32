// Command marshall ingests transient survey feeds into the transient bucket
// and maintains the per-object summaries.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marshallengine/marshall/internal/app"
	"github.com/marshallengine/marshall/internal/config"
	mErrors "github.com/marshallengine/marshall/internal/errors"
	"github.com/marshallengine/marshall/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitInvariant = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand(os.Stdout, os.Stderr)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshall: %v\n", err)
	}
	stop()
	os.Exit(exitCode(err))
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case mErrors.IsFatal(err):
		return exitInvariant
	default:
		return exitFailure
	}
}

// rootOptions holds the persistent flags.
type rootOptions struct {
	configFile string
	logLevel   string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "marshall",
		Short: "Transient survey ingestion and crossmatching",
		Long: `
Downloads recent detections from transient surveys, resolves them onto
known objects by name and position, and maintains the per-object
summaries.
`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "path to configuration file (YAML or JSON)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newImportCommand(opts),
		newCleanCommand(opts),
		newLightcurveCommand(opts),
		newRefreshCommand(opts),
	)
	return root
}

// loadConfig loads configuration from file and environment, then applies
// flags (highest priority).
func (o *rootOptions) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if o.configFile != "" {
		cfg, err = config.LoadFromFile(o.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

// open builds the application. The caller must run the returned cleanup,
// which writes the metrics textfile and closes the database.
func (o *rootOptions) open(ctx context.Context) (*app.App, *zap.Logger, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Sync()
		return nil, nil, nil, err
	}
	cleanup := func() {
		if err := a.WriteMetrics(); err != nil {
			logger.Warn("failed to write metrics textfile", zap.Error(err))
		}
		if err := a.Close(); err != nil {
			logger.Warn("failed to close database", zap.Error(err))
		}
		logger.Sync()
	}
	return a, logger, cleanup, nil
}
