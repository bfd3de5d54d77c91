// Package main is the CLI entry point for sentinel.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iyulab/sentinel/internal/config"
	"github.com/iyulab/sentinel/internal/logging"
	"github.com/iyulab/sentinel/internal/pipeline"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Brute-force detection, AI triage, compliance mapping and SIEM forwarding",
		Long: `sentinel correlates authentication failures from an auth log into
brute-force alerts, classifies them with an LLM (with a deterministic offline
fallback), maps them to ISO 27001 controls and forwards the enriched records
to a SIEM. Without a subcommand it runs the whole pipeline once.`,
		RunE:          runPipeline,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "sentinel.toml", "path to config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.Flags().Int("threshold", 0, "minimum failed attempts per source (default from config)")
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline: detect, classify, map, dispatch, report",
		RunE:  runPipeline,
	}
	runCmd.Flags().Int("threshold", 0, "minimum failed attempts per source (default from config)")

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Scan the tail of the auth log and write alerts.json",
		RunE:  runMonitor,
	}
	monitorCmd.Flags().Int("threshold", 0, "minimum failed attempts per source (default from config)")
	monitorCmd.Flags().Int("tail", 0, "number of trailing failure events to scan (default from config)")

	mockCmd := &cobra.Command{
		Use:   "mock",
		Short: "Write mock brute-force alerts to alerts.json",
		RunE:  runMock,
	}
	mockCmd.Flags().Int("count", 5, "number of alerts to generate")

	rootCmd.AddCommand(
		runCmd,
		monitorCmd,
		mockCmd,
		&cobra.Command{Use: "analyze", Short: "Classify the saved alerts with the configured provider", RunE: runAnalyze},
		&cobra.Command{Use: "comply", Short: "Map the saved alerts to ISO 27001 controls", RunE: runComply},
		&cobra.Command{Use: "dispatch", Short: "Forward the saved alerts to the configured SIEM sink", RunE: runDispatch},
		&cobra.Command{Use: "metrics", Short: "Write the security metrics report from the saved alerts and analysis", RunE: runMetrics},
		&cobra.Command{Use: "archive", Short: "Bundle the output directory and upload it when configured", RunE: runArchive},
	)
	return rootCmd
}

// setup loads configuration and initialises logging. A config error is fatal.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	if verbose {
		level = slog.LevelDebug
	}
	logger := logging.Init(cfg.Logging.Format, level)
	logger.Debug("configuration loaded",
		"path", configPath,
		"provider", cfg.LLM.Provider,
		"credential_source", cfg.CredentialSource(),
		"siem_mode", cfg.SIEM.Mode,
	)
	return cfg, logger, nil
}

func newPipeline(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger, opts pipeline.Options) *pipeline.Pipeline {
	opts.Verbose, _ = cmd.Flags().GetBool("verbose")
	opts.Version = fmt.Sprintf("%s (%s)", version, commit)
	return pipeline.New(cfg, opts, logger)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	threshold, _ := cmd.Flags().GetInt("threshold")
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	_, err = newPipeline(cmd, cfg, logger, pipeline.Options{Threshold: threshold}).Run(cmd.Context())
	return err
}

func runMonitor(cmd *cobra.Command, args []string) error {
	threshold, _ := cmd.Flags().GetInt("threshold")
	tail, _ := cmd.Flags().GetInt("tail")

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	if tail <= 0 {
		tail = cfg.Input.Tail
	}
	_, err = newPipeline(cmd, cfg, logger, pipeline.Options{Threshold: threshold, Tail: tail}).Detect(cmd.Context())
	return err
}

func runMock(cmd *cobra.Command, args []string) error {
	count, _ := cmd.Flags().GetInt("count")
	if count < 0 {
		return fmt.Errorf("--count must not be negative")
	}
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	_, err = newPipeline(cmd, cfg, logger, pipeline.Options{}).Mock(count, nil)
	return err
}

// runAnalyze is the one command that refuses to start when no key source
// exists at all. A placeholder key runs with the no-credential fallback.
func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	if err := cfg.RequireCredential(); err != nil {
		return err
	}
	_, err = newPipeline(cmd, cfg, logger, pipeline.Options{}).Analyze(cmd.Context())
	return err
}

func runMetrics(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	_, err = newPipeline(cmd, cfg, logger, pipeline.Options{}).Metrics(cmd.Context())
	return err
}

func runComply(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	_, err = newPipeline(cmd, cfg, logger, pipeline.Options{}).Comply(cmd.Context())
	return err
}

func runDispatch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	_, _, err = newPipeline(cmd, cfg, logger, pipeline.Options{}).Dispatch(cmd.Context())
	return err
}

func runArchive(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	_, _, err = newPipeline(cmd, cfg, logger, pipeline.Options{}).Archive(cmd.Context())
	return err
}
