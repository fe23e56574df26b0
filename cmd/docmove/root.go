package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/franksops/docmover/config"
)

var version = "0.1.0"

var (
	// Global flags
	cfgPath       string
	logLevel      string
	logFormat     string
	workers       int
	verify        bool
	nestTopLevel  bool
	historyPath   string
	metricsListen string

	globalCfg *config.Config
	logger    *slog.Logger
)

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docmove",
		Short: "Copy and move documents between storage providers",
		Long: `docmove copies or moves files and directory trees between document
providers such as the local filesystem and S3. Each invocation runs one or more
jobs that report progress, collect per-document failures and record their
outcome in a local history database.`,
		Example: `  docmove copy ./reports s3://archive/2024
  docmove move --tui /data/inbox/a.pdf /data/inbox/b.pdf /data/processed
  docmove copy --each --workers 4 ./a ./b ./c s3://backup/nightly
  docmove history --limit 10
  docmove history 3f2a`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd.Name()) {
				setupLogging(slog.LevelInfo, "text")
				return nil
			}
			return loadConfig(cmd)
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().StringVar(&historyPath, "history", "", "path to the job history database (empty keeps the configured path)")

	// Add subcommands
	cmd.AddCommand(
		newTransferCmd("copy"),
		newTransferCmd("move"),
		newHistoryCmd(),
		newVersionCmd(),
	)

	return cmd
}

// loadConfig layers defaults, the config file, .env files, DOCMOVE_*
// variables and finally explicitly set flags.
func loadConfig(cmd *cobra.Command) error {
	if err := config.LoadEnvFiles(); err != nil {
		return err
	}

	path := cfgPath
	if path == "" {
		path, _ = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flags.Changed("history") {
		cfg.History.Path = historyPath
	}
	if f := flags.Lookup("workers"); f != nil && f.Changed {
		cfg.Manager.Workers = workers
	}
	if f := flags.Lookup("verify"); f != nil && f.Changed {
		cfg.Engine.Verify = verify
	}
	if f := flags.Lookup("nest"); f != nil && f.Changed {
		cfg.Engine.NestTopLevel = nestTopLevel
	}
	if f := flags.Lookup("metrics-listen"); f != nil && f.Changed {
		cfg.Metrics.Listen = metricsListen
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, _ := cfg.SlogLevel()
	setupLogging(level, cfg.Log.Format)
	logger.Debug("config loaded", "path", path, "history", cfg.History.Path, "workers", cfg.Manager.Workers)

	globalCfg = cfg
	return nil
}

// setupLogging initializes the slog logger
func setupLogging(level slog.Level, format string) {
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "docmove %s\n", version)
		},
	}
}
