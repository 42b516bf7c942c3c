package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oddessentials/ado-git-repo-seeder/internal/collision"
	"github.com/oddessentials/ado-git-repo-seeder/internal/config"
	"github.com/oddessentials/ado-git-repo-seeder/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"

	cfgFile   string
	logLevel  string
	logFormat string
)

// Exit codes
const (
	exitError     = 1
	exitCollision = 2
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		code := exitError
		if collision.IsFatal(err) {
			code = exitCollision
			fmt.Fprintln(os.Stderr, "Branch collision: this run id was already used against the repository. Pick a new --run-id.")
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		_ = logging.Close()
		os.Exit(code)
	}
	_ = logging.Close()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "seeder",
		Short:         "Seed Azure DevOps repositories with realistic pull request traffic",
		Long:          `seeder creates branches and pull requests in Azure DevOps repositories, drives them to completion (resolving merge conflicts on the way) and keeps the open backlog in check.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ~/.ado-seeder/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log format (text, json)")

	rootCmd.AddCommand(
		newRunCmd(),
		newCompleteCmd(),
		newCleanupCmd(),
		newCollisionsCmd(),
		newHistoryCmd(),
		newVersionCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show seeder version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "seeder %s\n", version)
			if buildTime != "unknown" {
				fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", buildTime)
			}
		},
	}
}

func loadConfig() (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// loadValidConfig loads the config and rejects it when incomplete.
func loadValidConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setupLogging applies the logging section plus flag overrides. A config that
// fails to load is reported by the command itself.
func setupLogging() error {
	logCfg := logging.DefaultConfig()
	if cfg, err := loadConfig(); err == nil && cfg.Logging != nil {
		logCfg = cfg.Logging
	}
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	if logFormat != "" {
		logCfg.Format = logFormat
	}
	if err := logging.Init(logCfg); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	return nil
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// isCanceled reports whether err only reflects an interrupted run.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
