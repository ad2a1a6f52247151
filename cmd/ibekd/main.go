package main

import (
	"fmt"
	"os"

	"github.com/robcowart/ibekd/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const version = "0.1.0"

var (
	configFile string
	flags      *config.Flags

	cfg    *config.Config
	logger *zap.Logger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ibekd",
		Short:         "Identity-based encryption key generation authority",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}

			var err error
			cfg, err = config.Load(configFile, flags)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger, err = initLogger(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "Path to configuration file")
	flags = config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(authorityCmd(), nodeCmd(), systemCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ibekd v%s\n", version)
		},
	}
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	switch cfg.Logging.Level {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	// zap understands "stdout" and "stderr" as well as file paths
	if cfg.Logging.Output != "" {
		zapConfig.OutputPaths = []string{cfg.Logging.Output}
	}

	return zapConfig.Build()
}
