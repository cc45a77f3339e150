package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/jobster/internal/config"
	"github.com/cuongbtq/jobster/shared/logger"
)

const defaultConfigPath = "configs/jobster/config.yaml"

func newRootCmd() *cobra.Command {
	configPath := os.Getenv("JOBSTER_CONFIG_PATH")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	rootCmd := &cobra.Command{
		Use:           "jobster",
		Short:         "Durable job queue with autoscaling workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", configPath, "Path to configuration file")

	load := func() (*config.Config, *logger.Logger, error) {
		return loadConfig(configPath)
	}

	rootCmd.AddCommand(newMigrateCmd(load))
	rootCmd.AddCommand(newServeCmd(load))
	rootCmd.AddCommand(newEnqueueCmd(load))

	return rootCmd
}

type loader func() (*config.Config, *logger.Logger, error)

func loadConfig(path string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, appLogger, nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
	})
}
