package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"bayou/internal/config"
)

const (
	logLevelFlag  = "log-level"
	logFormatFlag = "log-format"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bayou [sub-command]",
		Short: "Federation authentication server for ActivityPub and Versia",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		DisableAutoGenTag: true,
		SilenceUsage:      true,
	}
	cmd.PersistentFlags().String(logLevelFlag, "", "log level (debug, info, warn, error); overrides LOG_LEVEL")
	cmd.PersistentFlags().String(logFormatFlag, "", "log format (json or text); overrides LOG_FORMAT")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newInstanceActorCmd())
	cmd.AddCommand(newKeygenCmd())
	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newSignCmd())
	cmd.AddCommand(newUseraddCmd())
	cmd.AddCommand(newBlockDomainCmd())
	cmd.AddCommand(newAllowDomainCmd())
	cmd.AddCommand(newPublishCmd())
	return cmd
}

// loadConfig reads configuration and applies the logging flags to the
// standard logrus logger.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if v, _ := cmd.Flags().GetString(logLevelFlag); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString(logFormatFlag); v != "" {
		cfg.LogFormat = v
	}
	if err := configureLogging(cfg); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func configureLogging(cfg config.Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	logrus.SetLevel(level)
	switch cfg.LogFormat {
	case "", "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("LOG_FORMAT %q must be json or text", cfg.LogFormat)
	}
	return nil
}
