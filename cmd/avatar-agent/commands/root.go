package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/heimdex/avatar-agent/internal/config"
	"github.com/heimdex/avatar-agent/internal/logging"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:           "avatar-agent",
	Short:         "Prepare and render talking-head avatars",
	Version:       config.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.AddCommand(serveCmd, prepareCmd, renderCmd, doctorCmd, datasetCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the configuration and builds the logger. Interactive
// commands log as text to stderr so progress bars stay readable.
func loadConfig(jsonLogs bool) (*config.EnvConfig, *slog.Logger, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel()
	if logLevel != "" {
		level = logLevel
	}
	if jsonLogs {
		return cfg, logging.NewLogger(level), nil
	}
	return cfg, logging.NewTextLogger(level), nil
}
