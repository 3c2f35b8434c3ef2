// Package cli is the aquamonitor command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"aquamonitor/internal/config"
	"aquamonitor/internal/logging"
)

var (
	envFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "aquamonitor",
	Short: "Aquaculture water quality monitoring service",
	Long: `aquamonitor ingests water quality measurements from tank controllers,
checks them against per-parameter threshold rules and raises deduplicated
alerts that are delivered over Telegram, webhooks, Kafka and websockets.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose (debug) logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

// setup loads the configuration and the logger shared by every command.
func setup() (config.Config, *logging.Logger, error) {
	cfg, err := config.LoadFile(envFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config load failed: %w", err)
	}
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{
		Dir:    cfg.Logging.Dir,
		Level:  level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger init failed: %w", err)
	}
	return cfg, logger, nil
}
