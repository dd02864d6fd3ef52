package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lyndonlyu/upkeep/internal/config"
	"github.com/lyndonlyu/upkeep/internal/logging"
)

// buildVersion is set with -ldflags "-X main.buildVersion=...".
var buildVersion = "dev"

var (
	configPath   string
	outputFormat string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "upkeep",
	Short: "Upkeep - self-update and rollback for a deployed application",
	Long: "Upkeep checks a release manifest, downloads and applies new releases of the " +
		"application it manages, and rolls failed or unwanted updates back on request.",
	SilenceUsage:      true,
	PersistentPreRunE: initLogging,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to config.yaml")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "human", "Output format: human or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(
		serveCmd,
		statusCmd,
		checkCmd,
		availableCmd,
		historyCmd,
		compatCmd,
		downloadCmd,
		applyCmd,
		rollbackCmd,
		versionCmd,
		gcCmd,
		auditCmd,
		redactCmd,
		doctorCmd,
		statedbCmd,
	)
}

func initLogging(cmd *cobra.Command, args []string) error {
	if outputFormat != "human" && outputFormat != "json" {
		return fmt.Errorf("unknown format %q (want human or json)", outputFormat)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	file := cfg.Log.File
	// Human output goes to stdout; keep routine log lines off the terminal.
	if file == "console" && cmd.Name() != "serve" && level == "info" {
		level = "warn"
	}
	return logging.Init(level, file)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
