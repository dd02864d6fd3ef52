package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lyndonlyu/upkeep/internal/config"
	"github.com/lyndonlyu/upkeep/internal/redact"
)

var redactCmd = &cobra.Command{
	Use:   "redact",
	Short: "Redaction tools for scrubbing captured output",
}

var redactTestCmd = &cobra.Command{
	Use:   "test [input]",
	Short: "Test redaction rules against input text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		redactor := redact.New(cfg.Redact)
		fmt.Println(redactor.Redact(args[0]))
		return nil
	},
}

func init() {
	redactCmd.AddCommand(redactTestCmd)
}
