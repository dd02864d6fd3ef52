package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lyndonlyu/upkeep/internal/health"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the state database, audit chain, manifest and state directories",
	RunE:  runDoctor,
}

var levelIndicator = map[health.Level]string{
	health.GREEN:    "✓",
	health.YELLOW:   "!",
	health.RED:      "✗",
	health.CRITICAL: "✗✗",
}

func runDoctor(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	report := a.health(context.Background())
	if jsonOutput() {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		fmt.Println(styleBanner.Render("Upkeep doctor"))
		fmt.Println()
		for _, c := range report.Components {
			indicator := styleSuccess.Render("✓")
			if !c.Healthy {
				indicator = styleError.Render("✗")
			}
			fmt.Printf("  [%s] %-16s%s\n", indicator, c.Name, c.Detail)
		}
		fmt.Println()
		fmt.Printf("Health: %s %s\n", report.Level, levelIndicator[report.Level])
	}

	if !report.Level.Serving() {
		return fmt.Errorf("updater health is %s", report.Level)
	}
	return nil
}
