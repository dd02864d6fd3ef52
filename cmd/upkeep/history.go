package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lyndonlyu/upkeep/internal/attempt"
	"github.com/lyndonlyu/upkeep/internal/statedb"
)

var historyCmd = &cobra.Command{
	Use:   "history [attempt-id]",
	Short: "Show recent update attempts, or one attempt in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showHistory,
}

var historyCount int

func init() {
	historyCmd.Flags().IntVarP(&historyCount, "count", "n", 10, "Number of attempts to show")
}

func showHistory(cmd *cobra.Command, args []string) error {
	if historyCount < 0 {
		return fmt.Errorf("--count must not be negative, got %d", historyCount)
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		att, err := a.updates.Attempt(args[0])
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(att)
		}
		fmt.Print(formatAttempt(att))
		return nil
	}

	attempts, err := a.updates.History(historyCount)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if jsonOutput() {
		if attempts == nil {
			attempts = []*attempt.Attempt{}
		}
		out, err := statedb.FormatHistoryJSON(attempts)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	fmt.Print(statedb.FormatHistory(attempts))
	return nil
}

func formatAttempt(a *attempt.Attempt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Attempt:     %s\n", a.ID)
	fmt.Fprintf(&b, "Status:      %s\n", renderStatus(a.Status))
	fmt.Fprintf(&b, "Versions:    %s -> %s\n", a.FromVersion, a.ToVersion)
	fmt.Fprintf(&b, "Initiated:   %s by %s\n", a.StartedAt.Local().Format(time.DateTime), a.InitiatedBy)
	if a.CompletedAt != nil {
		fmt.Fprintf(&b, "Finished:    %s\n", a.CompletedAt.Local().Format(time.DateTime))
	}
	if a.FilePath != "" {
		fmt.Fprintf(&b, "Artifact:    %s\n", a.FilePath)
	}
	if a.BackupID != "" {
		fmt.Fprintf(&b, "Backup:      %s\n", a.BackupID)
	}
	if len(a.MigrationsRun) > 0 {
		fmt.Fprintf(&b, "Migrations:  %s\n", strings.Join(a.MigrationsRun, ", "))
	}
	if a.RolledBack && a.RollbackAt != nil {
		fmt.Fprintf(&b, "Rolled back: %s\n", a.RollbackAt.Local().Format(time.DateTime))
	}
	if a.ErrorMessage != "" {
		fmt.Fprintf(&b, "\n%s\n", styleError.Render("Error: "+a.ErrorMessage))
	}
	if a.ErrorStack != "" {
		fmt.Fprintf(&b, "\n%s\n", styleDim.Render(strings.TrimRight(a.ErrorStack, "\n")))
	}
	return b.String()
}
