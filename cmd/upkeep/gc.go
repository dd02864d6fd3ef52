package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lyndonlyu/upkeep/internal/audit"
	"github.com/lyndonlyu/upkeep/internal/gc"
	"github.com/lyndonlyu/upkeep/internal/update"
)

var (
	gcDryRun      bool
	gcMaxAge      int
	gcKeepPoints  int
	gcKeepBackups int
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Clean up old staged downloads, rollback points and backups",
	Long: "Remove staged downloads older than the retention window and all but the newest " +
		"rollback points and backups. Anything an attempt may still need is kept.",
	RunE: runGC,
}

func init() {
	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "Show what would be deleted without deleting")
	gcCmd.Flags().IntVar(&gcMaxAge, "max-age", 0, "Delete staged downloads older than N days (default from config)")
	gcCmd.Flags().IntVar(&gcKeepPoints, "keep-points", 0, "Keep at most N rollback points (default from config)")
	gcCmd.Flags().IntVar(&gcKeepBackups, "keep-backups", 0, "Keep at most N backups (default from config)")
}

func runGC(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := update.Acquire(a.guard, "gc"); err != nil {
		return err
	}
	defer update.Release(a.guard)

	policy := gc.Policy{
		MaxAgeDays:         pick(gcMaxAge, a.cfg.Retention.MaxAgeDays),
		KeepRollbackPoints: pick(gcKeepPoints, a.cfg.Retention.KeepRollbackPoints),
		KeepBackups:        pick(gcKeepBackups, a.cfg.Retention.KeepBackups),
		DryRun:             gcDryRun,
	}

	attempts, err := a.store.ListAttempts(0)
	if err != nil {
		return fmt.Errorf("failed to read attempts: %w", err)
	}
	current, err := a.releases.CurrentVersion()
	if err != nil {
		return err
	}
	keep := gc.ProtectFor(attempts, a.cfg.StagingDir(), current)

	start := time.Now()
	result, err := gc.Run(gc.Target{
		StagingDir: a.cfg.StagingDir(),
		Points:     a.points,
		Backups:    a.backups,
	}, policy, keep)
	if !gcDryRun {
		entry := audit.Entry{Action: audit.ActionGC, InitiatedBy: operator(), Outcome: audit.OutcomeSuccess, Duration: time.Since(start)}
		if err != nil {
			entry.Outcome = audit.OutcomeFailure
			entry.Error = err.Error()
		}
		if logErr := a.audit.Log(entry); logErr != nil {
			fmt.Println(styleWarn.Render("failed to write audit record: " + logErr.Error()))
		}
	}
	if err != nil {
		return fmt.Errorf("gc failed: %w", err)
	}

	if jsonOutput() {
		return printJSON(result)
	}
	if gcDryRun {
		fmt.Println("[GC] Dry run mode, no files will be deleted")
	}
	if result.StagedRemoved > 0 {
		fmt.Printf("[GC] Removed %d staged downloads\n", result.StagedRemoved)
	}
	if result.RollbackPointsRemoved > 0 {
		fmt.Printf("[GC] Removed %d rollback points\n", result.RollbackPointsRemoved)
	}
	if result.BackupsRemoved > 0 {
		fmt.Printf("[GC] Removed %d backups\n", result.BackupsRemoved)
	}
	if result.BytesFreed > 0 {
		fmt.Printf("[GC] Freed %s\n", formatBytes(result.BytesFreed))
	}
	if len(result.Removed) == 0 {
		fmt.Println("[GC] Nothing to clean up")
	}
	return nil
}

func pick(flag, configured int) int {
	if flag > 0 {
		return flag
	}
	return configured
}

func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
