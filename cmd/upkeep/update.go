package main

import (
	"context"
	"fmt"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/lyndonlyu/upkeep/internal/rollback"
)

var downloadCmd = &cobra.Command{
	Use:   "download [version]",
	Short: "Download and verify a release without applying it",
	Args:  cobra.ExactArgs(1),
	RunE:  runDownload,
}

var applyCmd = &cobra.Command{
	Use:   "apply [version]",
	Short: "Back up, install and migrate a release",
	Long: "Apply downloads the release if needed, backs up data and the files of the " +
		"installed version, promotes the new tree, runs migrations, installs, builds and " +
		"validates. A failure is recorded on the attempt; nothing is rolled back automatically.",
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback [attempt-id]",
	Short: "Restore the state recorded before a failed or completed update",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

var (
	operatorName   string
	rollbackAssets bool
)

func init() {
	for _, c := range []*cobra.Command{downloadCmd, applyCmd, rollbackCmd} {
		c.Flags().StringVar(&operatorName, "operator", "", "Operator recorded on the attempt (default: current user)")
	}
	rollbackCmd.Flags().BoolVar(&rollbackAssets, "assets", false, "Also restore asset directories from the backup")
}

func operator() string {
	if operatorName != "" {
		return operatorName
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}

func runDownload(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	spin := NewSpinner(a.progress)
	att, err := a.updates.Download(context.Background(), args[0], operator())
	spin.Stop()
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(att)
	}
	fmt.Println(styleSuccess.Render(fmt.Sprintf("Downloaded %s", att.ToVersion)))
	fmt.Printf("Attempt:  %s\n", att.ID)
	fmt.Printf("File:     %s\n", att.FilePath)
	fmt.Printf("Checksum: %s\n", att.Checksum)
	return nil
}

func runApply(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	spin := NewSpinner(a.progress)
	res, err := a.updates.Apply(context.Background(), args[0], operator())
	spin.Stop()
	if err != nil {
		if res != nil && res.AttemptID != "" {
			if jsonOutput() {
				_ = printJSON(res)
			} else {
				fmt.Println(styleError.Render("Update failed: " + res.Message))
				fmt.Printf("Inspect with:   upkeep history %s\n", res.AttemptID)
				fmt.Printf("Roll back with: upkeep rollback %s\n", res.AttemptID)
			}
		}
		return err
	}
	if jsonOutput() {
		return printJSON(res)
	}
	fmt.Println(styleSuccess.Render(res.Message))
	fmt.Printf("Attempt: %s\n", res.AttemptID)
	if res.RestartRequired {
		fmt.Println(styleWarn.Render("Restart the application to load " + res.ToVersion + "."))
	}
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	spin := NewSpinner(a.progress)
	res, err := a.rollbacks.Rollback(context.Background(), args[0], rollback.Options{
		RestoreAssets: rollbackAssets,
		InitiatedBy:   operator(),
	})
	spin.Stop()
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(res)
	}
	fmt.Println(styleSuccess.Render(res.Message))
	fmt.Printf("Quality:        %s\n", res.Quality)
	fmt.Printf("Tree restored:  %d entries\n", len(res.TreeRestored))
	fmt.Printf("Files restored: %d\n", len(res.FilesRestored))
	fmt.Printf("Data restored:  %t\n", res.DataRestored)
	fmt.Printf("Duration:       %s\n", res.Duration)
	return nil
}

