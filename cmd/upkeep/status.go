package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lyndonlyu/upkeep/internal/manifest"
	"github.com/lyndonlyu/upkeep/internal/migration"
	"github.com/lyndonlyu/upkeep/internal/precheck"
	"github.com/lyndonlyu/upkeep/internal/progress"
	"github.com/lyndonlyu/upkeep/internal/update"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show installed and latest versions, pending migrations and live progress",
	RunE:  showStatus,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Refresh the release manifest and report whether an update is available",
	RunE:  runCheck,
}

var availableCmd = &cobra.Command{
	Use:   "available",
	Short: "List releases newer than the installed version",
	RunE:  listAvailable,
}

var compatCmd = &cobra.Command{
	Use:   "compat [version]",
	Short: "Check whether a release can be installed here",
	Args:  cobra.ExactArgs(1),
	RunE:  runCompat,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the installed application version and platform",
	RunE:  showVersion,
}

var availableNotes bool

func init() {
	availableCmd.Flags().BoolVar(&availableNotes, "notes", false, "Render release notes")
}

func showStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.updates.Status(context.Background())
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(st)
	}

	fmt.Println(styleBanner.Render("Upkeep status"))
	fmt.Printf("Installed:  %s\n", st.CurrentVersion)
	latest := st.LatestVersion
	if latest == "" {
		latest = "unknown"
	}
	fmt.Printf("Latest:     %s\n", latest)
	if st.UpdateAvailable {
		fmt.Println(styleWarn.Render("Update available"))
	}
	if st.LastCheck != "" {
		fmt.Printf("Last check: %s\n", st.LastCheck)
	}
	if st.ManifestError != "" {
		fmt.Println(styleError.Render("Manifest unreachable: " + st.ManifestError))
	}
	fmt.Println()
	fmt.Println(strings.TrimRight(migration.FormatPending(st.PendingMigrations), "\n"))
	if st.Progress != nil {
		fmt.Println()
		fmt.Println(progress.FormatBar(*st.Progress, 30))
		fmt.Print(progress.FormatReport(*st.Progress))
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	av, err := a.updates.Check(context.Background())
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printManifestJSON(av)
	}
	fmt.Println(manifest.FormatAvailability(av))
	if len(av.Releases) > 0 {
		fmt.Println()
		fmt.Print(manifest.FormatReleases(av.Releases, av.CurrentVersion))
	}
	return nil
}

func listAvailable(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	releases, err := a.updates.Available(context.Background())
	if err != nil {
		return err
	}
	if jsonOutput() {
		if releases == nil {
			releases = []manifest.Release{}
		}
		return printManifestJSON(releases)
	}
	if len(releases) == 0 {
		fmt.Println("Up to date.")
		return nil
	}
	fmt.Print(manifest.FormatReleases(releases, ""))
	if availableNotes {
		for _, r := range releases {
			notes := strings.TrimSpace(r.ReleaseNotes)
			if notes == "" {
				continue
			}
			fmt.Println()
			fmt.Println(styleBanner.Render(r.Version))
			fmt.Println(renderMarkdown(notes))
		}
	}
	return nil
}

func runCompat(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.updates.Compatibility(context.Background(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput() {
		out, err := precheck.FormatReportJSON(report)
		if err != nil {
			return err
		}
		fmt.Println(out)
	} else {
		fmt.Print(precheck.FormatReport(report))
	}
	if !report.Compatible {
		return fmt.Errorf("%s is not compatible with this installation", args[0])
	}
	return nil
}

func showVersion(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := a.updates.Version()
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(struct {
			Upkeep string `json:"upkeep"`
			*update.VersionInfo
		}{Upkeep: buildVersion, VersionInfo: info})
	}
	fmt.Printf("Application: %s\n", info.Version)
	fmt.Printf("Platform:    %s/%s (%s)\n", info.Platform, info.Arch, info.GoVersion)
	fmt.Printf("Upkeep:      %s\n", buildVersion)
	return nil
}

func printManifestJSON(v any) error {
	out, err := manifest.FormatJSON(v)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
