package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatReleases renders releases as an aligned table. When current is set,
// the installed release is marked.
func FormatReleases(releases []Release, current string) string {
	if len(releases) == 0 {
		return "No releases found."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "  %-14s %-12s %-10s %s\n", "VERSION", "DATE", "SIZE", "FLAGS")
	for _, r := range releases {
		marker := " "
		if current != "" && r.Version == current {
			marker = "*"
		}
		date := "-"
		if !r.ReleaseDate.IsZero() {
			date = r.ReleaseDate.Format("2006-01-02")
		}
		fmt.Fprintf(&b, "%s %-14s %-12s %-10s %s\n", marker, r.Version, date, formatSize(r.FileSize), flags(r))
	}
	return b.String()
}

// FormatAvailability renders the result of an update check.
func FormatAvailability(av *Availability) string {
	if av.LatestVersion == "" {
		return fmt.Sprintf("Current version: %s\nNo releases published.", av.CurrentVersion)
	}
	if !av.Available {
		return fmt.Sprintf("Current version: %s\nUp to date (latest %s).", av.CurrentVersion, av.LatestVersion)
	}
	if av.Mandatory {
		return fmt.Sprintf("Current version: %s\nUpdate available: %s (mandatory)", av.CurrentVersion, av.LatestVersion)
	}
	return fmt.Sprintf("Current version: %s\nUpdate available: %s", av.CurrentVersion, av.LatestVersion)
}

// FormatJSON serialises any manifest value as indented JSON.
func FormatJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func flags(r Release) string {
	var f []string
	if r.Prerelease {
		f = append(f, "prerelease")
	}
	if r.BreakingChanges {
		f = append(f, "breaking")
	}
	if r.RequiresManualSteps {
		f = append(f, "manual")
	}
	if r.Mandatory {
		f = append(f, "mandatory")
	}
	if r.Checksum == "" {
		f = append(f, "unverified")
	}
	return strings.Join(f, ",")
}

func formatSize(n int64) string {
	switch {
	case n <= 0:
		return "-"
	case n < 1024:
		return fmt.Sprintf("%dB", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1fKB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1fMB", float64(n)/(1024*1024))
	}
}
