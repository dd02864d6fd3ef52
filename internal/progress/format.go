package progress

import (
	"fmt"
	"strings"
	"time"
)

// FormatReport formats a progress report for display.
func FormatReport(report Report) string {
	var b strings.Builder
	if report.AttemptID != "" {
		fmt.Fprintf(&b, "Attempt:   %s\n", report.AttemptID)
	}
	fmt.Fprintf(&b, "Operation: %s\n", report.Operation)
	fmt.Fprintf(&b, "Stage:     %s\n", report.Stage)
	fmt.Fprintf(&b, "Percent:   %d%%\n", report.Percent)
	fmt.Fprintf(&b, "Status:    %s\n", report.Status)
	fmt.Fprintf(&b, "Message:   %s\n", report.Message)
	fmt.Fprintf(&b, "Started:   %s\n", report.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Updated:   %s\n", report.UpdatedAt.Format(time.RFC3339))
	return b.String()
}

// FormatBar renders a one-line progress bar of the given width.
func FormatBar(report Report, width int) string {
	if width <= 0 {
		width = 30
	}
	filled := report.Percent * width / 100
	return fmt.Sprintf("[%s%s] %3d%% %s",
		strings.Repeat("#", filled), strings.Repeat(".", width-filled),
		report.Percent, report.Stage)
}

