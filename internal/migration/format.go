package migration

import (
	"fmt"
	"strings"
)

// FormatStatus returns a human-readable status string showing the current
// schema version versus the latest, plus a status message indicating whether
// migrations are pending.
func FormatStatus(current, latest int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Schema version: %d/%d\n", current, latest)

	pending := latest - current
	if pending <= 0 {
		b.WriteString("Status: up to date\n")
	} else {
		fmt.Fprintf(&b, "Status: %d migrations pending\n", pending)
	}

	return b.String()
}

// FormatPending lists application migrations that have not been applied.
func FormatPending(ids []string) string {
	if len(ids) == 0 {
		return "No pending migrations."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d pending migrations:\n", len(ids))
	for _, id := range ids {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	return b.String()
}
