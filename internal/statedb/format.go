package statedb

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lyndonlyu/upkeep/internal/attempt"
)

// FormatStatus returns a human-readable summary of the database location
// and row counts.
func FormatStatus(path string, stateCount, attemptCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Database: %s\n", path)
	fmt.Fprintf(&b, "State entries: %d\n", stateCount)
	fmt.Fprintf(&b, "Update attempts: %d\n", attemptCount)
	return b.String()
}

// FormatStateList returns a formatted table of state entries with columns
// KEY, VALUE, and UPDATED_AT.
func FormatStateList(entries []StateEntry) string {
	if len(entries) == 0 {
		return "No state entries.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-30s %-30s %-25s\n", "KEY", "VALUE", "UPDATED_AT")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-30s %-30s %-25s\n", e.Key, e.Value, e.UpdatedAt)
	}
	return b.String()
}

// FormatHistory returns a table of attempts with columns ID, FROM, TO,
// STATUS, BY, STARTED and FINISHED.
func FormatHistory(attempts []*attempt.Attempt) string {
	if len(attempts) == 0 {
		return "No update attempts.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-10s %-10s %-12s %-12s %-20s %-20s\n",
		"ID", "FROM", "TO", "STATUS", "BY", "STARTED", "FINISHED")
	for _, a := range attempts {
		fmt.Fprintf(&b, "%-10s %-10s %-10s %-12s %-12s %-20s %-20s\n",
			shortID(a.ID), a.FromVersion, a.ToVersion, a.Status, a.InitiatedBy,
			a.StartedAt.Local().Format(time.DateTime), finished(a.CompletedAt))
	}
	return b.String()
}

// FormatHistoryJSON returns the attempts as indented JSON.
func FormatHistoryJSON(attempts []*attempt.Attempt) (string, error) {
	data, err := json.MarshalIndent(attempts, "", "  ")
	if err != nil {
		return "", fmt.Errorf("statedb: json marshal: %w", err)
	}
	return string(data), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func finished(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
