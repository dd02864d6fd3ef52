package precheck

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatReport returns a human-readable summary of a compatibility report.
func FormatReport(report *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Compatibility check for %s:\n\n", report.Version)
	for _, r := range report.Results {
		tag := "[PASS]"
		switch {
		case r.Passed:
		case r.Blocking:
			tag = "[FAIL]"
		default:
			tag = "[WARN]"
		}
		fmt.Fprintf(&b, "  %s %s: %s\n", tag, r.Name, r.Message)
	}
	b.WriteString("\n")
	verdict := "COMPATIBLE"
	if !report.Compatible {
		verdict = "INCOMPATIBLE"
	}
	fmt.Fprintf(&b, "Result: %s (%d issues, %d warnings, %s)\n",
		verdict, len(report.Issues), len(report.Warnings), report.Duration)
	return b.String()
}

// FormatReportJSON returns the report as indented JSON.
func FormatReportJSON(report *Report) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("precheck: json marshal: %w", err)
	}
	return string(data), nil
}
