package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/lyndonlyu/upkeep/internal/attempt"
)

var (
	styleBanner  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleSpinner = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	styleStatus  = map[attempt.Status]lipgloss.Style{
		attempt.StatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		attempt.StatusFailed:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		attempt.StatusRolledBack: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	}
)

func renderStatus(s attempt.Status) string {
	if st, ok := styleStatus[s]; ok {
		return st.Render(string(s))
	}
	return string(s)
}

// renderMarkdown renders release notes for terminal display.
func renderMarkdown(text string) string {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimSpace(out)
}

func jsonOutput() bool {
	return outputFormat == "json"
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
