package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Border styles
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Status styles
var (
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	StyleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("green")).
				Bold(true)

	StyleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	StyleStatusRetrying = lipgloss.NewStyle().
				Foreground(lipgloss.Color("208"))

	StyleStatusSkipped = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244")).
				Italic(true)

	StyleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleSelected = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0"))

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// outcomeStyle picks the style for a chain outcome string.
func outcomeStyle(outcome string) lipgloss.Style {
	switch outcome {
	case "completed":
		return StyleStatusComplete
	case "completed_with_failures":
		return StyleStatusRetrying
	case "failed", "aborted":
		return StyleStatusFailed
	default:
		return StyleStatusRunning
	}
}
