package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskchain/internal/events"
)

// ChainPaneModel shows overall chain progress.
type ChainPaneModel struct {
	chain     string
	runID     string
	total     int
	completed int
	running   int
	failed    int
	skipped   int
	pending   int
	outcome   string
	duration  time.Duration
	width     int
	height    int
	focused   bool
}

// NewChainPaneModel creates a chain pane for the named chain.
func NewChainPaneModel(chain string) ChainPaneModel {
	return ChainPaneModel{chain: chain}
}

// Update handles messages for the chain pane.
func (m ChainPaneModel) Update(msg tea.Msg) (ChainPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.ChainStartedEvent:
		m.runID = msg.RunID
		m.total = msg.Total
		m.pending = msg.Total
		if msg.Chain != "" {
			m.chain = msg.Chain
		}

	case events.ChainProgressEvent:
		m.total = msg.Total
		m.completed = msg.Completed
		m.running = msg.Running
		m.failed = msg.Failed
		m.skipped = msg.Skipped
		m.pending = msg.Pending

	case events.ChainFinishedEvent:
		m.outcome = msg.Outcome
		m.duration = msg.Duration
		m.running = 0
	}

	return m, nil
}

// Finished reports whether the chain has published its outcome.
func (m ChainPaneModel) Finished() bool {
	return m.outcome != ""
}

// View renders the chain pane.
func (m ChainPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Chain " + m.chain)
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if m.runID != "" {
		b.WriteString(fmt.Sprintf("Run:       %s\n", m.runID))
	}
	b.WriteString(fmt.Sprintf("Total:     %d\n", m.total))
	b.WriteString(fmt.Sprintf("Completed: %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", m.completed))))
	b.WriteString(fmt.Sprintf("Running:   %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", m.running))))
	b.WriteString(fmt.Sprintf("Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", m.failed))))
	b.WriteString(fmt.Sprintf("Skipped:   %s\n", StyleStatusSkipped.Render(fmt.Sprintf("%d", m.skipped))))
	b.WriteString(fmt.Sprintf("Pending:   %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", m.pending))))
	b.WriteString("\n")

	if m.total > 0 {
		b.WriteString(m.progressBar())
		b.WriteString("\n")
	}

	if m.Finished() {
		b.WriteString("\n")
		b.WriteString(outcomeStyle(m.outcome).Render(fmt.Sprintf("Outcome: %s in %v", m.outcome, m.duration.Round(time.Millisecond))))
		b.WriteString("\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m ChainPaneModel) progressBar() string {
	barWidth := min(m.width-12, 40)
	if barWidth < 1 {
		barWidth = 1
	}
	completedWidth := (m.completed * barWidth) / m.total
	failedWidth := (m.failed * barWidth) / m.total
	skippedWidth := (m.skipped * barWidth) / m.total
	runningWidth := (m.running * barWidth) / m.total
	pendingWidth := barWidth - completedWidth - failedWidth - skippedWidth - runningWidth

	bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
	bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
	bar += StyleStatusSkipped.Render(strings.Repeat("~", max(0, skippedWidth)))
	bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
	bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

	done := m.completed + m.failed + m.skipped
	return fmt.Sprintf("[%s]  %d/%d", bar, done, m.total)
}

// SetSize updates the pane dimensions.
func (m *ChainPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ChainPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
