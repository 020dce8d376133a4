package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskchain/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneChain
	paneCount
)

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane    TaskPaneModel
	chainPane   ChainPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	width       int
	height      int
	quitting    bool
	autoQuit    bool
}

// Option configures the TUI model.
type Option func(*Model)

// WithAutoQuit makes the program exit as soon as the chain finishes.
func WithAutoQuit() Option {
	return func(m *Model) { m.autoQuit = true }
}

// New creates a new TUI model subscribed to every event on the bus.
func New(eventBus *events.EventBus, chain string, opts ...Option) Model {
	m := Model{
		taskPane:    NewTaskPaneModel(),
		chainPane:   NewChainPaneModel(chain),
		focusedPane: PaneTasks,
		eventSub:    eventBus.SubscribeAll(256),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneChain
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.TaskStartedEvent, events.TaskOutputEvent, events.TaskCompletedEvent,
		events.TaskFailedEvent, events.TaskRetryingEvent, events.TaskSkippedEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.ChainStartedEvent, events.ChainProgressEvent:
		var cmd tea.Cmd
		m.chainPane, cmd = m.chainPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.ChainFinishedEvent:
		var cmd tea.Cmd
		m.chainPane, cmd = m.chainPane.Update(msg)
		cmds = append(cmds, cmd)
		if m.autoQuit {
			m.quitting = true
			return m, tea.Quit
		}
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// Finished reports whether the chain has finished.
func (m Model) Finished() bool {
	return m.chainPane.Finished()
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.chainPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

// computeLayout gives the task pane 65% of the width and the chain pane the rest.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.chainPane.SetSize(rightWidth, availableHeight)

	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.chainPane.SetFocused(m.focusedPane == PaneChain)
}
