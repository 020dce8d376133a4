package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskchain/internal/events"
)

const taskListWidth = 25

// Task statuses as shown in the list.
const (
	StatusRunning   = "running"
	StatusRetrying  = "retrying"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// TaskView is the display state of a single task.
type TaskView struct {
	TaskID    string
	Name      string
	Adapter   string
	Status    string
	Attempt   int
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel lists tasks and shows the selected task's output.
type TaskPaneModel struct {
	tasks       map[string]*TaskView // taskID -> view
	taskOrder   []string             // first-seen order for display
	selectedIdx int
	follow      bool // select each task as it starts
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	vp := viewport.New(0, 0)
	return TaskPaneModel{
		tasks:    make(map[string]*TaskView),
		follow:   true,
		viewport: vp,
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.follow = false
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.follow = false
				m.updateViewportContent()
			}
		case KeyFollow:
			m.follow = !m.follow
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		task := m.ensure(msg.ID, msg.Name)
		task.Adapter = msg.Adapter
		task.Status = StatusRunning
		task.Attempt = msg.Attempt
		if msg.Attempt == 1 {
			task.StartTime = msg.Timestamp
		} else {
			task.Output = append(task.Output, fmt.Sprintf("[Attempt %d]", msg.Attempt))
		}
		if m.follow {
			m.selectedIdx = m.indexOf(msg.ID)
		}
		if m.SelectedTaskID() == msg.ID {
			m.updateViewportContent()
		}

	case events.TaskOutputEvent:
		if task, ok := m.tasks[msg.ID]; ok {
			task.Output = append(task.Output, msg.Line)
			if m.SelectedTaskID() == msg.ID {
				m.updateTag++
				tag := m.updateTag
				return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
					return tickMsg{tag: tag}
				})
			}
		}

	case events.TaskCompletedEvent:
		if task, ok := m.tasks[msg.ID]; ok {
			task.Status = StatusCompleted
			task.Duration = msg.Duration
			task.Output = append(task.Output, fmt.Sprintf("\n[Completed in %v, exit %d]", msg.Duration.Round(time.Millisecond), msg.ExitCode))
			m.refreshIfSelected(msg.ID)
		}

	case events.TaskFailedEvent:
		if task, ok := m.tasks[msg.ID]; ok {
			task.Status = StatusFailed
			task.Duration = msg.Duration
			task.Output = append(task.Output, fmt.Sprintf("\n[Failed (%s): %v, %s]", msg.Kind, msg.Err, msg.Decision))
			m.refreshIfSelected(msg.ID)
		}

	case events.TaskRetryingEvent:
		if task, ok := m.tasks[msg.ID]; ok {
			task.Status = StatusRetrying
			task.Output = append(task.Output, fmt.Sprintf("[Retrying in %v]", msg.Delay))
			m.refreshIfSelected(msg.ID)
		}

	case events.TaskSkippedEvent:
		task := m.ensure(msg.ID, msg.ID)
		task.Status = StatusSkipped
		task.Output = append(task.Output, fmt.Sprintf("[Skipped: %s]", msg.Reason))
		m.refreshIfSelected(msg.ID)

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m *TaskPaneModel) ensure(id, name string) *TaskView {
	if task, ok := m.tasks[id]; ok {
		return task
	}
	task := &TaskView{TaskID: id, Name: name}
	m.tasks[id] = task
	m.taskOrder = append(m.taskOrder, id)
	if len(m.taskOrder) == 1 {
		m.selectedIdx = 0
		m.updateViewportContent()
	}
	return task
}

func (m TaskPaneModel) indexOf(id string) int {
	for i, taskID := range m.taskOrder {
		if taskID == id {
			return i
		}
	}
	return m.selectedIdx
}

func (m *TaskPaneModel) refreshIfSelected(id string) {
	if m.SelectedTaskID() == id {
		m.updateViewportContent()
	}
}

// Task returns the display state of a task.
func (m TaskPaneModel) Task(id string) (TaskView, bool) {
	task, ok := m.tasks[id]
	if !ok {
		return TaskView{}, false
	}
	return *task, true
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - taskListWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(taskListWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	} else {
		for i, id := range m.taskOrder {
			task := m.tasks[id]
			name := task.Name
			if name == "" {
				name = id
			}
			if len(name) > width-6 {
				name = name[:width-9] + "..."
			}

			line := fmt.Sprintf("%s %s", StatusIcon(task.Status), name)
			if i == m.selectedIdx {
				line = StyleSelected.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case StatusRunning:
		return StyleStatusRunning.Render("●")
	case StatusRetrying:
		return StyleStatusRetrying.Render("↻")
	case StatusCompleted:
		return StyleStatusComplete.Render("✓")
	case StatusFailed:
		return StyleStatusFailed.Render("✗")
	case StatusSkipped:
		return StyleStatusSkipped.Render("-")
	default:
		return StyleStatusPending.Render("○")
	}
}

// SelectedTaskID returns the ID of the selected task, empty if none.
func (m TaskPaneModel) SelectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

func (m *TaskPaneModel) updateViewportContent() {
	task, ok := m.tasks[m.SelectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	m.viewport.SetContent(strings.Join(task.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	viewportWidth := m.width - taskListWidth - 4
	viewportHeight := m.height - 4

	if viewportWidth < 10 {
		viewportWidth = 10
	}
	if viewportHeight < 5 {
		viewportHeight = 5
	}

	m.viewport.Width = viewportWidth
	m.viewport.Height = viewportHeight
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
