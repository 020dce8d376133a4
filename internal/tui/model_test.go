package tui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskchain/internal/events"
)

func runeKey(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func send(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		var ok bool
		m, ok = next.(Model)
		require.True(t, ok)
	}
	return m
}

func newTestModel(t *testing.T, opts ...Option) Model {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	return send(t, New(bus, "daily", opts...), tea.WindowSizeMsg{Width: 120, Height: 40})
}

func TestTaskPane_TracksLifecycle(t *testing.T) {
	now := time.Now()
	m := newTestModel(t)
	m = send(t, m,
		events.TaskStartedEvent{ID: "login", Name: "Login", Adapter: "python", Attempt: 1, Timestamp: now},
		events.TaskOutputEvent{ID: "login", Line: "connecting"},
		events.TaskFailedEvent{ID: "login", Attempt: 1, Kind: "execute", Decision: "retry", Err: errors.New("exit 1")},
		events.TaskRetryingEvent{ID: "login", NextAttempt: 2, Delay: time.Second},
	)

	task, ok := m.taskPane.Task("login")
	require.True(t, ok)
	assert.Equal(t, StatusRetrying, task.Status)
	assert.Equal(t, now, task.StartTime)

	m = send(t, m,
		events.TaskStartedEvent{ID: "login", Name: "Login", Attempt: 2, Timestamp: now.Add(time.Second)},
		events.TaskCompletedEvent{ID: "login", Attempt: 2, Duration: time.Second},
		events.TaskSkippedEvent{ID: "collect", Reason: "dependency_failed"},
	)

	task, _ = m.taskPane.Task("login")
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 2, task.Attempt)
	assert.Equal(t, now, task.StartTime)
	assert.Contains(t, task.Output, "connecting")
	assert.Contains(t, task.Output, "[Attempt 2]")

	skipped, ok := m.taskPane.Task("collect")
	require.True(t, ok)
	assert.Equal(t, StatusSkipped, skipped.Status)
}

func TestTaskPane_FollowAndSelect(t *testing.T) {
	m := newTestModel(t)
	m = send(t, m,
		events.TaskStartedEvent{ID: "a", Attempt: 1},
		events.TaskStartedEvent{ID: "b", Attempt: 1},
	)
	assert.Equal(t, "b", m.taskPane.SelectedTaskID())

	m = send(t, m, runeKey(KeyK))
	assert.Equal(t, "a", m.taskPane.SelectedTaskID())

	// Manual selection stops following
	m = send(t, m, events.TaskStartedEvent{ID: "c", Attempt: 1})
	assert.Equal(t, "a", m.taskPane.SelectedTaskID())
}

func TestChainPane_Progress(t *testing.T) {
	m := newTestModel(t)
	m = send(t, m,
		events.ChainStartedEvent{RunID: "r1", Chain: "daily", Total: 4},
		events.ChainProgressEvent{RunID: "r1", Total: 4, Completed: 2, Failed: 1, Pending: 1},
	)
	assert.Equal(t, 2, m.chainPane.completed)
	assert.False(t, m.Finished())

	m = send(t, m, events.ChainFinishedEvent{RunID: "r1", Outcome: "completed_with_failures", Duration: time.Second})
	assert.True(t, m.Finished())
	assert.Contains(t, m.View(), "completed_with_failures")
}

func TestModel_FocusCycle(t *testing.T) {
	m := newTestModel(t)
	assert.Equal(t, PaneTasks, m.focusedPane)

	m = send(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, PaneChain, m.focusedPane)

	m = send(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, PaneTasks, m.focusedPane)

	m = send(t, m, runeKey(KeyPane2))
	assert.Equal(t, PaneChain, m.focusedPane)
}

func TestModel_AutoQuit(t *testing.T) {
	m := newTestModel(t, WithAutoQuit())
	next, cmd := m.Update(events.ChainFinishedEvent{Outcome: "completed"})
	require.NotNil(t, cmd)
	assert.True(t, next.(Model).quitting)
	assert.Equal(t, tea.Quit(), cmd())
}
