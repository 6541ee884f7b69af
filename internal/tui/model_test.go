package tui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mcplab/internal/deploy"
	"github.com/standardbeagle/mcplab/internal/logs"
	"github.com/standardbeagle/mcplab/internal/registry"
	"github.com/standardbeagle/mcplab/pkg/events"
)

type fakeSource struct {
	mock.Mock

	mu       sync.Mutex
	projects []*registry.Project
	statuses []deploy.Status
	entries  map[string][]logs.Entry
	err      error
}

func (f *fakeSource) Projects(ctx context.Context) ([]*registry.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.projects, f.err
}

func (f *fakeSource) Deployments() []deploy.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses
}

func (f *fakeSource) Logs(projectID string, lines int) []logs.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[projectID]
}

func (f *fakeSource) Stop(ctx context.Context, projectID string) error {
	return f.Called(projectID).Error(0)
}

func (f *fakeSource) Restart(ctx context.Context, projectID string) error {
	return f.Called(projectID).Error(0)
}

func newSource() *fakeSource {
	return &fakeSource{
		projects: []*registry.Project{
			{ID: "p1", Name: "weather", Status: registry.StatusDeployed},
			{ID: "p2", Name: "notes", Status: registry.StatusCreated},
		},
		statuses: []deploy.Status{
			{Deployed: true, Active: true, ProjectID: "p1", Port: 3001, PID: 4242, Uptime: 90 * time.Second, AccessURL: "http://localhost:3001"},
		},
		entries: map[string][]logs.Entry{
			"p1": {{Timestamp: time.Now(), Level: logs.LevelSuccess, Message: "🚀 Starting server on port 3001"}},
		},
	}
}

// load runs one refresh synchronously.
func load(t *testing.T, m *Model) {
	t.Helper()
	msg := m.refreshCmd()()
	_, _ = m.Update(msg)
}

func keyMsg(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestModelRendersProjects(t *testing.T) {
	m := NewModel(newSource())
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 30})
	load(t, m)

	view := m.View()
	assert.Contains(t, view, "2 projects, 1 deployed")
	assert.Contains(t, view, "weather")
	assert.Contains(t, view, "3001")
	assert.Contains(t, view, "1m30s")
	assert.Contains(t, view, "notes")
}

func TestModelEmptyState(t *testing.T) {
	m := NewModel(&fakeSource{})
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 30})
	load(t, m)
	assert.Contains(t, m.View(), "No projects yet")
}

func TestModelTooSmall(t *testing.T) {
	m := NewModel(newSource())
	m.Update(tea.WindowSizeMsg{Width: 20, Height: 5})
	assert.Equal(t, "Terminal too small", m.View())
}

func TestModelSourceError(t *testing.T) {
	src := newSource()
	src.err = errors.New("registry unavailable")
	m := NewModel(src)
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 30})
	load(t, m)
	assert.Contains(t, m.View(), "registry unavailable")
}

func TestModelToggleLogs(t *testing.T) {
	m := NewModel(newSource())
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 30})
	load(t, m)

	m.Update(keyMsg("enter"))
	assert.True(t, m.showLogs)
	assert.Contains(t, m.View(), "Starting server on port 3001")

	m.Update(keyMsg("down"))
	assert.Equal(t, "p2", m.selectedID())
	assert.Contains(t, m.View(), "No deployment logs")
}

func TestModelStopAndRestart(t *testing.T) {
	src := newSource()
	src.On("Stop", "p1").Return(nil).Once()
	src.On("Restart", "p1").Return(errors.New("no deployment")).Once()

	m := NewModel(src)
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 30})
	load(t, m)

	_, cmd := m.Update(keyMsg("s"))
	require.NotNil(t, cmd)
	m.Update(cmd())
	assert.Contains(t, m.View(), "stopped p1")

	_, cmd = m.Update(keyMsg("r"))
	require.NotNil(t, cmd)
	m.Update(cmd())
	assert.Contains(t, m.View(), "no deployment")

	src.AssertExpectations(t)
}

func TestModelQuit(t *testing.T) {
	m := NewModel(newSource())
	_, cmd := m.Update(keyMsg("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestModelRefreshesOnEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Shutdown()
	m := NewModel(newSource(), WithEventBus(bus), WithRefreshInterval(time.Hour))
	m.Init()
	defer m.Close()

	bus.Publish(events.Event{Type: events.DeployStarted, ProjectID: "p1"})
	select {
	case msg := <-m.updateChan:
		assert.Equal(t, refreshMsg{}, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a refresh after a deployment event")
	}
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "45s", formatUptime(45*time.Second))
	assert.Equal(t, "2m05s", formatUptime(125*time.Second))
	assert.Equal(t, "3h07m", formatUptime(3*time.Hour+7*time.Minute))
}
