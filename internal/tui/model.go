// Package tui is the terminal dashboard for projects and their deployments.
package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/standardbeagle/mcplab/internal/deploy"
	"github.com/standardbeagle/mcplab/internal/registry"
	"github.com/standardbeagle/mcplab/pkg/events"
)

const (
	MinTerminalWidth  = 40
	MinTerminalHeight = 10

	// DefaultLogLines is how many lines the log pane asks for.
	DefaultLogLines = 200

	updateChannelBufferSize = 100
	notificationTTL         = 3 * time.Second
)

type tickMsg struct{}
type refreshMsg struct{}

// dataMsg carries a fresh snapshot from the source.
type dataMsg struct {
	rows []row
	err  error
}

type actionMsg struct {
	text string
	err  error
}

type row struct {
	project *registry.Project
	status  *deploy.Status
}

type Model struct {
	source   Source
	eventBus *events.EventBus
	interval time.Duration

	table    table.Model
	logs     viewport.Model
	help     help.Model
	rows     []row
	showLogs bool
	showHelp bool

	width  int
	height int

	updateChan       chan tea.Msg
	unsubscribe      []func()
	notification     string
	notificationTime time.Time
	lastErr          error
}

// Option configures a Model.
type Option func(*Model)

// WithEventBus refreshes the dashboard as soon as deployments change.
func WithEventBus(bus *events.EventBus) Option {
	return func(m *Model) { m.eventBus = bus }
}

// WithRefreshInterval sets the polling period; the default is one second.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Model) { m.interval = d }
}

func NewModel(source Source, opts ...Option) *Model {
	t := table.New(
		table.WithColumns(columns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("15")).
		Background(lipgloss.Color("62"))
	t.SetStyles(styles)

	m := &Model{
		source:     source,
		interval:   time.Second,
		table:      t,
		logs:       viewport.New(0, 0),
		help:       help.New(),
		updateChan: make(chan tea.Msg, updateChannelBufferSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func columns(width int) []table.Column {
	// Project and URL share what is left after the fixed columns
	fixed := 12 + 7 + 8 + 10
	flex := width - fixed - 12
	if flex < 20 {
		flex = 20
	}
	return []table.Column{
		{Title: "Project", Width: flex / 2},
		{Title: "Status", Width: 12},
		{Title: "Port", Width: 7},
		{Title: "PID", Width: 8},
		{Title: "Uptime", Width: 10},
		{Title: "URL", Width: flex - flex/2},
	}
}

func (m *Model) Init() tea.Cmd {
	if m.eventBus != nil {
		notify := func(events.Event) {
			select {
			case m.updateChan <- refreshMsg{}:
			default:
			}
		}
		for _, t := range []events.EventType{events.DeployStarted, events.DeployStopped, events.DeployFailed, events.DebugStarted, events.DebugStopped} {
			m.unsubscribe = append(m.unsubscribe, m.eventBus.Subscribe(t, notify))
		}
	}
	return tea.Batch(
		m.refreshCmd(),
		m.waitForUpdates(),
		m.tickCmd(),
	)
}

// Close drops the event subscriptions made by Init.
func (m *Model) Close() {
	for _, unsubscribe := range m.unsubscribe {
		unsubscribe()
	}
	m.unsubscribe = nil
}

func (m *Model) waitForUpdates() tea.Cmd {
	return func() tea.Msg {
		return <-m.updateChan
	}
}

func (m *Model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m *Model) refreshCmd() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		projects, err := source.Projects(context.Background())
		if err != nil {
			return dataMsg{err: err}
		}
		statuses := make(map[string]deploy.Status)
		for _, s := range source.Deployments() {
			statuses[s.ProjectID] = s
		}
		rows := make([]row, 0, len(projects))
		for _, p := range projects {
			r := row{project: p}
			if s, ok := statuses[p.ID]; ok {
				s := s
				r.status = &s
			}
			rows = append(rows, r)
		}
		return dataMsg{rows: rows}
	}
}

func (m *Model) actionCmd(verb string, fn func(ctx context.Context, id string) error, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := fn(ctx, id); err != nil {
			return actionMsg{err: fmt.Errorf("%s %s: %w", verb, id, err)}
		}
		return actionMsg{text: fmt.Sprintf("%s %s", verb, id)}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()

	case tickMsg:
		cmds = append(cmds, m.refreshCmd(), m.tickCmd())

	case refreshMsg:
		cmds = append(cmds, m.refreshCmd(), m.waitForUpdates())

	case dataMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			break
		}
		m.lastErr = nil
		m.rows = msg.rows
		m.table.SetRows(m.tableRows())
		m.updateLogs()

	case actionMsg:
		m.notification = msg.text
		if msg.err != nil {
			m.notification = msg.err.Error()
		}
		m.notificationTime = time.Now()
		cmds = append(cmds, m.refreshCmd())

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.Close()
			return m, tea.Quit
		case key.Matches(msg, keys.Help):
			m.showHelp = !m.showHelp
			return m, nil
		case key.Matches(msg, keys.Logs):
			m.showLogs = !m.showLogs
			m.layout()
			m.updateLogs()
			return m, nil
		case key.Matches(msg, keys.Refresh):
			return m, m.refreshCmd()
		case key.Matches(msg, keys.Stop):
			if id := m.selectedID(); id != "" {
				return m, m.actionCmd("stopped", m.source.Stop, id)
			}
			return m, nil
		case key.Matches(msg, keys.Restart):
			if id := m.selectedID(); id != "" {
				return m, m.actionCmd("restarted", m.source.Restart, id)
			}
			return m, nil
		}

		var cmd tea.Cmd
		if m.showLogs && (key.Matches(msg, keys.PageUp) || key.Matches(msg, keys.PageDown)) {
			m.logs, cmd = m.logs.Update(msg)
			return m, cmd
		}
		m.table, cmd = m.table.Update(msg)
		m.updateLogs()
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) layout() {
	if m.width == 0 {
		return
	}
	m.table.SetColumns(columns(m.width))
	m.table.SetWidth(m.width)

	// Title, blank line, footer and notification
	available := m.height - 4
	if m.showLogs {
		tableHeight := available / 2
		m.table.SetHeight(tableHeight)
		m.logs.Width = m.width - 2
		m.logs.Height = available - tableHeight - 2
	} else {
		m.table.SetHeight(available)
	}
}

func (m *Model) tableRows() []table.Row {
	out := make([]table.Row, 0, len(m.rows))
	for _, r := range m.rows {
		port, pid, uptime, url := "-", "-", "-", ""
		if r.status != nil {
			port = strconv.Itoa(r.status.Port)
			pid = strconv.Itoa(r.status.PID)
			uptime = formatUptime(r.status.Uptime)
			url = r.status.AccessURL
		}
		status := string(r.project.Status)
		if r.status != nil && !r.status.Active {
			status = "exited"
		}
		out = append(out, table.Row{r.project.Name, status, port, pid, uptime, url})
	}
	return out
}

func (m *Model) selectedID() string {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.rows) {
		return ""
	}
	return m.rows[i].project.ID
}

func (m *Model) updateLogs() {
	if !m.showLogs {
		return
	}
	id := m.selectedID()
	if id == "" {
		m.logs.SetContent(dimStyle.Render("No project selected"))
		return
	}
	entries := m.source.Logs(id, DefaultLogLines)
	if len(entries) == 0 {
		m.logs.SetContent(dimStyle.Render("No deployment logs"))
		return
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(dimStyle.Render(e.Timestamp.Format("15:04:05")))
		b.WriteString(" ")
		b.WriteString(levelStyle(e.Level).Render(e.Message))
		b.WriteString("\n")
	}
	m.logs.SetContent(b.String())
	m.logs.GotoBottom()
}

func (m *Model) View() string {
	if m.width > 0 && (m.width < MinTerminalWidth || m.height < MinTerminalHeight) {
		return "Terminal too small"
	}

	deployed := 0
	for _, r := range m.rows {
		if r.status != nil {
			deployed++
		}
	}
	title := titleStyle.Render(fmt.Sprintf("mcplab - %d projects, %d deployed", len(m.rows), deployed))

	var body string
	if len(m.rows) == 0 {
		body = dimStyle.Render("No projects yet. Create one with: mcplab projects create <name>")
	} else {
		body = m.table.View()
		if m.showLogs {
			body = lipgloss.JoinVertical(lipgloss.Left, body, boxStyle.Render(m.logs.View()))
		}
	}

	status := ""
	switch {
	case m.lastErr != nil:
		status = redStyle.Render(m.lastErr.Error())
	case m.notification != "" && time.Since(m.notificationTime) < notificationTTL:
		status = notificationStyle.Render(m.notification)
	}

	footer := m.help.ShortHelpView(keys.ShortHelp())
	if m.showHelp {
		footer = m.help.FullHelpView(keys.FullHelp())
	}

	return lipgloss.JoinVertical(lipgloss.Left, title, "", body, status, footer)
}

// Run starts the dashboard on the terminal and blocks until the user quits
// or ctx is cancelled.
func Run(ctx context.Context, source Source, opts ...Option) error {
	m := NewModel(source, opts...)
	defer m.Close()
	p := tea.NewProgram(m, tea.WithAltScreen())

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		p.Quit()
		return <-done
	}
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return d.String()
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
