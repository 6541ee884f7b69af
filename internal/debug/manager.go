// Package debug runs interactive debug sessions against a project's MCP
// server: tools are discovered once and cached, and every execution runs
// against a fresh server process.
package debug

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/mcplab/internal/discovery"
	"github.com/standardbeagle/mcplab/internal/logging"
	"github.com/standardbeagle/mcplab/internal/mcp"
	"github.com/standardbeagle/mcplab/internal/process"
	"github.com/standardbeagle/mcplab/internal/registry"
	"github.com/standardbeagle/mcplab/internal/state"
	"github.com/standardbeagle/mcplab/pkg/events"
)

// Session is a project's cached debug state.
type Session = state.Session

// ErrNoSession is reported for operations that need Start first.
var ErrNoSession = errors.New("no active debug session")

// ToolNotFoundError is reported when the server does not offer the tool.
type ToolNotFoundError struct {
	Tool      string
	Available []string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found. Available tools: [%s]", e.Tool, strings.Join(e.Available, ", "))
}

// Options configures a Manager.
type Options struct {
	FrameworkDir string
	Python       string
	// Command overrides interpreter resolution, mostly for tests.
	Command      mcp.CommandFunc
	CallTimeout  time.Duration
	StartupGrace time.Duration
	StopGrace    time.Duration
	MaxScanFiles int
}

// Manager owns debug sessions. Sessions live in the shared state store.
type Manager struct {
	state      *state.Store
	projects   registry.Store
	supervisor *process.Supervisor
	engine     *discovery.Engine
	opts       Options
	eventBus   *events.EventBus
	watcher    *discovery.Watcher
	logger     *zap.Logger
}

type ManagerOption func(*Manager)

func WithEventBus(bus *events.EventBus) ManagerOption {
	return func(m *Manager) { m.eventBus = bus }
}

// WithWatcher invalidates cached tools when a debugged project's source changes.
func WithWatcher(w *discovery.Watcher) ManagerOption {
	return func(m *Manager) { m.watcher = w }
}

func NewManager(st *state.Store, projects registry.Store, supervisor *process.Supervisor, opts Options, logger *zap.Logger, options ...ManagerOption) *Manager {
	logger = logging.OrNop(logger).Named("debug")
	m := &Manager{
		state:      st,
		projects:   projects,
		supervisor: supervisor,
		opts:       opts,
		logger:     logger,
	}
	for _, o := range options {
		o(m)
	}
	m.engine = discovery.NewEngine(supervisor, discovery.Options{
		FrameworkDir: opts.FrameworkDir,
		MaxFiles:     opts.MaxScanFiles,
		Python:       opts.Python,
		Command:      opts.Command,
		CallTimeout:  opts.CallTimeout,
		StartupGrace: opts.StartupGrace,
		StopGrace:    opts.StopGrace,
	}, logger)
	if m.watcher != nil {
		m.watcher.OnChange(m.sourceChanged)
	}
	return m
}

func lockKey(projectID string) string {
	return "debug/" + projectID
}

// Start marks the project as debugging and makes sure its tool set is
// cached. A session that already has tools is reused as is.
func (m *Manager) Start(ctx context.Context, projectID string) (*Session, error) {
	unlock := m.state.Lock(lockKey(projectID))
	defer unlock()

	project, err := m.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := registry.SetStatus(ctx, m.projects, projectID, registry.StatusDebugging, func(p *registry.Project) {
		p.DebugSessionActive = true
	}); err != nil {
		return nil, fmt.Errorf("updating project status: %w", err)
	}

	existing, ok := m.state.Session(projectID)
	if ok && len(existing.Tools) > 0 {
		m.logger.Info("Debug session started with cached tools",
			zap.String("project", projectID), zap.Int("tools", len(existing.Tools)))
		return existing, nil
	}

	sess := m.discover(ctx, project, existing)
	if m.watcher != nil && !ok {
		if err := m.watcher.Add(project.Path); err != nil {
			m.logger.Warn("Could not watch project source", zap.String("path", project.Path), zap.Error(err))
		}
	}
	m.publish(events.DebugStarted, projectID, map[string]interface{}{
		"tools":  len(sess.Tools),
		"source": string(sess.Source),
	})
	return sess, nil
}

// discover runs discovery and stores the session, keeping the start time
// and stream of a previous record.
func (m *Manager) discover(ctx context.Context, project *registry.Project, previous *Session) *Session {
	res := m.engine.Discover(ctx, project.Path)

	now := time.Now()
	sess := &Session{
		ProjectID:    project.ID,
		StartedAt:    now,
		Tools:        res.Tools,
		Resources:    res.Resources,
		Source:       res.Source,
		EntryPoint:   res.EntryPoint,
		ServerInfo:   res.ServerInfo,
		DiscoveredAt: now,
	}
	if previous != nil {
		sess.StartedAt = previous.StartedAt
		sess.Stream = previous.Stream
	}
	m.state.PutSession(sess)

	m.publish(events.ToolsDiscovered, project.ID, map[string]interface{}{
		"tools":  toolNames(res.Tools),
		"source": string(res.Source),
	})
	return sess
}

// Stop ends the session, closes any attached stream and resets the project
// status. Stopping a project without a session still resets the status.
func (m *Manager) Stop(ctx context.Context, projectID string) error {
	unlock := m.state.Lock(lockKey(projectID))
	defer unlock()

	sess, ok := m.state.DeleteSession(projectID)
	if ok && sess.Stream != nil {
		if err := sess.Stream.Close(); err != nil {
			m.logger.Debug("Closing debug stream", zap.Error(err))
		}
	}

	var path string
	err := registry.SetStatus(ctx, m.projects, projectID, registry.StatusCreated, func(p *registry.Project) {
		p.DebugSessionActive = false
		path = p.Path
	})
	if ok && m.watcher != nil && path != "" {
		if err := m.watcher.Remove(path); err != nil {
			m.logger.Debug("Removing source watch", zap.Error(err))
		}
	}
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("updating project status: %w", err)
	}

	if ok {
		m.publish(events.DebugStopped, projectID, nil)
	}
	return nil
}

// Attach registers a live connection that is closed when the session
// stops. A previously attached connection is closed.
func (m *Manager) Attach(projectID string, stream io.Closer) error {
	unlock := m.state.Lock(lockKey(projectID))
	defer unlock()

	sess, ok := m.state.Session(projectID)
	if !ok {
		return ErrNoSession
	}
	next := *sess
	next.Stream = stream
	m.state.PutSession(&next)

	if sess.Stream != nil && sess.Stream != stream {
		sess.Stream.Close()
	}
	return nil
}

// Detach forgets stream if it is still the attached one, without closing it.
func (m *Manager) Detach(projectID string, stream io.Closer) {
	unlock := m.state.Lock(lockKey(projectID))
	defer unlock()

	sess, ok := m.state.Session(projectID)
	if !ok || sess.Stream != stream {
		return
	}
	next := *sess
	next.Stream = nil
	m.state.PutSession(&next)
}

// Tools returns the cached tools, discovering them first when the cache
// is empty.
func (m *Manager) Tools(ctx context.Context, projectID string) ([]mcp.Tool, error) {
	unlock := m.state.Lock(lockKey(projectID))
	defer unlock()

	project, err := m.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	sess, ok := m.state.Session(projectID)
	if ok && len(sess.Tools) > 0 {
		return sess.Tools, nil
	}
	return m.discover(ctx, project, sess).Tools, nil
}

// Invalidate drops the cached tools so the next Start rediscovers them.
func (m *Manager) Invalidate(projectID string) {
	unlock := m.state.Lock(lockKey(projectID))
	defer unlock()

	sess, ok := m.state.Session(projectID)
	if !ok || len(sess.Tools) == 0 {
		return
	}
	next := *sess
	next.Tools = nil
	next.Resources = nil
	next.Source = discovery.SourceNone
	m.state.PutSession(&next)
	m.logger.Info("Cached tools invalidated", zap.String("project", projectID))
}

func (m *Manager) sourceChanged(change discovery.Change) {
	ctx := context.Background()
	for _, sess := range m.state.Sessions() {
		project, err := m.projects.Get(ctx, sess.ProjectID)
		if err != nil || !sameDir(project.Path, change.Root) {
			continue
		}
		m.Invalidate(sess.ProjectID)
		m.publish(events.SourceChanged, sess.ProjectID, map[string]interface{}{
			"paths": change.Paths,
		})
	}
}

// ServerView describes the session's server.
type ServerView struct {
	Name      string         `json:"name"`
	Version   string         `json:"version"`
	Tools     []mcp.Tool     `json:"tools"`
	Resources []mcp.Resource `json:"resources"`
}

// Info describes the server behind an active session.
func (m *Manager) Info(projectID string) (*ServerView, error) {
	sess, ok := m.state.Session(projectID)
	if !ok {
		return nil, ErrNoSession
	}
	view := &ServerView{
		Name:      "MCP Server - " + projectID,
		Version:   "1.0.0",
		Tools:     nonNilTools(sess.Tools),
		Resources: sess.Resources,
	}
	if view.Resources == nil {
		view.Resources = []mcp.Resource{}
	}
	if sess.ServerInfo != nil && sess.ServerInfo.Name != "" {
		view.Name = sess.ServerInfo.Name
		if sess.ServerInfo.Version != "" {
			view.Version = sess.ServerInfo.Version
		}
	}
	return view, nil
}

// SessionStatus is the read-only view of a project's debug state.
type SessionStatus struct {
	Active             bool             `json:"active"`
	DebugSessionActive bool             `json:"debug_session_active"`
	StartTime          *time.Time       `json:"start_time,omitempty"`
	ToolsCount         int              `json:"tools_count"`
	ResourcesCount     int              `json:"resources_count"`
	Source             discovery.Source `json:"source,omitempty"`
}

func (m *Manager) Status(ctx context.Context, projectID string) (*SessionStatus, error) {
	project, err := m.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	status := &SessionStatus{DebugSessionActive: project.DebugSessionActive}
	if sess, ok := m.state.Session(projectID); ok {
		start := sess.StartedAt
		status.Active = true
		status.StartTime = &start
		status.ToolsCount = len(sess.Tools)
		status.ResourcesCount = len(sess.Resources)
		status.Source = sess.Source
	}
	return status, nil
}

func (m *Manager) publish(t events.EventType, projectID string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	m.eventBus.Publish(events.Event{Type: t, ProjectID: projectID, Data: data})
}

func toolNames(tools []mcp.Tool) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

func nonNilTools(tools []mcp.Tool) []mcp.Tool {
	if tools == nil {
		return []mcp.Tool{}
	}
	return tools
}

func sameDir(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
