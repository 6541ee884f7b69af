// Package deploy runs projects as long-lived services on allocated ports,
// with per-project log files.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/mcplab/internal/discovery"
	"github.com/standardbeagle/mcplab/internal/logging"
	"github.com/standardbeagle/mcplab/internal/logs"
	"github.com/standardbeagle/mcplab/internal/mcp"
	"github.com/standardbeagle/mcplab/internal/process"
	"github.com/standardbeagle/mcplab/internal/registry"
	"github.com/standardbeagle/mcplab/internal/state"
	"github.com/standardbeagle/mcplab/pkg/events"
	"github.com/standardbeagle/mcplab/pkg/ports"
)

type (
	Config     = state.DeploymentConfig
	Deployment = state.Deployment
)

const (
	DefaultRestartPause = time.Second
	DefaultHost         = "localhost"
)

// Explicit service ports must fall in this range. Zero asks the allocator.
const (
	MinServicePort = 1024
	MaxServicePort = 65535
)

var (
	ErrNotDeployed  = errors.New("project is not deployed")
	ErrNoEntryPoint = errors.New("no executable Python file found")
	ErrInvalidPort  = errors.New("port must be between 1024 and 65535")
)

// ValidateConfig rejects explicit ports outside the service port range.
func ValidateConfig(cfg Config) error {
	if cfg.Port != 0 && (cfg.Port < MinServicePort || cfg.Port > MaxServicePort) {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, cfg.Port)
	}
	return nil
}

// StartError is returned when the service died during startup. Output is
// the best diagnostic available: stderr, or stdout when stderr was empty.
type StartError struct {
	ProjectID string
	Port      int
	ExitCode  *int
	Stderr    string
	Stdout    string
	// Cause is the last Python error found in stderr, if any.
	Cause *logs.ErrorContext
	Err   error
}

func (e *StartError) Error() string {
	switch {
	case strings.TrimSpace(e.Stderr) != "":
		return "failed to start service process: Process error: " + strings.TrimSpace(e.Stderr)
	case strings.TrimSpace(e.Stdout) != "":
		return "failed to start service process: Process output: " + strings.TrimSpace(e.Stdout)
	case e.Err != nil:
		return fmt.Sprintf("failed to start service process: %v", e.Err)
	}
	return "failed to start service process: Process failed to start"
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Options configures a Manager.
type Options struct {
	LogsDir      string
	Python       string
	Command      mcp.CommandFunc
	FrameworkDir string
	MaxScanFiles int
	StartupGrace time.Duration
	StopGrace    time.Duration
	RestartPause time.Duration
	// Host is used in access URLs.
	Host string
}

// Manager owns deployments. Deployments and ports live in the shared
// state store; operations on one project are serialized.
type Manager struct {
	state      *state.Store
	projects   registry.Store
	supervisor *process.Supervisor
	opts       Options
	eventBus   *events.EventBus
	logger     *zap.Logger
}

func NewManager(st *state.Store, projects registry.Store, supervisor *process.Supervisor, opts Options, eventBus *events.EventBus, logger *zap.Logger) *Manager {
	if opts.Command == nil {
		opts.Command = mcp.PythonCommand(opts.Python)
	}
	if opts.RestartPause <= 0 {
		opts.RestartPause = DefaultRestartPause
	}
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.MaxScanFiles <= 0 {
		opts.MaxScanFiles = discovery.DefaultMaxFiles
	}
	return &Manager{
		state:      st,
		projects:   projects,
		supervisor: supervisor,
		opts:       opts,
		eventBus:   eventBus,
		logger:     logging.OrNop(logger).Named("deploy"),
	}
}

func lockKey(projectID string) string {
	return "deploy/" + projectID
}

// Deploy starts the project as a service, replacing any running deployment.
func (m *Manager) Deploy(ctx context.Context, projectID string, cfg Config) (*Deployment, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	unlock := m.state.Lock(lockKey(projectID))
	defer unlock()
	return m.deploy(ctx, projectID, cfg)
}

func (m *Manager) deploy(ctx context.Context, projectID string, cfg Config) (*Deployment, error) {
	project, err := m.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	log := m.logger.With(zap.String("project", projectID))

	if _, ok := m.state.Deployment(projectID); ok {
		if err := m.stop(ctx, projectID); err != nil {
			return nil, err
		}
	}

	port, err := m.choosePort(cfg.Port, log)
	if err != nil {
		return nil, m.failed(ctx, projectID, err)
	}

	d, err := m.start(ctx, project, cfg, port, log)
	if err != nil {
		m.state.Ports().Free(port)
		return nil, m.failed(ctx, projectID, err)
	}

	m.state.PutDeployment(d)
	if err := registry.SetStatus(ctx, m.projects, projectID, registry.StatusDeployed, func(p *registry.Project) {
		p.DeploymentActive = true
		p.ServicePort = port
	}); err != nil {
		log.Warn("Could not record deployment status", zap.Error(err))
	}

	log.Info("Service deployed", zap.Int("port", port), zap.Int("pid", d.PID), zap.String("entry", d.EntryPoint))
	m.publish(events.DeployStarted, projectID, map[string]interface{}{
		"port": port,
		"pid":  d.PID,
		"url":  m.accessURL(port),
	})
	go m.monitor(d)
	return d, nil
}

// choosePort honors an explicit port when it is free, otherwise allocates.
func (m *Manager) choosePort(requested int, log *zap.Logger) (int, error) {
	alloc := m.state.Ports()
	if requested > 0 {
		if !alloc.IsAllocated(requested) && ports.IsPortAvailable(requested) && alloc.Reserve(requested) {
			return requested, nil
		}
		log.Warn("Requested port is not available, allocating alternative", zap.Int("port", requested))
	}
	return alloc.Allocate()
}

func (m *Manager) start(ctx context.Context, project *registry.Project, cfg Config, port int, log *zap.Logger) (*Deployment, error) {
	entry, ok := discovery.FindDeployEntryPoint(project.Path, m.opts.FrameworkDir, m.opts.MaxScanFiles)
	if !ok {
		return nil, fmt.Errorf("%w under %s", ErrNoEntryPoint, project.Path)
	}

	out, err := m.openLogs(project.ID, port)
	if err != nil {
		log.Warn("Could not create log files, keeping output in memory", zap.Error(err))
		out = memoryOutput()
	}

	exe, args, env := m.opts.Command(project.Path, entry)
	overlay := map[string]string{
		"PORT":       strconv.Itoa(port),
		"PYTHONPATH": project.Path,
	}
	for k, v := range env {
		overlay[k] = v
	}

	proc, err := m.supervisor.Spawn(ctx, process.SpawnSpec{
		Owner:        project.ID,
		Executable:   exe,
		Args:         args,
		Dir:          filepath.Dir(entry),
		Env:          overlay,
		Stdout:       out.stdout,
		Stderr:       out.stderr,
		StderrLimit:  1000,
		StartupGrace: m.opts.StartupGrace,
	})
	if err != nil {
		out.Close()
		return nil, m.startError(project.ID, port, out, err)
	}

	return &Deployment{
		ProjectID:  project.ID,
		Port:       port,
		PID:        proc.PID(),
		StartedAt:  time.Now(),
		EntryPoint: entry,
		Config:     cfg,
		StdoutLog:  out.stdoutPath,
		StderrLog:  out.stderrPath,
		Process:    proc,
		Output:     out,
	}, nil
}

func (m *Manager) startError(projectID string, port int, out *output, err error) error {
	var spawnErr *process.SpawnError
	if !errors.As(err, &spawnErr) {
		return err
	}
	if spawnErr.Err != nil {
		return &StartError{ProjectID: projectID, Port: port, Err: err}
	}
	startErr := &StartError{
		ProjectID: projectID,
		Port:      port,
		ExitCode:  spawnErr.ExitCode,
		Stderr:    spawnErr.Stderr,
		Stdout:    strings.Join(tailOrNil(out, false, 50), "\n"),
		Err:       err,
	}
	startErr.Cause = logs.LastError(spawnErr.Stderr)
	return startErr
}

// failed records the error status and wraps err.
func (m *Manager) failed(ctx context.Context, projectID string, err error) error {
	if serr := registry.SetStatus(ctx, m.projects, projectID, registry.StatusError, func(p *registry.Project) {
		p.DeploymentActive = false
	}); serr != nil {
		m.logger.Warn("Could not record deployment failure", zap.String("project", projectID), zap.Error(serr))
	}
	m.logger.Error("Deployment failed", zap.String("project", projectID), zap.Error(err))
	m.publish(events.DeployFailed, projectID, map[string]interface{}{"error": err.Error()})
	return fmt.Errorf("deployment failed: %w", err)
}

// monitor reports a service that exits while still deployed.
func (m *Manager) monitor(d *Deployment) {
	<-d.Process.Done()
	current, ok := m.state.Deployment(d.ProjectID)
	if !ok || current != d {
		return
	}
	code := -1
	if c := d.Process.ExitCode(); c != nil {
		code = *c
	}
	m.logger.Warn("Deployed service exited", zap.String("project", d.ProjectID), zap.Int("exitCode", code))
	m.publish(events.DeployFailed, d.ProjectID, map[string]interface{}{
		"error":    fmt.Sprintf("service process has stopped (exit code: %d)", code),
		"exitCode": code,
	})
}

// Stop terminates the service, frees its port and marks the project stopped.
// Stopping a project that is not deployed only updates its status.
func (m *Manager) Stop(ctx context.Context, projectID string) error {
	unlock := m.state.Lock(lockKey(projectID))
	defer unlock()
	return m.stop(ctx, projectID)
}

func (m *Manager) stop(ctx context.Context, projectID string) error {
	d, ok := m.state.DeleteDeployment(projectID)
	if ok {
		if err := m.supervisor.Terminate(d.Process, m.opts.StopGrace); err != nil {
			m.logger.Warn("Terminating service", zap.String("project", projectID), zap.Error(err))
		}
		if d.Output != nil {
			if err := d.Output.Close(); err != nil {
				m.logger.Debug("Closing service output", zap.Error(err))
			}
		}
		m.state.Ports().Free(d.Port)
		m.logger.Info("Service stopped", zap.String("project", projectID), zap.Int("port", d.Port))
		m.publish(events.DeployStopped, projectID, map[string]interface{}{"port": d.Port})
	}

	err := registry.SetStatus(ctx, m.projects, projectID, registry.StatusStopped, func(p *registry.Project) {
		p.DeploymentActive = false
	})
	if ok && errors.Is(err, registry.ErrNotFound) {
		// Project deleted while deployed
		return nil
	}
	if errors.Is(err, registry.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("updating project status: %w", err)
	}
	return nil
}

// Restart redeploys with the running deployment's configuration.
func (m *Manager) Restart(ctx context.Context, projectID string) (*Deployment, error) {
	unlock := m.state.Lock(lockKey(projectID))
	defer unlock()

	d, ok := m.state.Deployment(projectID)
	if !ok {
		return nil, ErrNotDeployed
	}
	cfg := d.Config
	if err := m.stop(ctx, projectID); err != nil {
		return nil, err
	}

	select {
	case <-time.After(m.opts.RestartPause):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.deploy(ctx, projectID, cfg)
}

// StopAll stops every deployment, used on shutdown.
func (m *Manager) StopAll(ctx context.Context) error {
	var g errgroup.Group
	for _, d := range m.state.Deployments() {
		projectID := d.ProjectID
		g.Go(func() error {
			return m.Stop(ctx, projectID)
		})
	}
	return g.Wait()
}

func (m *Manager) accessURL(port int) string {
	return fmt.Sprintf("http://%s:%d", m.opts.Host, port)
}

func (m *Manager) publish(t events.EventType, projectID string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	m.eventBus.Publish(events.Event{Type: t, ProjectID: projectID, Data: data})
}
