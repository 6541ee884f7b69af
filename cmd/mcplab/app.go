package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/mcplab/internal/config"
	"github.com/standardbeagle/mcplab/internal/debug"
	"github.com/standardbeagle/mcplab/internal/deploy"
	"github.com/standardbeagle/mcplab/internal/discovery"
	"github.com/standardbeagle/mcplab/internal/logs"
	"github.com/standardbeagle/mcplab/internal/process"
	"github.com/standardbeagle/mcplab/internal/registry"
	"github.com/standardbeagle/mcplab/internal/state"
	"github.com/standardbeagle/mcplab/pkg/events"
	"github.com/standardbeagle/mcplab/pkg/ports"
)

// app holds every long-lived component of a serving process.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	projects *registry.FileStore
	state    *state.Store
	eventBus *events.EventBus
	sup      *process.Supervisor
	logs     *logs.Store
	watcher  *discovery.Watcher
	debug    *debug.Manager
	deploy   *deploy.Manager

	detachLogs func()
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	projects, err := registry.NewFileStore(cfg.GetProjectsDir(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening project registry: %w", err)
	}
	if imported, err := projects.Import(context.Background()); err != nil {
		logger.Warn("Importing project directories failed", zap.Error(err))
	} else if len(imported) > 0 {
		logger.Info("Imported project directories", zap.Int("count", len(imported)))
	}

	alloc, err := ports.NewAllocator(cfg.GetPortStart(), cfg.GetPortEnd())
	if err != nil {
		return nil, err
	}

	busConfig := events.DefaultWorkerPoolConfig()
	busConfig.Logger = logger

	a := &app{
		cfg:      cfg,
		logger:   logger,
		projects: projects,
		state:    state.New(alloc),
		eventBus: events.NewEventBusWithConfig(busConfig),
		logs:     logs.NewStore(logs.DefaultMaxEntries),
	}
	a.sup = process.NewSupervisor(logger,
		process.WithStartupGrace(cfg.GetStartupGrace()),
		process.WithStopGrace(cfg.GetStopGrace()),
		process.WithEventBus(a.eventBus),
	)
	a.detachLogs = a.logs.Attach(a.eventBus)

	a.watcher, err = discovery.NewWatcher(discovery.WatcherOptions{}, logger)
	if err != nil {
		return nil, err
	}
	a.watcher.Start()

	a.debug = debug.NewManager(a.state, projects, a.sup, debug.Options{
		FrameworkDir: cfg.GetFrameworkDir(),
		Python:       cfg.GetPythonCommand(),
		CallTimeout:  cfg.GetCallTimeout(),
		StartupGrace: cfg.GetStartupGrace(),
		StopGrace:    cfg.GetStopGrace(),
		MaxScanFiles: cfg.GetMaxScanFiles(),
	}, logger, debug.WithEventBus(a.eventBus), debug.WithWatcher(a.watcher))

	a.deploy = deploy.NewManager(a.state, projects, a.sup, deploy.Options{
		LogsDir:      cfg.GetLogsDir(),
		Python:       cfg.GetPythonCommand(),
		FrameworkDir: cfg.GetFrameworkDir(),
		MaxScanFiles: cfg.GetMaxScanFiles(),
		StartupGrace: cfg.GetStartupGrace(),
		StopGrace:    cfg.GetStopGrace(),
		RestartPause: cfg.GetRestartPause(),
	}, a.eventBus, logger)

	return a, nil
}

// Close stops every deployment and debug session, then the watcher and bus.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.GetStopGrace()+5*time.Second)
	defer cancel()

	if err := a.deploy.StopAll(ctx); err != nil {
		a.logger.Warn("Stopping deployments", zap.Error(err))
	}
	for _, sess := range a.state.Sessions() {
		if err := a.debug.Stop(ctx, sess.ProjectID); err != nil {
			a.logger.Warn("Stopping debug session", zap.String("project", sess.ProjectID), zap.Error(err))
		}
	}
	if err := a.watcher.Stop(); err != nil {
		a.logger.Debug("Stopping watcher", zap.Error(err))
	}
	a.detachLogs()
	a.eventBus.Shutdown()
	_ = a.logger.Sync()
}
