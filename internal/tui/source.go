package tui

import (
	"context"

	"github.com/standardbeagle/mcplab/internal/deploy"
	"github.com/standardbeagle/mcplab/internal/logs"
	"github.com/standardbeagle/mcplab/internal/registry"
)

// Source is everything the dashboard reads and the actions it can take.
type Source interface {
	Projects(ctx context.Context) ([]*registry.Project, error)
	Deployments() []deploy.Status
	Logs(projectID string, lines int) []logs.Entry
	Stop(ctx context.Context, projectID string) error
	Restart(ctx context.Context, projectID string) error
}

type managerSource struct {
	projects registry.Registry
	deploy   *deploy.Manager
}

// NewManagerSource backs the dashboard with the live registry and deploy manager.
func NewManagerSource(projects registry.Registry, deployMgr *deploy.Manager) Source {
	return &managerSource{projects: projects, deploy: deployMgr}
}

func (s *managerSource) Projects(ctx context.Context) ([]*registry.Project, error) {
	return s.projects.List(ctx)
}

func (s *managerSource) Deployments() []deploy.Status {
	return s.deploy.Statuses()
}

func (s *managerSource) Logs(projectID string, lines int) []logs.Entry {
	return s.deploy.Logs(projectID, lines)
}

func (s *managerSource) Stop(ctx context.Context, projectID string) error {
	return s.deploy.Stop(ctx, projectID)
}

func (s *managerSource) Restart(ctx context.Context, projectID string) error {
	_, err := s.deploy.Restart(ctx, projectID)
	return err
}
