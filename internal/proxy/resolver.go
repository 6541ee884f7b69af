package proxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/standardbeagle/mcplab/internal/deploy"
	"github.com/standardbeagle/mcplab/internal/registry"
)

// DeploymentResolver routes by project name or ID to active deployments.
type DeploymentResolver struct {
	projects registry.Registry
	deploy   *deploy.Manager
}

func NewDeploymentResolver(projects registry.Registry, deployMgr *deploy.Manager) *DeploymentResolver {
	return &DeploymentResolver{projects: projects, deploy: deployMgr}
}

func (r *DeploymentResolver) Routes(ctx context.Context) ([]Route, error) {
	projects, err := r.projects.List(ctx)
	if err != nil {
		return nil, err
	}
	active := make(map[string]int)
	for _, st := range r.deploy.Statuses() {
		if st.Active {
			active[st.ProjectID] = st.Port
		}
	}

	routes := make([]Route, 0, len(active))
	for _, p := range projects {
		if port, ok := active[p.ID]; ok {
			routes = append(routes, Route{Label: Label(p.Name), ProjectID: p.ID, Port: port})
		}
	}
	sortRoutes(routes)
	return routes, nil
}

func (r *DeploymentResolver) Resolve(ctx context.Context, label string) (Route, error) {
	routes, err := r.Routes(ctx)
	if err != nil {
		return Route{}, err
	}
	for _, rt := range routes {
		if rt.Label == label || strings.EqualFold(rt.ProjectID, label) {
			return rt, nil
		}
	}
	return Route{}, fmt.Errorf("%w for %q", ErrNoRoute, label)
}

// Label turns a project name into a DNS label.
func Label(name string) string {
	var b strings.Builder
	dash := false
	for _, c := range strings.ToLower(name) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
