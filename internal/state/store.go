// Package state holds the shared runtime state of the platform: the port
// allocator, active debug sessions, active deployments and the per-project
// locks that serialize lifecycle operations.
package state

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/standardbeagle/mcplab/internal/discovery"
	"github.com/standardbeagle/mcplab/internal/mcp"
	"github.com/standardbeagle/mcplab/internal/process"
	"github.com/standardbeagle/mcplab/pkg/ports"
)

// Session is a project's debug session. Records are replaced, never
// mutated, once stored.
type Session struct {
	ProjectID    string
	StartedAt    time.Time
	Tools        []mcp.Tool
	Resources    []mcp.Resource
	Source       discovery.Source
	EntryPoint   string
	ServerInfo   *mcp.ServerInfo
	DiscoveredAt time.Time
	// Stream is an attached live connection closed when the session ends.
	Stream io.Closer
}

// DeploymentConfig is what the caller asked a deployment to be.
type DeploymentConfig struct {
	ServiceName   string `json:"service_name,omitempty"`
	Port          int    `json:"port,omitempty"`
	AutoStart     bool   `json:"auto_start"`
	EnableLogging bool   `json:"enable_logging"`
}

// Deployment is a running long-lived service process.
type Deployment struct {
	ProjectID  string
	Port       int
	PID        int
	StartedAt  time.Time
	EntryPoint string
	Config     DeploymentConfig
	StdoutLog  string
	StderrLog  string
	Process    *process.ManagedProcess
	// Output holds the service's captured output; it is closed after the
	// process is terminated.
	Output Output
}

// Output is where a deployment's stdout and stderr end up.
type Output interface {
	io.Closer
	// Tail returns the last n lines of stdout, or of stderr.
	Tail(stderr bool, n int) ([]string, error)
}

// Store is safe for concurrent use.
type Store struct {
	ports *ports.Allocator

	mu          sync.RWMutex
	sessions    map[string]*Session
	deployments map[string]*Deployment

	locksMu sync.Mutex
	locks   map[string]*projectLock
}

type projectLock struct {
	mu   sync.Mutex
	refs int
}

func New(alloc *ports.Allocator) *Store {
	return &Store{
		ports:       alloc,
		sessions:    make(map[string]*Session),
		deployments: make(map[string]*Deployment),
		locks:       make(map[string]*projectLock),
	}
}

func (s *Store) Ports() *ports.Allocator {
	return s.ports
}

// Lock serializes work on one project. Call the returned function to release.
func (s *Store) Lock(projectID string) func() {
	s.locksMu.Lock()
	l := s.locks[projectID]
	if l == nil {
		l = &projectLock{}
		s.locks[projectID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			s.locksMu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(s.locks, projectID)
			}
			s.locksMu.Unlock()
		})
	}
}

func (s *Store) Session(projectID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[projectID]
	return sess, ok
}

func (s *Store) PutSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ProjectID] = sess
}

func (s *Store) DeleteSession(projectID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[projectID]
	delete(s.sessions, projectID)
	return sess, ok
}

// Sessions returns all sessions ordered by project id.
func (s *Store) Sessions() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

func (s *Store) Deployment(projectID string) (*Deployment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[projectID]
	return d, ok
}

func (s *Store) PutDeployment(d *Deployment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d.ProjectID] = d
}

func (s *Store) DeleteDeployment(projectID string) (*Deployment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[projectID]
	delete(s.deployments, projectID)
	return d, ok
}

// Deployments returns all deployments ordered by project id.
func (s *Store) Deployments() []*Deployment {
	s.mu.RLock()
	out := make([]*Deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		out = append(out, d)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}
