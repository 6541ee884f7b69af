package registry

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Status is the lifecycle position of a project.
type Status string

const (
	StatusCreated    Status = "created"
	StatusUploading  Status = "uploading"
	StatusInstalling Status = "installing"
	StatusDebugging  Status = "debugging"
	StatusDeployed   Status = "deployed"
	StatusError      Status = "error"
	StatusStopped    Status = "stopped"
)

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusUploading, StatusInstalling, StatusDebugging,
		StatusDeployed, StatusError, StatusStopped:
		return true
	}
	return false
}

// Project is the persisted metadata of one MCP server project.
type Project struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	Status             Status    `json:"status"`
	Path               string    `json:"path"`
	PythonVersion      string    `json:"python_version,omitempty"`
	DebugSessionActive bool      `json:"debug_session_active"`
	DeploymentActive   bool      `json:"deployment_active"`
	ServicePort        int       `json:"service_port,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Clone returns a copy that can be modified without affecting the store.
func (p *Project) Clone() *Project {
	c := *p
	return &c
}

var (
	ErrNotFound    = errors.New("project not found")
	ErrExists      = errors.New("project already exists")
	ErrInvalidName = errors.New("project name must be 1-50 letters, digits, '-' or '_'")
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)

func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// Store is the persistence the debug and deploy managers depend on.
type Store interface {
	Get(ctx context.Context, id string) (*Project, error)
	Save(ctx context.Context, p *Project) error
	// Update applies fn to the stored project and saves the result as one
	// step. Nothing is written when fn returns an error.
	Update(ctx context.Context, id string, fn func(*Project) error) (*Project, error)
}

// Registry is the full project CRUD surface.
type Registry interface {
	Store
	List(ctx context.Context) ([]*Project, error)
	Create(ctx context.Context, name, description string) (*Project, error)
	Delete(ctx context.Context, id string) error
}

// SetStatus applies status and mutate to a project in a single update, so
// concurrent debug and deploy changes to other fields are kept.
func SetStatus(ctx context.Context, s Store, id string, status Status, mutate func(*Project)) error {
	_, err := s.Update(ctx, id, func(p *Project) error {
		p.Status = status
		if mutate != nil {
			mutate(p)
		}
		return nil
	})
	return err
}
