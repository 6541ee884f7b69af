package registry

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps projects in memory. Paths are placed under BaseDir.
type MemoryStore struct {
	BaseDir string

	mu       sync.RWMutex
	projects map[string]*Project
}

func NewMemoryStore(baseDir string) *MemoryStore {
	return &MemoryStore{BaseDir: baseDir, projects: make(map[string]*Project)}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[p.ID]; !ok {
		return ErrNotFound
	}
	c := p.Clone()
	c.UpdatedAt = time.Now()
	m.projects[p.ID] = c
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn func(*Project) error) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := p.Clone()
	if err := fn(c); err != nil {
		return nil, err
	}
	c.ID = id
	c.UpdatedAt = time.Now()
	m.projects[id] = c
	return c.Clone(), nil
}

// Add inserts p as is, assigning an id when it has none.
func (m *MemoryStore) Add(p *Project) *Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = StatusCreated
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
		p.UpdatedAt = p.CreatedAt
	}
	m.projects[p.ID] = p.Clone()
	return p.Clone()
}

func (m *MemoryStore) List(ctx context.Context) ([]*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p.Clone())
	}
	sortProjects(out)
	return out, nil
}

func (m *MemoryStore) Create(ctx context.Context, name, description string) (*Project, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	m.mu.RLock()
	for _, p := range m.projects {
		if p.Name == name {
			m.mu.RUnlock()
			return nil, ErrExists
		}
	}
	m.mu.RUnlock()

	return m.Add(&Project{
		Name:        name,
		Description: description,
		Path:        filepath.Join(m.BaseDir, name),
	}), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return ErrNotFound
	}
	delete(m.projects, id)
	return nil
}

func sortProjects(ps []*Project) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].Name < ps[j].Name
	})
}
