package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/standardbeagle/mcplab/internal/logging"
	"github.com/standardbeagle/mcplab/internal/parser"
)

const (
	DefaultDirMode  = 0755
	DefaultFileMode = 0644
	lockFileName    = ".registry.lock"
)

// FileStore keeps one <id>.json metadata file per project next to the
// project directories. Every operation holds an exclusive file lock so
// several mcplab processes can share a projects directory, and a mutex
// for goroutines of this one.
type FileStore struct {
	dir         string
	lockTimeout time.Duration
	logger      *zap.Logger

	mu sync.Mutex
}

func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, DefaultDirMode); err != nil {
		return nil, fmt.Errorf("failed to create projects directory: %w", err)
	}
	return &FileStore{
		dir:         dir,
		lockTimeout: 30 * time.Second,
		logger:      logging.OrNop(logger).Named("registry"),
	}, nil
}

// Dir returns the projects directory
func (s *FileStore) Dir() string {
	return s.dir
}

// SetLockTimeout sets the lock timeout (useful for testing)
func (s *FileStore) SetLockTimeout(timeout time.Duration) {
	s.lockTimeout = timeout
}

func (s *FileStore) Get(ctx context.Context, id string) (*Project, error) {
	var p *Project
	err := s.withLock(ctx, func() error {
		var err error
		p, err = s.readLocked(id)
		return err
	})
	return p, err
}

func (s *FileStore) Save(ctx context.Context, p *Project) error {
	return s.withLock(ctx, func() error {
		if _, err := os.Stat(s.metaPath(p.ID)); err != nil {
			if os.IsNotExist(err) {
				return ErrNotFound
			}
			return err
		}
		p.UpdatedAt = time.Now()
		return s.writeLocked(p)
	})
}

func (s *FileStore) Update(ctx context.Context, id string, fn func(*Project) error) (*Project, error) {
	var p *Project
	err := s.withLock(ctx, func() error {
		current, err := s.readLocked(id)
		if err != nil {
			return err
		}
		if err := fn(current); err != nil {
			return err
		}
		current.ID = id
		current.UpdatedAt = time.Now()
		if err := s.writeLocked(current); err != nil {
			return err
		}
		p = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

func (s *FileStore) List(ctx context.Context) ([]*Project, error) {
	var out []*Project
	err := s.withLock(ctx, func() error {
		var err error
		out, err = s.listLocked()
		return err
	})
	return out, err
}

// Create makes the project directory and its metadata.
func (s *FileStore) Create(ctx context.Context, name, description string) (*Project, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	var p *Project
	err := s.withLock(ctx, func() error {
		path := filepath.Join(s.dir, name)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, name)
		}
		if err := os.MkdirAll(path, DefaultDirMode); err != nil {
			return fmt.Errorf("failed to create project directory: %w", err)
		}

		now := time.Now()
		p = &Project{
			ID:          uuid.NewString(),
			Name:        name,
			Description: description,
			Status:      StatusCreated,
			Path:        path,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.writeLocked(p); err != nil {
			os.RemoveAll(path)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Created project", zap.String("id", p.ID), zap.String("name", name))
	return p, nil
}

// Delete removes the metadata and, when it lives inside the projects
// directory, the project's files.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	return s.withLock(ctx, func() error {
		p, err := s.readLocked(id)
		if err != nil {
			return err
		}
		if err := os.Remove(s.metaPath(id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove project metadata: %w", err)
		}
		if s.owns(p.Path) {
			if err := os.RemoveAll(p.Path); err != nil {
				return fmt.Errorf("failed to remove project directory: %w", err)
			}
		}
		s.logger.Info("Deleted project", zap.String("id", id), zap.String("name", p.Name))
		return nil
	})
}

// Import registers project directories that have no metadata yet,
// reading name and description from pyproject.toml when present.
func (s *FileStore) Import(ctx context.Context) ([]*Project, error) {
	var imported []*Project
	err := s.withLock(ctx, func() error {
		existing, err := s.listLocked()
		if err != nil {
			return err
		}
		known := make(map[string]bool, len(existing))
		for _, p := range existing {
			known[filepath.Clean(p.Path)] = true
		}

		entries, err := os.ReadDir(s.dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			path := filepath.Join(s.dir, entry.Name())
			if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || known[path] {
				continue
			}
			if ValidateName(entry.Name()) != nil {
				s.logger.Debug("Skipping directory with invalid project name", zap.String("dir", entry.Name()))
				continue
			}

			p := &Project{
				ID:     uuid.NewString(),
				Name:   entry.Name(),
				Status: StatusCreated,
				Path:   path,
			}
			if info, err := parser.DetectProject(path); err == nil {
				p.Description = info.Description
				p.PythonVersion = info.RequiresPython
			} else {
				s.logger.Warn("Reading pyproject.toml", zap.String("dir", entry.Name()), zap.Error(err))
			}
			if fi, err := entry.Info(); err == nil {
				p.CreatedAt = fi.ModTime()
			}
			p.UpdatedAt = time.Now()

			if err := s.writeLocked(p); err != nil {
				return err
			}
			imported = append(imported, p)
		}
		return nil
	})
	return imported, err
}

func (s *FileStore) owns(path string) bool {
	rel, err := filepath.Rel(s.dir, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

func (s *FileStore) metaPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// withLock executes fn while holding an exclusive file lock
func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fileLock := flock.New(filepath.Join(s.dir, lockFileName))

	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire registry lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire registry lock within %v", s.lockTimeout)
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			s.logger.Warn("Failed to release registry lock", zap.Error(err))
		}
	}()

	return fn()
}

func (s *FileStore) readLocked(id string) (*Project, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read project %s: %w", id, err)
	}

	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("corrupt metadata for project %s: %w", id, err)
	}
	if p.ID != id {
		return nil, fmt.Errorf("corrupt metadata for project %s: id mismatch", id)
	}
	return &p, nil
}

func (s *FileStore) listLocked() ([]*Project, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var out []*Project
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		p, err := s.readLocked(strings.TrimSuffix(name, ".json"))
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Warn("Skipping unreadable project metadata", zap.String("file", name), zap.Error(err))
			}
			continue
		}
		out = append(out, p)
	}
	sortProjects(out)
	return out, nil
}

func (s *FileStore) writeLocked(p *Project) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal project: %w", err)
	}
	return atomicWriteFile(s.metaPath(p.ID), data, DefaultFileMode)
}

// atomicWriteFile writes data to a file atomically using temp file + rename
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, ".tmp-project-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	tempFile = nil

	if err := os.Chmod(tempPath, perm); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
