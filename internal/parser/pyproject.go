package parser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// PyProject is the subset of pyproject.toml the platform reads.
type PyProject struct {
	Project struct {
		Name           string            `toml:"name"`
		Version        string            `toml:"version"`
		Description    string            `toml:"description"`
		RequiresPython string            `toml:"requires-python"`
		Dependencies   []string          `toml:"dependencies"`
		Scripts        map[string]string `toml:"scripts"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Name        string `toml:"name"`
			Description string `toml:"description"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

// Name returns the project name from [project] or [tool.poetry].
func (p *PyProject) Name() string {
	if p.Project.Name != "" {
		return p.Project.Name
	}
	return p.Tool.Poetry.Name
}

// Description returns the project description from [project] or [tool.poetry].
func (p *PyProject) Description() string {
	if p.Project.Description != "" {
		return p.Project.Description
	}
	return p.Tool.Poetry.Description
}

// ScriptNames returns the console script names in sorted order.
func (p *PyProject) ScriptNames() []string {
	names := make([]string, 0, len(p.Project.Scripts))
	for name := range p.Project.Scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UsesMCP reports whether the project depends on the mcp SDK.
func (p *PyProject) UsesMCP() bool {
	for _, dep := range p.Project.Dependencies {
		fields := strings.FieldsFunc(strings.ToLower(dep), func(r rune) bool {
			return strings.ContainsRune("<>=!~[; ", r)
		})
		if len(fields) > 0 && (fields[0] == "mcp" || fields[0] == "fastmcp") {
			return true
		}
	}
	return false
}

func ParsePyProject(path string) (*PyProject, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pyproject.toml: %w", err)
	}

	var pp PyProject
	if _, err := toml.Decode(string(data), &pp); err != nil {
		return nil, fmt.Errorf("failed to parse pyproject.toml: %w", err)
	}
	return &pp, nil
}

// PackageManager is the tool a project's lock file points at.
type PackageManager string

const (
	Pip    PackageManager = "pip"
	UV     PackageManager = "uv"
	Poetry PackageManager = "poetry"
)

func DetectPackageManager(projectPath string) PackageManager {
	if _, err := os.Stat(filepath.Join(projectPath, "uv.lock")); err == nil {
		return UV
	}
	if _, err := os.Stat(filepath.Join(projectPath, "poetry.lock")); err == nil {
		return Poetry
	}
	return Pip
}

// ProjectInfo summarizes a Python project directory.
type ProjectInfo struct {
	Name           string
	Description    string
	RequiresPython string
	PackageManager PackageManager
	HasVenv        bool
	UsesMCP        bool
	Scripts        []string
}

// DetectProject reads what it can from a project directory. A missing
// pyproject.toml is not an error; the directory name is used instead.
func DetectProject(projectPath string) (*ProjectInfo, error) {
	info := &ProjectInfo{
		Name:           filepath.Base(projectPath),
		PackageManager: DetectPackageManager(projectPath),
	}
	if _, err := os.Stat(filepath.Join(projectPath, ".venv")); err == nil {
		info.HasVenv = true
	}

	pp, err := ParsePyProject(filepath.Join(projectPath, "pyproject.toml"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return info, nil
		}
		return info, err
	}

	if name := pp.Name(); name != "" {
		info.Name = name
	}
	info.Description = pp.Description()
	info.RequiresPython = pp.Project.RequiresPython
	info.UsesMCP = pp.UsesMCP()
	info.Scripts = pp.ScriptNames()
	return info, nil
}

// Interpreter is a Python interpreter or launcher found on PATH.
type Interpreter struct {
	Command string
	Version string
	Path    string
}

var (
	cachedInterpreters []Interpreter
	cacheOnce          sync.Once
)

// DetectInterpreters checks which Python interpreters are installed.
func DetectInterpreters() []Interpreter {
	cacheOnce.Do(func() {
		cachedInterpreters = detectInterpretersUncached()
	})
	return cachedInterpreters
}

func detectInterpretersUncached() []Interpreter {
	var installed []Interpreter

	for _, name := range []string{"python3", "python", "uv"} {
		path, err := findExecutable(name)
		if err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		output, err := exec.CommandContext(ctx, name, "--version").CombinedOutput()
		cancel()
		if err != nil {
			continue
		}

		installed = append(installed, Interpreter{
			Command: name,
			Version: strings.TrimSpace(string(output)),
			Path:    path,
		})
	}
	return installed
}

// findExecutable finds the full path to an executable, cross-platform
func findExecutable(name string) (string, error) {
	type result struct {
		path string
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		if runtime.GOOS == "windows" {
			for _, ext := range []string{"", ".exe", ".cmd", ".bat"} {
				if path, err := exec.LookPath(name + ext); err == nil {
					resultChan <- result{path: path}
					return
				}
			}
			resultChan <- result{err: fmt.Errorf("executable not found: %s", name)}
			return
		}
		path, err := exec.LookPath(name)
		resultChan <- result{path: path, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.path, res.err
	case <-time.After(1 * time.Second):
		return "", fmt.Errorf("timeout finding executable: %s", name)
	}
}
