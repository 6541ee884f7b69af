package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/standardbeagle/mcplab/internal/discovery"
	"github.com/standardbeagle/mcplab/internal/logs"
	"github.com/standardbeagle/mcplab/internal/process"
)

// Status is the read-only view of a project's deployment.
type Status struct {
	Deployed    bool          `json:"deployed"`
	Active      bool          `json:"active"`
	ProjectID   string        `json:"project_id"`
	ServiceName string        `json:"service_name,omitempty"`
	Port        int           `json:"port,omitempty"`
	PID         int           `json:"process_id,omitempty"`
	Uptime      time.Duration `json:"-"`
	AccessURL   string        `json:"access_url,omitempty"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
}

func (s Status) MarshalJSON() ([]byte, error) {
	type plain Status
	var uptime *float64
	if s.Deployed {
		secs := s.Uptime.Seconds()
		uptime = &secs
	}
	return json.Marshal(struct {
		plain
		Uptime *float64 `json:"uptime,omitempty"`
	}{plain(s), uptime})
}

func (m *Manager) Status(ctx context.Context, projectID string) (*Status, error) {
	if _, err := m.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	d, ok := m.state.Deployment(projectID)
	if !ok {
		return &Status{ProjectID: projectID}, nil
	}
	return &Status{
		Deployed:    true,
		Active:      process.IsAlive(d.Process),
		ProjectID:   projectID,
		ServiceName: d.Config.ServiceName,
		Port:        d.Port,
		PID:         d.PID,
		Uptime:      time.Since(d.StartedAt),
		AccessURL:   m.accessURL(d.Port),
		StartedAt:   d.StartedAt,
	}, nil
}

// Statuses returns the status of every deployment.
func (m *Manager) Statuses() []Status {
	var out []Status
	for _, d := range m.state.Deployments() {
		out = append(out, Status{
			Deployed:    true,
			Active:      process.IsAlive(d.Process),
			ProjectID:   d.ProjectID,
			ServiceName: d.Config.ServiceName,
			Port:        d.Port,
			PID:         d.PID,
			Uptime:      time.Since(d.StartedAt),
			AccessURL:   m.accessURL(d.Port),
			StartedAt:   d.StartedAt,
		})
	}
	return out
}

// DefaultLogLines is the number of log entries returned when none is asked for.
const DefaultLogLines = 50

// Logs returns the last lines of a deployment's output as classified
// entries: stdout, then stderr with half the budget, then a line about the
// process state.
func (m *Manager) Logs(projectID string, lines int) []logs.Entry {
	if lines <= 0 {
		lines = DefaultLogLines
	}
	d, ok := m.state.Deployment(projectID)
	if !ok {
		return []logs.Entry{}
	}
	now := time.Now()
	var entries []logs.Entry

	stdout, err := d.Output.Tail(false, lines)
	if err != nil {
		entries = append(entries, systemEntry(now, "Error reading stdout log: "+err.Error()))
	}
	entries = append(entries, logs.ClassifyLines(stdout, logs.SourceStdout, now)...)

	stderr, err := d.Output.Tail(true, lines/2)
	if err != nil {
		entries = append(entries, systemEntry(now, "Error reading stderr log: "+err.Error()))
	}
	entries = append(entries, logs.ClassifyLines(stderr, logs.SourceStderr, now)...)

	if process.IsAlive(d.Process) {
		entries = append(entries, logs.Entry{
			Timestamp: now,
			Level:     logs.LevelInfo,
			Message:   fmt.Sprintf("Service is running with PID %d", d.PID),
			Source:    logs.SourceDeployment,
		})
	} else {
		code := "unknown"
		if c := d.Process.ExitCode(); c != nil {
			code = fmt.Sprintf("%d", *c)
		}
		entries = append(entries, logs.Entry{
			Timestamp: now,
			Level:     logs.LevelError,
			Message:   fmt.Sprintf("Service process has stopped (exit code: %s)", code),
			Source:    logs.SourceDeployment,
		})
	}

	if len(entries) > lines {
		entries = entries[len(entries)-lines:]
	}
	return entries
}

func systemEntry(ts time.Time, msg string) logs.Entry {
	return logs.Entry{Timestamp: ts, Level: logs.LevelError, Message: msg, Source: logs.SourceSystem}
}

// PortsView lists allocated ports and the first free ones.
type PortsView struct {
	Allocated []int `json:"allocated_ports"`
	Available []int `json:"available_ports"`
}

func (m *Manager) Ports() PortsView {
	alloc := m.state.Ports()
	return PortsView{Allocated: alloc.Allocated(), Available: alloc.Available(10)}
}

// LogFile describes one log file on disk.
type LogFile struct {
	Type      string `json:"type"`
	Path      string `json:"path"`
	Exists    bool   `json:"exists"`
	SizeBytes int64  `json:"size_bytes"`
}

// LogFilesView lists a project's log files.
type LogFilesView struct {
	ProjectID     string    `json:"project_id"`
	LogsDirectory string    `json:"logs_directory"`
	LogFiles      []LogFile `json:"log_files"`
}

// LogFiles reports the active deployment's log files and any other logs
// left in the project's log directory.
func (m *Manager) LogFiles(ctx context.Context, projectID string) (*LogFilesView, error) {
	if _, err := m.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	view := &LogFilesView{
		ProjectID:     projectID,
		LogsDirectory: filepath.Join(m.opts.LogsDir, projectID),
		LogFiles:      []LogFile{},
	}
	seen := make(map[string]bool)
	if d, ok := m.state.Deployment(projectID); ok {
		for _, f := range []struct{ kind, path string }{{"stdout", d.StdoutLog}, {"stderr", d.StderrLog}} {
			if f.path == "" {
				continue
			}
			seen[f.path] = true
			view.LogFiles = append(view.LogFiles, statLogFile(f.kind, f.path))
		}
	}

	found, _ := filepath.Glob(filepath.Join(view.LogsDirectory, "*.log"))
	sort.Strings(found)
	for _, path := range found {
		if !seen[path] {
			view.LogFiles = append(view.LogFiles, statLogFile("discovered", path))
		}
	}
	return view, nil
}

func statLogFile(kind, path string) LogFile {
	f := LogFile{Type: kind, Path: path}
	if info, err := os.Stat(path); err == nil {
		f.Exists = true
		f.SizeBytes = info.Size()
	}
	return f
}

// Diagnostics explains why a project might not deploy.
type Diagnostics struct {
	ProjectID        string              `json:"project_id"`
	ProjectPath      string              `json:"project_path"`
	ProjectExists    bool                `json:"project_exists"`
	ProjectStatus    string              `json:"project_status"`
	DeploymentActive bool                `json:"deployment_active"`
	ServicePort      int                 `json:"service_port,omitempty"`
	EntryPoint       string              `json:"entry_point,omitempty"`
	SearchResults    map[string]DirMatch `json:"search_results"`
	Deployed         bool                `json:"deployed"`
	LogFiles         []LogFile           `json:"log_files"`
	RecentErrors     []string            `json:"recent_errors,omitempty"`
}

// DirMatch is what an entry point search directory contains.
type DirMatch struct {
	Exists    bool     `json:"exists"`
	Files     []string `json:"files"`
	MainFiles []string `json:"main_files"`
}

func (m *Manager) Diagnose(ctx context.Context, projectID string) (*Diagnostics, error) {
	project, err := m.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	diag := &Diagnostics{
		ProjectID:        projectID,
		ProjectPath:      project.Path,
		ProjectStatus:    string(project.Status),
		DeploymentActive: project.DeploymentActive,
		ServicePort:      project.ServicePort,
		SearchResults:    make(map[string]DirMatch),
	}
	if info, err := os.Stat(project.Path); err == nil && info.IsDir() {
		diag.ProjectExists = true
	}
	if entry, ok := discovery.FindDeployEntryPoint(project.Path, m.opts.FrameworkDir, m.opts.MaxScanFiles); ok {
		diag.EntryPoint = entry
	}

	for _, dir := range []string{"", "src", "server"} {
		key := dir
		if key == "" {
			key = "root"
		}
		diag.SearchResults[key] = searchDir(filepath.Join(project.Path, dir))
	}

	d, deployed := m.state.Deployment(projectID)
	diag.Deployed = deployed
	if files, err := m.LogFiles(ctx, projectID); err == nil {
		diag.LogFiles = files.LogFiles
	}
	if deployed {
		if stderr, err := d.Output.Tail(true, 200); err == nil {
			for _, e := range logs.ParseErrors(stderr) {
				diag.RecentErrors = append(diag.RecentErrors, e.Summary())
			}
		}
	}
	return diag, nil
}

func searchDir(dir string) DirMatch {
	match := DirMatch{Files: []string{}, MainFiles: []string{}}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return match
	}
	match.Exists = true
	names := make(map[string]bool)
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".py" {
			match.Files = append(match.Files, e.Name())
			names[e.Name()] = true
		}
	}
	for _, name := range discovery.EntryNames {
		if names[name] {
			match.MainFiles = append(match.MainFiles, name)
		}
	}
	return match
}
