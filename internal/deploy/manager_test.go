package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mcplab/internal/logs"
	"github.com/standardbeagle/mcplab/internal/process"
	"github.com/standardbeagle/mcplab/internal/registry"
	"github.com/standardbeagle/mcplab/internal/state"
	"github.com/standardbeagle/mcplab/internal/testutil"
	"github.com/standardbeagle/mcplab/pkg/events"
	"github.com/standardbeagle/mcplab/pkg/ports"
)

type fixture struct {
	manager  *Manager
	projects *registry.MemoryStore
	state    *state.Store
	project  *registry.Project
	logsDir  string
}

func newFixture(t *testing.T, mode string, logsDir string) *fixture {
	t.Helper()
	root := t.TempDir()
	projects := registry.NewMemoryStore(root)
	dir := filepath.Join(root, "svc")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("if __name__ == \"__main__\":\n    main()\n"), 0644))
	project := projects.Add(&registry.Project{Name: "svc", Path: dir})

	alloc, err := ports.NewAllocator(ports.DefaultStartPort, ports.DefaultEndPort)
	require.NoError(t, err)
	st := state.New(alloc)

	exe, env := testutil.StubCommand(t, mode)
	sup := process.NewSupervisor(nil, process.WithStartupGrace(300*time.Millisecond), process.WithStopGrace(2*time.Second))
	m := NewManager(st, projects, sup, Options{
		LogsDir: logsDir,
		Command: func(string, string) (string, []string, map[string]string) {
			return exe, nil, env
		},
		StartupGrace: 300 * time.Millisecond,
		StopGrace:    2 * time.Second,
		RestartPause: 50 * time.Millisecond,
	}, nil, nil)
	t.Cleanup(func() { _ = m.StopAll(context.Background()) })

	return &fixture{manager: m, projects: projects, state: st, project: project, logsDir: logsDir}
}

// addProject registers another deployable project next to the fixture's.
func (f *fixture) addProject(t *testing.T, name string) *registry.Project {
	t.Helper()
	dir := filepath.Join(filepath.Dir(f.project.Path), name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("if __name__ == \"__main__\":\n    main()\n"), 0644))
	return f.projects.Add(&registry.Project{Name: name, Path: dir})
}

func (f *fixture) projectState(t *testing.T) *registry.Project {
	t.Helper()
	p, err := f.projects.Get(context.Background(), f.project.ID)
	require.NoError(t, err)
	return p
}

func get(t *testing.T, port int) string {
	t.Helper()
	var body string
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/ping", port))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		body = string(data)
		return true
	}, "service should answer")
	return body
}

// TestDeployServesOnAllocatedPort tests a deployment runs, logs and is reachable
func TestDeployServesOnAllocatedPort(t *testing.T) {
	f := newFixture(t, testutil.StubHTTP, t.TempDir())
	ctx := testutil.Context(t, 20*time.Second)

	d, err := f.manager.Deploy(ctx, f.project.ID, Config{ServiceName: "svc"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d.Port, ports.DefaultStartPort)
	assert.True(t, f.state.Ports().IsAllocated(d.Port))
	assert.Equal(t, "ok\n", get(t, d.Port))

	p := f.projectState(t)
	assert.Equal(t, registry.StatusDeployed, p.Status)
	assert.True(t, p.DeploymentActive)
	assert.Equal(t, d.Port, p.ServicePort)

	outName, errName := LogFileNames(d.Port)
	assert.Equal(t, filepath.Join(f.logsDir, f.project.ID, outName), d.StdoutLog)
	assert.Equal(t, filepath.Join(f.logsDir, f.project.ID, errName), d.StderrLog)

	status, err := f.manager.Status(ctx, f.project.ID)
	require.NoError(t, err)
	assert.True(t, status.Deployed)
	assert.True(t, status.Active)
	assert.Equal(t, d.PID, status.PID)
	assert.Equal(t, fmt.Sprintf("http://localhost:%d", d.Port), status.AccessURL)
	assert.Equal(t, "svc", status.ServiceName)
}

// TestDeployLogs tests log classification and the synthetic process line
func TestDeployLogs(t *testing.T) {
	f := newFixture(t, testutil.StubHTTP, t.TempDir())
	ctx := testutil.Context(t, 20*time.Second)

	d, err := f.manager.Deploy(ctx, f.project.ID, Config{})
	require.NoError(t, err)
	get(t, d.Port)

	var entries []logs.Entry
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		entries = f.manager.Logs(f.project.ID, 50)
		return len(entries) >= 6
	}, "log files should fill")

	byMessage := make(map[string]logs.Entry)
	for _, e := range entries {
		byMessage[e.Message] = e
	}
	assert.Equal(t, logs.LevelSuccess, byMessage[fmt.Sprintf("🚀 Starting server on port %d", d.Port)].Level)
	assert.Equal(t, logs.LevelDebug, byMessage["DEBUG: handler registered"].Level)
	assert.Equal(t, logs.LevelInfo, byMessage["ready"].Level)

	warn := byMessage["WARN: running a stub service"]
	assert.Equal(t, logs.LevelError, warn.Level)
	assert.Equal(t, logs.SourceStderr, warn.Source)

	last := entries[len(entries)-1]
	assert.Equal(t, logs.SourceDeployment, last.Source)
	assert.Equal(t, fmt.Sprintf("Service is running with PID %d", d.PID), last.Message)

	// The line budget is honored
	assert.Len(t, f.manager.Logs(f.project.ID, 2), 2)
	assert.Empty(t, f.manager.Logs("missing", 10))
}

// TestDeployMemoryLogsFallback tests output is kept in memory without a logs dir
func TestDeployMemoryLogsFallback(t *testing.T) {
	f := newFixture(t, testutil.StubHTTP, "")
	ctx := testutil.Context(t, 20*time.Second)

	d, err := f.manager.Deploy(ctx, f.project.ID, Config{})
	require.NoError(t, err)
	assert.Empty(t, d.StdoutLog)
	get(t, d.Port)

	testutil.RequireEventually(t, 5*time.Second, func() bool {
		for _, e := range f.manager.Logs(f.project.ID, 50) {
			if e.Message == "ready" {
				return true
			}
		}
		return false
	}, "stdout should be captured in memory")
}

// TestDeployExplicitPort tests a free explicit port is used as requested
func TestDeployExplicitPort(t *testing.T) {
	f := newFixture(t, testutil.StubHTTP, t.TempDir())
	ctx := testutil.Context(t, 20*time.Second)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	want := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	d, err := f.manager.Deploy(ctx, f.project.ID, Config{Port: want})
	require.NoError(t, err)
	assert.Equal(t, want, d.Port)
	assert.True(t, f.state.Ports().IsAllocated(want))
}

// TestDeployOccupiedPort tests an occupied explicit port gets an alternative
func TestDeployOccupiedPort(t *testing.T) {
	f := newFixture(t, testutil.StubHTTP, t.TempDir())
	ctx := testutil.Context(t, 20*time.Second)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	d, err := f.manager.Deploy(ctx, f.project.ID, Config{Port: busy})
	require.NoError(t, err)
	assert.NotEqual(t, busy, d.Port)
	assert.False(t, f.state.Ports().IsAllocated(busy))
}

func TestValidateConfig(t *testing.T) {
	tests := map[int]bool{
		0:     true,
		1024:  true,
		3000:  true,
		65535: true,
		80:    false,
		1023:  false,
		65536: false,
		-1:    false,
	}
	for port, ok := range tests {
		err := ValidateConfig(Config{Port: port})
		if ok {
			assert.NoError(t, err, "port %d", port)
		} else {
			assert.ErrorIs(t, err, ErrInvalidPort, "port %d", port)
		}
	}

	f := newFixture(t, testutil.StubHTTP, t.TempDir())
	_, err := f.manager.Deploy(context.Background(), f.project.ID, Config{Port: 80})
	assert.ErrorIs(t, err, ErrInvalidPort)
	assert.Empty(t, f.state.Ports().Allocated())
	assert.Equal(t, registry.StatusCreated, f.projectState(t).Status)
}

// TestDeploySamePortTwice tests a second project asking for a taken port
// gets the next port from the allocator
func TestDeploySamePortTwice(t *testing.T) {
	start := ports.DefaultStartPort
	if !ports.IsPortAvailable(start) || !ports.IsPortAvailable(start+1) {
		t.Skipf("ports %d-%d are in use on this host", start, start+1)
	}
	f := newFixture(t, testutil.StubHTTP, t.TempDir())
	other := f.addProject(t, "svc2")
	ctx := testutil.Context(t, 20*time.Second)

	first, err := f.manager.Deploy(ctx, f.project.ID, Config{Port: start})
	require.NoError(t, err)
	assert.Equal(t, start, first.Port)

	second, err := f.manager.Deploy(ctx, other.ID, Config{Port: start})
	require.NoError(t, err)
	assert.Equal(t, start+1, second.Port)
	assert.Equal(t, "ok\n", get(t, second.Port))

	status, err := f.manager.Status(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, start+1, status.Port)

	p, err := f.projects.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, start+1, p.ServicePort)
	assert.ElementsMatch(t, []int{start, start + 1}, f.state.Ports().Allocated())
}

// TestStoppedPortIsReused tests a stopped deployment's port goes back to the allocator
func TestStoppedPortIsReused(t *testing.T) {
	f := newFixture(t, testutil.StubHTTP, t.TempDir())
	ctx := testutil.Context(t, 20*time.Second)

	d, err := f.manager.Deploy(ctx, f.project.ID, Config{})
	require.NoError(t, err)
	require.NoError(t, f.manager.Stop(ctx, f.project.ID))
	assert.False(t, f.state.Ports().IsAllocated(d.Port))

	again, err := f.manager.Deploy(ctx, f.project.ID, Config{})
	require.NoError(t, err)
	assert.Equal(t, d.Port, again.Port)
	require.NoError(t, f.manager.Stop(ctx, f.project.ID))

	port, err := f.state.Ports().Allocate()
	require.NoError(t, err)
	assert.Equal(t, d.Port, port)
	f.state.Ports().Free(port)
}

// TestDeployCrashFreesPort tests a service dying at startup leaves no trace
func TestDeployCrashFreesPort(t *testing.T) {
	f := newFixture(t, testutil.StubCrash, t.TempDir())
	ctx := testutil.Context(t, 20*time.Second)

	_, err := f.manager.Deploy(ctx, f.project.ID, Config{})
	require.Error(t, err)

	var startErr *StartError
	require.True(t, errors.As(err, &startErr), "got %v", err)
	assert.Contains(t, startErr.Stderr, "boom")
	assert.Contains(t, err.Error(), "Process error: boom")
	require.NotNil(t, startErr.ExitCode)
	assert.Equal(t, 1, *startErr.ExitCode)

	assert.Empty(t, f.state.Ports().Allocated())
	_, ok := f.state.Deployment(f.project.ID)
	assert.False(t, ok)
	assert.Equal(t, registry.StatusError, f.projectState(t).Status)
}

// TestDeployNoEntryPoint tests a project without a runnable file fails cleanly
func TestDeployNoEntryPoint(t *testing.T) {
	f := newFixture(t, testutil.StubHTTP, t.TempDir())
	require.NoError(t, os.Remove(filepath.Join(f.project.Path, "app.py")))

	_, err := f.manager.Deploy(context.Background(), f.project.ID, Config{})
	assert.ErrorIs(t, err, ErrNoEntryPoint)
	assert.Empty(t, f.state.Ports().Allocated())
	assert.Equal(t, registry.StatusError, f.projectState(t).Status)
}

// TestDeployUnknownProject tests registry errors surface unchanged
func TestDeployUnknownProject(t *testing.T) {
	f := newFixture(t, testutil.StubHTTP, t.TempDir())
	_, err := f.manager.Deploy(context.Background(), "missing", Config{})
	assert.ErrorIs(t, err, registry.ErrNotFound)

	assert.ErrorIs(t, f.manager.Stop(context.Background(), "missing"), registry.ErrNotFound)
	_, err = f.manager.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

// TestStop tests stop kills the service and releases everything
func TestStop(t *testing.T) {
	f := newFixture(t, testutil.StubHTTP, t.TempDir())
	ctx := testutil.Context(t, 20*time.Second)

	d, err := f.manager.Deploy(ctx, f.project.ID, Config{})
	require.NoError(t, err)

	require.NoError(t, f.manager.Stop(ctx, f.project.ID))
	assert.False(t, process.IsAlive(d.Process))
	assert.False(t, f.state.Ports().IsAllocated(d.Port))

	p := f.projectState(t)
	assert.Equal(t, registry.StatusStopped, p.Status)
	assert.False(t, p.DeploymentActive)

	status, err := f.manager.Status(ctx, f.project.ID)
	require.NoError(t, err)
	assert.False(t, status.Deployed)

	// Stopping again only updates the status
	require.NoError(t, f.manager.Stop(ctx, f.project.ID))
}

// TestRedeployReplacesRunningService tests a second deploy stops the first
func TestRedeployReplacesRunningService(t *testing.T) {
	f := newFixture(t, testutil.StubHTTP, t.TempDir())
	ctx := testutil.Context(t, 20*time.Second)

	first, err := f.manager.Deploy(ctx, f.project.ID, Config{})
	require.NoError(t, err)
	second, err := f.manager.Deploy(ctx, f.project.ID, Config{})
	require.NoError(t, err)

	assert.False(t, process.IsAlive(first.Process))
	assert.True(t, process.IsAlive(second.Process))
	assert.Len(t, f.state.Deployments(), 1)
	assert.Equal(t, []int{second.Port}, f.state.Ports().Allocated())
}

// TestConcurrentDeploys tests deploys of one project are serialized
func TestConcurrentDeploys(t *testing.T) {
	f := newFixture(t, testutil.StubHTTP, t.TempDir())
	ctx := testutil.Context(t, 30*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Deploy(ctx, f.project.ID, Config{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.state.Deployments(), 1)
	assert.Len(t, f.state.Ports().Allocated(), 1)
}

// TestRestart tests restart keeps the configuration with a new process
func TestRestart(t *testing.T) {
	f := newFixture(t, testutil.StubHTTP, t.TempDir())
	ctx := testutil.Context(t, 20*time.Second)

	_, err := f.manager.Restart(ctx, f.project.ID)
	assert.ErrorIs(t, err, ErrNotDeployed)

	first, err := f.manager.Deploy(ctx, f.project.ID, Config{ServiceName: "kept", EnableLogging: true})
	require.NoError(t, err)
	second, err := f.manager.Restart(ctx, f.project.ID)
	require.NoError(t, err)

	assert.NotEqual(t, first.PID, second.PID)
	assert.Equal(t, first.Config, second.Config)
	assert.Equal(t, registry.StatusDeployed, f.projectState(t).Status)
}

// TestServiceExitIsReported tests a dead service shows up in status, logs and events
func TestServiceExitIsReported(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Shutdown()
	failed := make(chan events.Event, 1)
	bus.Subscribe(events.DeployFailed, func(e events.Event) { failed <- e })

	f := newFixture(t, testutil.StubHTTP, t.TempDir())
	f.manager.eventBus = bus
	ctx := testutil.Context(t, 20*time.Second)

	d, err := f.manager.Deploy(ctx, f.project.ID, Config{})
	require.NoError(t, err)
	proc, err := os.FindProcess(d.PID)
	require.NoError(t, err)
	require.NoError(t, proc.Kill())

	select {
	case e := <-failed:
		assert.Equal(t, f.project.ID, e.ProjectID)
	case <-time.After(5 * time.Second):
		t.Fatal("exit was not reported")
	}

	status, err := f.manager.Status(ctx, f.project.ID)
	require.NoError(t, err)
	assert.True(t, status.Deployed)
	assert.False(t, status.Active)

	entries := f.manager.Logs(f.project.ID, 10)
	require.NotEmpty(t, entries)
	assert.True(t, strings.HasPrefix(entries[len(entries)-1].Message, "Service process has stopped"))
}

func TestPorts(t *testing.T) {
	f := newFixture(t, testutil.StubHTTP, t.TempDir())
	require.True(t, f.state.Ports().Reserve(3000))

	view := f.manager.Ports()
	assert.Equal(t, []int{3000}, view.Allocated)
	assert.Len(t, view.Available, 10)
	assert.Equal(t, 3001, view.Available[0])
}

func TestLogFilesAndDiagnose(t *testing.T) {
	f := newFixture(t, testutil.StubHTTP, t.TempDir())
	ctx := testutil.Context(t, 20*time.Second)

	stale := filepath.Join(f.logsDir, f.project.ID, "old.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, []byte("x\n"), 0644))

	d, err := f.manager.Deploy(ctx, f.project.ID, Config{})
	require.NoError(t, err)

	view, err := f.manager.LogFiles(ctx, f.project.ID)
	require.NoError(t, err)
	require.Len(t, view.LogFiles, 3)
	assert.Equal(t, "stdout", view.LogFiles[0].Type)
	assert.Equal(t, d.StdoutLog, view.LogFiles[0].Path)
	assert.True(t, view.LogFiles[0].Exists)
	assert.Equal(t, "stderr", view.LogFiles[1].Type)
	assert.Equal(t, "discovered", view.LogFiles[2].Type)
	assert.Equal(t, int64(2), view.LogFiles[2].SizeBytes)

	diag, err := f.manager.Diagnose(ctx, f.project.ID)
	require.NoError(t, err)
	assert.True(t, diag.ProjectExists)
	assert.True(t, diag.Deployed)
	assert.Equal(t, filepath.Join(f.project.Path, "app.py"), diag.EntryPoint)
	assert.Equal(t, []string{"app.py"}, diag.SearchResults["root"].MainFiles)
	assert.False(t, diag.SearchResults["src"].Exists)
}

func TestStartErrorMessages(t *testing.T) {
	assert.Equal(t, "failed to start service process: Process output: hello",
		(&StartError{Stdout: "hello\n"}).Error())
	assert.Equal(t, "failed to start service process: Process failed to start",
		(&StartError{}).Error())
	cause := errors.New("exec: not found")
	err := &StartError{Err: cause}
	assert.ErrorIs(t, err, cause)
}
