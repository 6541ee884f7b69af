package discovery

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mcplab/internal/mcp"
	"github.com/standardbeagle/mcplab/internal/process"
	"github.com/standardbeagle/mcplab/internal/testutil"
)

func stubEngine(t *testing.T, mode string) *Engine {
	t.Helper()
	exe, env := testutil.StubCommand(t, mode)
	sup := process.NewSupervisor(nil, process.WithStartupGrace(200*time.Millisecond), process.WithStopGrace(time.Second))
	return NewEngine(sup, Options{
		Command: func(string, string) (string, []string, map[string]string) {
			return exe, nil, env
		},
		CallTimeout: 2 * time.Second,
	}, nil)
}

// projectWithSource creates a project whose entry point also declares a
// tool that only static analysis can see.
func projectWithSource(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "server.py"), decoratedServer)
	return root
}

func toolNames(tools []mcp.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	return names
}

// TestDiscoverProtocolSkipsStatic tests a live tool list suppresses source scanning
func TestDiscoverProtocolSkipsStatic(t *testing.T) {
	root := projectWithSource(t)
	res := stubEngine(t, testutil.StubEcho).Discover(testutil.Context(t, 10*time.Second), root)

	assert.Equal(t, SourceProtocol, res.Source)
	assert.False(t, res.StaticRan)
	assert.Equal(t, []string{"echo", "add", "fail"}, toolNames(res.Tools))
	require.Len(t, res.Resources, 1)
	require.NotNil(t, res.ServerInfo)
	assert.Equal(t, "stub-echo", res.ServerInfo.Name)
	assert.Equal(t, filepath.Join(root, "server.py"), res.EntryPoint)
	assert.Contains(t, res.Stderr, "stub server started")
	assert.NoError(t, res.ProtocolErr)
}

// TestDiscoverEmptyProtocolRunsStatic tests zero live tools falls through to scanning
func TestDiscoverEmptyProtocolRunsStatic(t *testing.T) {
	root := projectWithSource(t)
	res := stubEngine(t, testutil.StubEmpty).Discover(testutil.Context(t, 10*time.Second), root)

	assert.True(t, res.StaticRan)
	assert.NoError(t, res.ProtocolErr)
	assert.Equal(t, SourceSyntax, res.Source)
	assert.Equal(t, []string{"navigate", "back"}, toolNames(res.Tools))
}

// TestDiscoverProtocolFailureIsSwallowed tests a crashing server degrades to scanning
func TestDiscoverProtocolFailureIsSwallowed(t *testing.T) {
	root := projectWithSource(t)
	res := stubEngine(t, testutil.StubCrash).Discover(testutil.Context(t, 10*time.Second), root)

	var spawnErr *process.SpawnError
	require.ErrorAs(t, res.ProtocolErr, &spawnErr)
	assert.Contains(t, spawnErr.Stderr, "boom")
	assert.True(t, res.StaticRan)
	assert.Equal(t, []string{"navigate", "back"}, toolNames(res.Tools))
}

// TestDiscoverRPCErrorFallsBack tests error responses degrade to scanning
func TestDiscoverRPCErrorFallsBack(t *testing.T) {
	root := projectWithSource(t)
	res := stubEngine(t, testutil.StubError).Discover(testutil.Context(t, 10*time.Second), root)
	assert.Error(t, res.ProtocolErr)
	assert.True(t, res.StaticRan)
	assert.Len(t, res.Tools, 2)
}

// TestDiscoverNothing tests the worst case is an empty result
func TestDiscoverNothing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "lib", "util.py"), "def add(a, b):\n    return a + b\n")

	res := stubEngine(t, testutil.StubEcho).Discover(testutil.Context(t, 10*time.Second), root)
	assert.Equal(t, SourceNone, res.Source)
	assert.Empty(t, res.Tools)
	assert.Empty(t, res.EntryPoint)
	assert.Equal(t, 1, res.FilesScanned)
}

// TestScanChainAndDedupe tests per-file extractor order and name de-duplication
func TestScanChainAndDedupe(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a_server.py"), decoratedServer)
	// Same tool names declared again further down the tree
	writeFile(t, filepath.Join(root, "pkg", "copy.py"), decoratedServer)
	writeFile(t, filepath.Join(root, "pkg", "handlers.py"), `tool_handlers = {"navigate": NavigateToolHandler(), "reload": ReloadToolHandler()}`)
	writeFile(t, filepath.Join(root, ".venv", "site.py"), `tool_handlers = {"hidden": HiddenToolHandler()}`)

	res := stubEngine(t, testutil.StubEcho).Scan(root)
	assert.Equal(t, SourceSyntax, res.Source)
	assert.Equal(t, []string{"navigate", "back", "reload"}, toolNames(res.Tools))
	assert.Equal(t, 3, res.FilesScanned)
}

func TestScanMaxFiles(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.py", "b.py", "c.py"} {
		writeFile(t, filepath.Join(root, name), "x = 1\n")
	}
	e := NewEngine(nil, Options{MaxFiles: 2, StaticOnly: true}, nil)
	res := e.Discover(testutil.Context(t, 5*time.Second), root)
	assert.True(t, res.Truncated)
	assert.Equal(t, 2, res.FilesScanned)
}

func TestScanSkipsLargeFiles(t *testing.T) {
	root := t.TempDir()
	big := make([]byte, MaxFileSize+1)
	copy(big, `tool_handlers = {"big": BigToolHandler()}`)
	writeFile(t, filepath.Join(root, "big_server.py"), string(big))

	res := NewEngine(nil, Options{}, nil).Scan(root)
	assert.Empty(t, res.Tools)
}
