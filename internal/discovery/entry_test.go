package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestFindEntryPoint(t *testing.T) {
	root := t.TempDir()

	_, ok := FindEntryPoint(root, "")
	assert.False(t, ok)

	// Directory order beats name order
	writeFile(t, filepath.Join(root, "src", "server.py"), "")
	writeFile(t, filepath.Join(root, "app.py"), "")
	path, ok := FindEntryPoint(root, "")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "app.py"), path)

	// Name order within a directory
	writeFile(t, filepath.Join(root, "main.py"), "")
	path, _ = FindEntryPoint(root, "")
	assert.Equal(t, filepath.Join(root, "main.py"), path)

	writeFile(t, filepath.Join(root, "server.py"), "")
	path, _ = FindEntryPoint(root, "")
	assert.Equal(t, filepath.Join(root, "server.py"), path)
}

func TestFindEntryPointNestedDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "server", "__main__.py"), "")
	path, ok := FindEntryPoint(root, "")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "server", "__main__.py"), path)

	writeFile(t, filepath.Join(root, "src", "playwright_server", "main.py"), "")
	path, _ = FindEntryPoint(root, "")
	assert.Equal(t, filepath.Join(root, "src", "playwright_server", "main.py"), path)

	writeFile(t, filepath.Join(root, "src", "weather_server", "server.py"), "")
	path, _ = FindEntryPoint(root, "src/weather_server")
	assert.Equal(t, filepath.Join(root, "src", "weather_server", "server.py"), path)
}

func TestFindEntryPointIgnoresDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "server.py"), 0755))
	_, ok := FindEntryPoint(root, "")
	assert.False(t, ok)
}

func TestFindDeployEntryPoint(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "pkg", "helpers.py"), "def helper():\n    pass\n")
	writeFile(t, filepath.Join(root, "pkg", "run_service.py"), "import os\n\nif __name__ == \"__main__\":\n    serve()\n")

	_, ok := FindEntryPoint(root, "")
	assert.False(t, ok)

	path, ok := FindDeployEntryPoint(root, "", 0)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "pkg", "run_service.py"), path)

	// Async main counts as a guard
	other := t.TempDir()
	writeFile(t, filepath.Join(other, "svc.py"), "async def main():\n    pass\n")
	path, ok = FindDeployEntryPoint(other, "", 0)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(other, "svc.py"), path)

	// Standard names still win
	writeFile(t, filepath.Join(root, "main.py"), "")
	path, _ = FindDeployEntryPoint(root, "", 0)
	assert.Equal(t, filepath.Join(root, "main.py"), path)
}

func TestPythonFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.py"), "")
	writeFile(t, filepath.Join(root, "pkg", "b.py"), "")
	writeFile(t, filepath.Join(root, "README.md"), "")
	writeFile(t, filepath.Join(root, ".venv", "lib", "site.py"), "")
	writeFile(t, filepath.Join(root, "pkg", "__pycache__", "b.py"), "")
	writeFile(t, filepath.Join(root, "build", "out.py"), "")

	files, truncated := PythonFiles(root, 0)
	assert.False(t, truncated)
	assert.Equal(t, []string{
		filepath.Join(root, "a.py"),
		filepath.Join(root, "pkg", "b.py"),
	}, files)

	files, truncated = PythonFiles(root, 1)
	assert.True(t, truncated)
	assert.Len(t, files, 1)
}
