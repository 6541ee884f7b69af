package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

// TestProjectStats tests that only source files count toward the totals.
func TestProjectStats(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"server.py":                  "12345",
		"pyproject.toml":             "123",
		"Dockerfile":                 "12",
		"uv.lock":                    "ignored",
		"logo.png":                   "ignored",
		".venv/lib/site.py":          "ignored",
		"__pycache__/server.pyc":     "ignored",
		"src/tools/weather_tools.py": "1234",
	})
	updated := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	stats, err := ProjectStats(&Project{Path: root, UpdatedAt: updated})
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalFiles)
	assert.Equal(t, int64(14), stats.TotalSizeBytes)
	assert.Equal(t, updated, stats.LastActivity)
	assert.Nil(t, stats.UptimeSeconds)
}

func TestProjectFilesListing(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"server.py":         "print()",
		"README.md":         "# demo",
		"src/app/tools.py":  "x = 1",
		"node_modules/a.js": "skipped",
		".git/HEAD":         "skipped",
	})

	files, err := ProjectFiles(&Project{Path: root})
	require.NoError(t, err)
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"README.md", "server.py", "src/app/tools.py"}, names)
	assert.Equal(t, int64(len("print()")), files[1].Size)
	assert.False(t, files[1].Modified.IsZero())
}

// TestProjectFilesMissingDir tests that a project without a directory is empty.
func TestProjectFilesMissingDir(t *testing.T) {
	p := &Project{Path: filepath.Join(t.TempDir(), "gone")}

	files, err := ProjectFiles(p)
	require.NoError(t, err)
	assert.NotNil(t, files)
	assert.Empty(t, files)

	stats, err := ProjectStats(p)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalFiles)
}
