package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mcplab.log")

	logger, err := New(true, path)
	require.NoError(t, err)
	logger.Named("deploy").Debug("service started")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "service started")
	assert.Contains(t, string(data), `"logger":"deploy"`)
}

func TestNewInfoLevelDropsDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcplab.log")

	logger, err := New(false, path)
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("shown")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestNewFileSkipsConsole(t *testing.T) {
	logger, err := NewFile(false, "")
	require.NoError(t, err)
	logger.Info("dropped")

	path := filepath.Join(t.TempDir(), "tui.log")
	logger, err = NewFile(false, path)
	require.NoError(t, err)
	logger.Info("dashboard started")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "dashboard started")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
