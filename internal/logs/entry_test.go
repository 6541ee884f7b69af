package logs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		line string
		want Level
	}{
		{"ERROR: could not bind", LevelError},
		{"request failed", LevelError},
		{"Warning: deprecated option", LevelWarning},
		{"debug: cache miss", LevelDebug},
		{"🚀 server up", LevelSuccess},
		{"✅ ready", LevelSuccess},
		{"Starting MCP server on port 3001", LevelSuccess},
		{"handled request", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.line))
		})
	}
}

func TestClassifyLines(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := ClassifyLines([]string{"Starting", "", "   ", "plain info"}, SourceStdout, ts)
	assert.Equal(t, []Entry{
		{Timestamp: ts, Level: LevelSuccess, Message: "Starting", Source: SourceStdout},
		{Timestamp: ts, Level: LevelInfo, Message: "plain info", Source: SourceStdout},
	}, got)

	got = ClassifyLines([]string{"Starting anyway"}, SourceStderr, ts)
	assert.Equal(t, LevelError, got[0].Level)

	got = ClassifyLines([]string{"\x1b[32mINFO\x1b[0m:     Uvicorn running", "\x1b[0m"}, SourceStdout, ts)
	require.Len(t, got, 1)
	assert.Equal(t, "INFO:     Uvicorn running", got[0].Message)
}

func TestParseLevel(t *testing.T) {
	l, ok := ParseLevel("warn")
	assert.True(t, ok)
	assert.Equal(t, LevelWarning, l)

	_, ok = ParseLevel("loud")
	assert.False(t, ok)

	assert.Less(t, LevelDebug.Rank(), LevelInfo.Rank())
	assert.Equal(t, LevelInfo.Rank(), LevelSuccess.Rank())
	assert.Less(t, LevelWarning.Rank(), LevelError.Rank())
}
