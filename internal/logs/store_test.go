package logs

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mcplab/internal/testutil"
	"github.com/standardbeagle/mcplab/pkg/events"
	"github.com/standardbeagle/mcplab/pkg/filters"
)

func TestStoreRing(t *testing.T) {
	s := NewStore(5)
	for i := 0; i < 8; i++ {
		s.Add("p1", fmt.Sprintf("line %d", i), SourceStdout)
	}
	s.Add("p2", "other project", SourceStdout)

	got := s.Recent("p1", 0)
	require.Len(t, got, 5)
	assert.Equal(t, "line 3", got[0].Message)
	assert.Equal(t, "line 7", got[4].Message)

	got = s.Recent("p1", 2)
	assert.Equal(t, "line 6", got[0].Message)
	assert.Len(t, s.Recent("p2", 10), 1)

	// Blank lines are not recorded
	s.Add("p2", "   ", SourceStdout)
	assert.Len(t, s.Recent("p2", 10), 1)

	s.Clear("p1")
	assert.Empty(t, s.Recent("p1", 10))
}

func TestStoreSearch(t *testing.T) {
	s := NewStore(0)
	s.Add("p", "DEBUG cache warm", SourceStdout)
	s.Add("p", "Starting server", SourceStdout)
	s.Add("p", "WARN slow request /tools", SourceStdout)
	s.Add("p", "request to /tools failed", SourceStdout)

	got := s.Search("p", LevelWarning, nil)
	require.Len(t, got, 2)

	fs, err := filters.ParseAll([]string{"/tools"})
	require.NoError(t, err)
	got = s.Search("p", "", fs)
	require.Len(t, got, 2)

	fs, err = filters.ParseAll([]string{"!slow"})
	require.NoError(t, err)
	got = s.Search("p", LevelWarning, fs)
	require.Len(t, got, 1)
	assert.Equal(t, "request to /tools failed", got[0].Message)
}

func TestStoreErrors(t *testing.T) {
	s := NewStore(0)
	for _, line := range splitLines(importFailure) {
		s.Add("p", line, SourceStderr)
	}
	errs := s.Errors("p")
	require.Len(t, errs, 1)
	assert.Equal(t, "ModuleNotFoundError", errs[0].Type)
	assert.Empty(t, s.Errors("other"))
}

func TestStoreAttach(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Shutdown()

	s := NewStore(0)
	detach := s.Attach(bus)

	bus.Publish(events.Event{Type: events.LogLine, ProjectID: "p", Data: map[string]interface{}{
		"line": "hello", "isError": true,
	}})
	testutil.RequireEventually(t, 2*time.Second, func() bool {
		return len(s.Recent("p", 0)) == 1
	}, "log line should be recorded")
	assert.Equal(t, SourceStderr, s.Recent("p", 0)[0].Source)

	detach()
	bus.Publish(events.Event{Type: events.LogLine, ProjectID: "p", Data: map[string]interface{}{"line": "late"}})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s.Recent("p", 0), 1)
}
