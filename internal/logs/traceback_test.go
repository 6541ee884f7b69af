package logs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const importFailure = `INFO: booting
Traceback (most recent call last):
  File "/srv/demo/server.py", line 3, in <module>
    import mcp.server
  File "/srv/demo/lib.py", line 10, in helper
    raise RuntimeError("x")
    ^^^^^^^^^^^^^^^^^^^^^^^
ModuleNotFoundError: No module named 'mcp'
`

func TestTracebackParser(t *testing.T) {
	err := LastError(importFailure)
	require.NotNil(t, err)
	assert.Equal(t, "ModuleNotFoundError", err.Type)
	assert.Equal(t, "No module named 'mcp'", err.Message)
	assert.Len(t, err.Stack, 2)
	assert.Contains(t, err.Stack[0], `File "/srv/demo/server.py", line 3`)
	assert.Equal(t, "Traceback (most recent call last):", err.Raw[0])
	assert.Equal(t, "ModuleNotFoundError: No module named 'mcp'", err.Summary())
}

func TestTracebackParserChained(t *testing.T) {
	text := `Traceback (most recent call last):
  File "a.py", line 1, in <module>
KeyError: 'port'

During handling of the above exception, another exception occurred:

Traceback (most recent call last):
  File "a.py", line 3, in <module>
SystemExit: 2
`
	p := NewTracebackParser()
	var completed []*ErrorContext
	for _, line := range splitLines(text) {
		if ctx := p.ProcessLine(line); ctx != nil {
			completed = append(completed, ctx)
		}
	}
	require.Len(t, completed, 2)
	assert.Equal(t, "KeyError", completed[0].Type)
	assert.Equal(t, "SystemExit", completed[1].Type)
	assert.Len(t, p.Errors(), 2)
}

func TestTracebackParserStandaloneLines(t *testing.T) {
	err := LastError("ValueError: bad port\n")
	require.NotNil(t, err)
	assert.Equal(t, "ValueError", err.Type)

	err = LastError("ERROR: address already in use\n")
	require.NotNil(t, err)
	assert.Empty(t, err.Type)
	assert.Equal(t, "address already in use", err.Message)
	assert.Equal(t, "ERROR: address already in use", err.Summary())

	assert.Nil(t, LastError("all fine\nnothing to see\n"))
}

func TestTracebackParserFlush(t *testing.T) {
	p := NewTracebackParser()
	p.ProcessLine("Traceback (most recent call last):")
	p.ProcessLine(`  File "x.py", line 1, in <module>`)
	assert.Empty(t, p.Errors())

	ctx := p.Flush()
	require.NotNil(t, ctx)
	assert.Len(t, ctx.Stack, 1)
	assert.Nil(t, p.Flush())
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}
