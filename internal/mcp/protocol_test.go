package mcp

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeToolResult(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want any
	}{
		{"first text", `{"content":[{"type":"text","text":"hi"},{"type":"text","text":"ignored"}]}`, "hi"},
		{"first element without text", `{"content":[{"type":"image","data":"abc"}]}`, map[string]any{"type": "image", "data": "abc"}},
		{"scalar element", `{"content":[42]}`, float64(42)},
		{"empty content", `{"content":[]}`, []any{}},
		{"content not an array", `{"content":"plain"}`, "plain"},
		{"content wins over isError", `{"content":[{"type":"text","text":"bad input"}],"isError":true}`, "bad input"},
		{"isError false", `{"isError":false,"value":1}`, map[string]any{"isError": false, "value": float64(1)}},
		{"direct object", `{"answer":42}`, map[string]any{"answer": float64(42)}},
		{"direct scalar", `"just a string"`, "just a string"},
		{"direct array", `[1,2]`, []any{float64(1), float64(2)}},
		{"null", `null`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeToolResult(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeToolResultError(t *testing.T) {
	_, err := NormalizeToolResult(json.RawMessage(`{"isError":true}`))
	var toolErr *ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "Unknown error", toolErr.Message)

	_, err = NormalizeToolResult(json.RawMessage(`{"isError":true,"message":"quota exceeded"}`))
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "quota exceeded", toolErr.Message)
}

func TestNormalizeToolResultEmpty(t *testing.T) {
	got, err := NormalizeToolResult(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = NormalizeToolResult(json.RawMessage(`{broken`))
	assert.Error(t, err)
}

func TestInitializeParams(t *testing.T) {
	data, err := json.Marshal(newInitializeParams())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"protocolVersion": "2024-11-05",
		"capabilities": {"tools": {}},
		"clientInfo": {"name": "mcplab", "version": "1.0.0"}
	}`, string(data))
}
