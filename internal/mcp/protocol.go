package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is sent in the initialize request.
const ProtocolVersion = "2024-11-05"

// Client identity sent in the initialize request.
const (
	ClientName    = "mcplab"
	ClientVersion = "1.0.0"
)

// Method names.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "notifications/initialized"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
)

// Tool is a tool advertised by a server. It is immutable once discovered.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource is a resource advertised by a server.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ServerInfo is the useful part of an initialize result.
type ServerInfo struct {
	Name            string          `json:"name"`
	Version         string          `json:"version"`
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func newInitializeParams() initializeParams {
	return initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ClientInfo:      clientInfo{Name: ClientName, Version: ClientVersion},
	}
}

// ToolError is a tool result flagged with isError.
type ToolError struct {
	Message string
}

func (e *ToolError) Error() string {
	return "tool error: " + e.Message
}

// NormalizeToolResult reduces a tools/call result to a single value:
//
//   - a "content" array yields its first element's "text", else the first
//     element, else the empty array;
//   - a result with "isError" set (and no content) yields a *ToolError;
//   - anything else is returned as decoded JSON.
func NormalizeToolResult(raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return decodeAny(raw)
	}

	if content, ok := obj["content"]; ok {
		return normalizeContent(content)
	}

	if flag, ok := obj["isError"]; ok {
		var isError bool
		if json.Unmarshal(flag, &isError) == nil && isError {
			return nil, &ToolError{Message: errorMessage(obj)}
		}
	}

	return decodeAny(raw)
}

func normalizeContent(content json.RawMessage) (any, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(content, &items); err != nil || items == nil {
		// Not an array; hand back whatever it is
		return decodeAny(content)
	}
	if len(items) == 0 {
		return []any{}, nil
	}

	var first map[string]any
	if err := json.Unmarshal(items[0], &first); err == nil && first != nil {
		if text, ok := first["text"]; ok {
			return text, nil
		}
		return first, nil
	}
	return decodeAny(items[0])
}

func errorMessage(obj map[string]json.RawMessage) string {
	for _, key := range []string{"message", "error"} {
		var s string
		if v, ok := obj[key]; ok && json.Unmarshal(v, &s) == nil && s != "" {
			return s
		}
	}
	return "Unknown error"
}

func decodeAny(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding tool result: %w", err)
	}
	return v, nil
}

// Lifecycle errors.
var (
	ErrNotStarted     = errors.New("mcp client not started")
	ErrAlreadyStarted = errors.New("mcp client already started")
	ErrStopped        = errors.New("mcp client stopped")
	ErrProcessExited  = errors.New("mcp server process has exited")
)
