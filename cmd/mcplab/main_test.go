package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandsAreRegistered(t *testing.T) {
	want := []string{"serve", "discover", "call", "watch", "projects", "deploy", "stop", "restart", "status", "logs", "ports", "mcp", "doctor"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	for _, sub := range []string{"list", "create", "delete", "import"} {
		cmd, _, err := rootCmd.Find([]string{"projects", sub})
		require.NoError(t, err, sub)
		assert.Equal(t, sub, cmd.Name())
	}
}

func TestAPIClientDecodesResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/deploy/ports/available":
			w.Write([]byte(`{"allocated_ports":[3000],"available_ports":[3001,3002]}`))
		case "/api/deploy/missing/restart":
			assert.Equal(t, http.MethodPost, r.Method)
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"detail":"project is not deployed"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := &apiClient{base: srv.URL, http: srv.Client()}
	ctx := context.Background()

	var ports struct {
		Allocated []int `json:"allocated_ports"`
		Available []int `json:"available_ports"`
	}
	require.NoError(t, c.get(ctx, "/api/deploy/ports/available", &ports))
	assert.Equal(t, []int{3000}, ports.Allocated)
	assert.Equal(t, []int{3001, 3002}, ports.Available)

	err := c.post(ctx, "/api/deploy/missing/restart", nil, nil)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "project is not deployed", apiErr.Detail)

	err = c.get(ctx, "/nope", nil)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Internal Server Error", apiErr.Detail)
}

func TestAPIClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := &apiClient{base: base, http: http.DefaultClient}
	err := c.get(context.Background(), "/health", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mcplab serve")
}

func TestWithStderr(t *testing.T) {
	base := errors.New("initialize: timeout")
	assert.Same(t, base, withStderr(base, "  \n"))

	err := withStderr(base, "Traceback...\nImportError: no module named mcp\n")
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "ImportError: no module named mcp")
}

func TestWriteJSONIndents(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, map[string]int{"a": 1}))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())
}

func TestIndent(t *testing.T) {
	assert.Equal(t, "  a\n  b\n", indent("a\nb\n"))
	assert.Equal(t, "first", firstLine("first\nsecond"))
}
