package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/standardbeagle/mcplab/internal/debug"
	"github.com/standardbeagle/mcplab/internal/mcp"
	"github.com/standardbeagle/mcplab/internal/registry"
)

type executeRequest struct {
	ToolName   string                 `json:"tool_name"`
	Parameters map[string]interface{} `json:"parameters"`
}

func (s *Server) handleDebugStart(w http.ResponseWriter, r *http.Request) {
	id := projectID(r)
	sess, err := s.debug.Start(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     fmt.Sprintf("Debug session started for project %s", id),
		"tools_count": len(sess.Tools),
		"source":      sess.Source,
		"entry_point": sess.EntryPoint,
	})
}

func (s *Server) handleDebugStop(w http.ResponseWriter, r *http.Request) {
	id := projectID(r)
	if err := s.debug.Stop(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Debug session stopped for project %s", id)})
}

func (s *Server) handleDebugExecute(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, s.debug.Execute)
}

// handleDebugTest is execute without a prior start.
func (s *Server) handleDebugTest(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, s.debug.Test)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, id, tool string, args map[string]any) debug.ExecuteResult) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ToolName == "" {
		writeError(w, fmt.Errorf("%w: tool_name is required", errBadRequest))
		return
	}

	id := projectID(r)
	result := run(r.Context(), id, req.ToolName, req.Parameters)
	if errors.Is(result.Err, debug.ErrNoSession) || errors.Is(result.Err, registry.ErrNotFound) {
		writeError(w, result.Err)
		return
	}
	if !result.Success {
		s.logger.Debug("Tool execution failed", zap.String("project", id), zap.String("tool", req.ToolName), zap.Error(result.Err))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDebugInfo(w http.ResponseWriter, r *http.Request) {
	view, err := s.debug.Info(projectID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDebugStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.debug.Status(r.Context(), projectID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDebugTools(w http.ResponseWriter, r *http.Request) {
	id := projectID(r)
	tools, err := s.debug.Tools(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if tools == nil {
		tools = []mcp.Tool{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": id,
		"tools":      tools,
	})
}
