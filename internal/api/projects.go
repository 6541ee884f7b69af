package api

import (
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/standardbeagle/mcplab/internal/logs"
	"github.com/standardbeagle/mcplab/internal/registry"
	"github.com/standardbeagle/mcplab/pkg/filters"
)

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.projects.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.projects.Create(r.Context(), req.Name, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Project created", zap.String("project", p.ID), zap.String("name", p.Name))
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.projects.Get(r.Context(), projectID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleProjectStats counts source files and adds the deployment uptime.
func (s *Server) handleProjectStats(w http.ResponseWriter, r *http.Request) {
	p, err := s.projects.Get(r.Context(), projectID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := registry.ProjectStats(p)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.deploy != nil {
		if st, err := s.deploy.Status(r.Context(), p.ID); err == nil && st.Deployed {
			secs := st.Uptime.Seconds()
			stats.UptimeSeconds = &secs
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleProjectFiles(w http.ResponseWriter, r *http.Request) {
	p, err := s.projects.Get(r.Context(), projectID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	files, err := registry.ProjectFiles(p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

// handleDeleteProject tears down the project's session and deployment before removing it.
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := projectID(r)
	if _, err := s.projects.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deploy.Stop(r.Context(), id); err != nil {
		s.logger.Warn("Stopping deployment before delete failed", zap.String("project", id), zap.Error(err))
	}
	if err := s.debug.Stop(r.Context(), id); err != nil {
		s.logger.Warn("Stopping debug session before delete failed", zap.String("project", id), zap.Error(err))
	}
	if err := s.projects.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if s.logs != nil {
		s.logs.Clear(id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Project %s deleted", id)})
}

// handleSearchLogs answers ?level=warn&q=/regex/&q=!noise&limit=100 from the log store.
func (s *Server) handleSearchLogs(w http.ResponseWriter, r *http.Request) {
	id := projectID(r)
	if _, err := s.projects.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if s.logs == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"logs": []logs.Entry{}, "errors": []logs.ErrorContext{}})
		return
	}

	query := r.URL.Query()
	var level logs.Level
	if v := query.Get("level"); v != "" {
		l, ok := logs.ParseLevel(v)
		if !ok {
			writeError(w, fmt.Errorf("%w: unknown level %q", errBadRequest, v))
			return
		}
		level = l
	}
	fs, err := filters.ParseAll(query["q"])
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	entries := s.logs.Search(id, level, fs)
	if n, err := strconv.Atoi(query.Get("limit")); err == nil && n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	if entries == nil {
		entries = []logs.Entry{}
	}
	errs := s.logs.Errors(id)
	if errs == nil {
		errs = []logs.ErrorContext{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": id,
		"logs":       entries,
		"errors":     errs,
	})
}
