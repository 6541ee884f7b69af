package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/standardbeagle/mcplab/internal/deploy"
)

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	cfg := deploy.Config{AutoStart: true, EnableLogging: true}
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	if err := deploy.ValidateConfig(cfg); err != nil {
		writeError(w, err)
		return
	}
	id := projectID(r)
	d, err := s.deploy.Deploy(r.Context(), id, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeDeployment(w, r, d, "Service deployed")
}

func (s *Server) handleDeployStop(w http.ResponseWriter, r *http.Request) {
	id := projectID(r)
	if err := s.deploy.Stop(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Service stopped for project %s", id)})
}

func (s *Server) handleDeployRestart(w http.ResponseWriter, r *http.Request) {
	d, err := s.deploy.Restart(r.Context(), projectID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeDeployment(w, r, d, "Service restarted")
}

func (s *Server) writeDeployment(w http.ResponseWriter, r *http.Request, d *deploy.Deployment, message string) {
	status, err := s.deploy.Status(r.Context(), d.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     message,
		"project_id":  d.ProjectID,
		"port":        d.Port,
		"process_id":  d.PID,
		"entry_point": d.EntryPoint,
		"access_url":  status.AccessURL,
		"status":      status,
	})
}

func (s *Server) handleDeployStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deploy.Status(r.Context(), projectID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDeployments(w http.ResponseWriter, r *http.Request) {
	statuses := s.deploy.Statuses()
	if statuses == nil {
		statuses = []deploy.Status{}
	}
	writeJSON(w, http.StatusOK, statuses)
}

// handleDeployLogs returns the last ?lines=N classified lines.
func (s *Server) handleDeployLogs(w http.ResponseWriter, r *http.Request) {
	id := projectID(r)
	if _, err := s.projects.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	lines := deploy.DefaultLogLines
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: lines must be a positive integer", errBadRequest))
			return
		}
		lines = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": id,
		"logs":       s.deploy.Logs(id, lines),
	})
}

func (s *Server) handleDeployLogFiles(w http.ResponseWriter, r *http.Request) {
	view, err := s.deploy.LogFiles(r.Context(), projectID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeployDiagnose(w http.ResponseWriter, r *http.Request) {
	diag, err := s.deploy.Diagnose(r.Context(), projectID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deploy.Ports())
}
