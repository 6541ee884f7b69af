package api

import (
	"errors"
	"net/http"
)

var errNoGateway = errors.New("gateway is disabled")

func (s *Server) handleGatewayRoutes(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": errNoGateway.Error()})
		return
	}
	routes, err := s.gateway.Routes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"gateway": s.gateway.Addr(),
		"routes":  routes,
	})
}

// handleGatewayRequests returns the forwarded-request history, filtered by ?project=.
func (s *Server) handleGatewayRequests(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": errNoGateway.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": s.gateway.Requests(r.URL.Query().Get("project")),
	})
}

func (s *Server) handleClearGatewayRequests(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": errNoGateway.Error()})
		return
	}
	s.gateway.ClearRequests(r.URL.Query().Get("project"))
	w.WriteHeader(http.StatusNoContent)
}
