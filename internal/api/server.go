// Package api exposes projects, debug sessions and deployments over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/standardbeagle/mcplab/internal/debug"
	"github.com/standardbeagle/mcplab/internal/deploy"
	"github.com/standardbeagle/mcplab/internal/logging"
	"github.com/standardbeagle/mcplab/internal/logs"
	"github.com/standardbeagle/mcplab/internal/proxy"
	"github.com/standardbeagle/mcplab/internal/registry"
	"github.com/standardbeagle/mcplab/pkg/events"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

type Server struct {
	router   *mux.Router
	projects registry.Registry
	debug    *debug.Manager
	deploy   *deploy.Manager
	logs     *logs.Store
	gateway  *proxy.Server
	eventBus *events.EventBus
	logger   *zap.Logger

	wsUpgrader websocket.Upgrader

	mu      sync.Mutex
	server  *http.Server
	addr    string
	started time.Time
}

// Config groups the collaborators a Server fronts. Logs, Gateway and
// EventBus are optional.
type Config struct {
	Projects registry.Registry
	Debug    *debug.Manager
	Deploy   *deploy.Manager
	Logs     *logs.Store
	Gateway  *proxy.Server
	EventBus *events.EventBus
}

func NewServer(cfg Config, logger *zap.Logger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		projects: cfg.Projects,
		debug:    cfg.Debug,
		deploy:   cfg.Deploy,
		logs:     cfg.Logs,
		gateway:  cfg.Gateway,
		eventBus: cfg.EventBus,
		logger:   logging.OrNop(logger).Named("api"),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/projects", s.handleListProjects).Methods("GET")
	s.router.HandleFunc("/api/projects", s.handleCreateProject).Methods("POST")
	s.router.HandleFunc("/api/projects/{id}", s.handleGetProject).Methods("GET")
	s.router.HandleFunc("/api/projects/{id}", s.handleDeleteProject).Methods("DELETE")
	s.router.HandleFunc("/api/projects/{id}/logs", s.handleSearchLogs).Methods("GET")
	s.router.HandleFunc("/api/projects/{id}/stats", s.handleProjectStats).Methods("GET")
	s.router.HandleFunc("/api/projects/{id}/files", s.handleProjectFiles).Methods("GET")

	s.router.HandleFunc("/api/debug/{id}/start", s.handleDebugStart).Methods("POST")
	s.router.HandleFunc("/api/debug/{id}/stop", s.handleDebugStop).Methods("POST")
	s.router.HandleFunc("/api/debug/{id}/execute", s.handleDebugExecute).Methods("POST")
	s.router.HandleFunc("/api/debug/{id}/test", s.handleDebugTest).Methods("POST")
	s.router.HandleFunc("/api/debug/{id}/info", s.handleDebugInfo).Methods("GET")
	s.router.HandleFunc("/api/debug/{id}/status", s.handleDebugStatus).Methods("GET")
	s.router.HandleFunc("/api/debug/{id}/tools", s.handleDebugTools).Methods("GET")
	s.router.HandleFunc("/api/debug/{id}/ws", s.handleDebugWebSocket).Methods("GET")

	// Registered before the {id} routes so "ports" is never read as a project id
	s.router.HandleFunc("/api/deploy/ports/available", s.handlePorts).Methods("GET")
	s.router.HandleFunc("/api/deploy", s.handleDeployments).Methods("GET")
	s.router.HandleFunc("/api/deploy/{id}", s.handleDeploy).Methods("POST")
	s.router.HandleFunc("/api/deploy/{id}/stop", s.handleDeployStop).Methods("POST")
	s.router.HandleFunc("/api/deploy/{id}/restart", s.handleDeployRestart).Methods("POST")
	s.router.HandleFunc("/api/deploy/{id}/status", s.handleDeployStatus).Methods("GET")
	s.router.HandleFunc("/api/deploy/{id}/logs", s.handleDeployLogs).Methods("GET")
	s.router.HandleFunc("/api/deploy/{id}/logs/raw", s.handleDeployLogFiles).Methods("GET")
	s.router.HandleFunc("/api/deploy/{id}/debug", s.handleDeployDiagnose).Methods("GET")

	s.router.HandleFunc("/api/gateway/routes", s.handleGatewayRoutes).Methods("GET")
	s.router.HandleFunc("/api/gateway/requests", s.handleGatewayRequests).Methods("GET")
	s.router.HandleFunc("/api/gateway/requests", s.handleClearGatewayRequests).Methods("DELETE")
}

// Handler returns the routed handler wrapped with CORS.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.router)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start listens on addr and serves until Stop. It returns once the listener is bound.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("API server listening", zap.String("addr", s.addr))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "healthy",
		"version": Version,
		"uptime":  time.Since(s.started).Seconds(),
	}
	if s.deploy != nil {
		body["deployments"] = len(s.deploy.Statuses())
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes with a {"detail": ...} body.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusCode(err), map[string]string{"detail": err.Error()})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrExists):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalidName),
		errors.Is(err, debug.ErrNoSession),
		errors.Is(err, deploy.ErrNotDeployed),
		errors.Is(err, deploy.ErrInvalidPort),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("invalid request body")

// decodeBody decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func projectID(r *http.Request) string {
	return mux.Vars(r)["id"]
}
