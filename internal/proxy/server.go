// Package proxy is the deployment gateway: one port that forwards
// <project>.localhost requests to the port of that project's deployment.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/standardbeagle/mcplab/internal/logging"
	"github.com/standardbeagle/mcplab/pkg/events"
)

const (
	// HostSuffix marks gateway hostnames: weather.localhost -> project "weather".
	HostSuffix = ".localhost"
	// PathPrefix is the fallback for clients that cannot resolve *.localhost.
	PathPrefix = "/svc/"

	maxRequests = 1000
)

var ErrNoRoute = errors.New("no running deployment")

// Route maps a gateway label to a deployment port.
type Route struct {
	Label     string `json:"label"`
	ProjectID string `json:"project_id"`
	Port      int    `json:"port"`
}

// Resolver supplies the current routes.
type Resolver interface {
	Resolve(ctx context.Context, label string) (Route, error)
	Routes(ctx context.Context) ([]Route, error)
}

// Request is one forwarded request.
type Request struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"project_id"`
	Method     string        `json:"method"`
	Host       string        `json:"host"`
	Path       string        `json:"path"`
	StatusCode int           `json:"status_code"`
	StartTime  time.Time     `json:"start_time"`
	Duration   time.Duration `json:"duration_ns"`
	Size       int64         `json:"size"`
	Error      string        `json:"error,omitempty"`
}

type routeKey struct{}

// Server is the gateway.
type Server struct {
	resolver Resolver
	proxy    *goproxy.ProxyHttpServer
	eventBus *events.EventBus
	logger   *zap.Logger

	mu       sync.RWMutex
	requests []Request
	server   *http.Server
	addr     string
}

func NewServer(resolver Resolver, eventBus *events.EventBus, logger *zap.Logger) *Server {
	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = false

	s := &Server{
		resolver: resolver,
		proxy:    proxy,
		eventBus: eventBus,
		logger:   logging.OrNop(logger).Named("gateway"),
		requests: make([]Request, 0, 64),
	}
	s.setupHandlers()
	return s
}

// setupHandlers records every forwarded request once its response is known
func (s *Server) setupHandlers() {
	s.proxy.OnRequest().DoFunc(func(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		route, _ := r.Context().Value(routeKey{}).(Route)
		ctx.UserData = &Request{
			ID:        strconv.FormatInt(ctx.Session, 10),
			ProjectID: route.ProjectID,
			Method:    r.Method,
			Host:      r.Header.Get("X-Forwarded-Host"),
			Path:      r.URL.Path,
			StartTime: time.Now(),
		}
		return r, nil
	})

	s.proxy.OnResponse().DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		req, ok := ctx.UserData.(*Request)
		if !ok {
			return resp
		}
		req.Duration = time.Since(req.StartTime)

		if resp == nil {
			req.StatusCode = http.StatusBadGateway
			req.Error = "upstream unavailable"
			if ctx.Error != nil {
				req.Error = ctx.Error.Error()
			}
			resp = goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText, http.StatusBadGateway,
				fmt.Sprintf("deployment for %s is not answering: %s\n", req.ProjectID, req.Error))
		} else {
			req.StatusCode = resp.StatusCode
			if resp.ContentLength > 0 {
				req.Size = resp.ContentLength
			}
		}

		s.addRequest(*req)
		if s.eventBus != nil {
			s.eventBus.Publish(events.Event{
				Type:      events.GatewayRequest,
				ProjectID: req.ProjectID,
				Data: map[string]interface{}{
					"method":      req.Method,
					"path":        req.Path,
					"status_code": req.StatusCode,
					"duration_ms": req.Duration.Milliseconds(),
				},
			})
		}
		return resp
	})
}

// ServeHTTP rewrites gateway requests into absolute upstream URLs and hands
// them to goproxy.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	label, path := routeLabel(r)
	if label == "" {
		s.serveIndex(w, r)
		return
	}

	route, err := s.resolver.Resolve(r.Context(), label)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, ErrNoRoute) {
			code = http.StatusNotFound
		}
		http.Error(w, err.Error(), code)
		return
	}

	upstream := net.JoinHostPort("127.0.0.1", strconv.Itoa(route.Port))
	r = r.WithContext(context.WithValue(r.Context(), routeKey{}, route))
	r.Header.Set("X-Forwarded-Host", r.Host)
	r.URL.Scheme = "http"
	r.URL.Host = upstream
	r.URL.Path = path
	r.URL.RawPath = ""
	r.Host = upstream

	s.proxy.ServeHTTP(w, r)
}

// routeLabel extracts the label from the Host header or the path prefix,
// returning the path to forward.
func routeLabel(r *http.Request) (string, string) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	if strings.HasSuffix(host, HostSuffix) {
		return strings.TrimSuffix(host, HostSuffix), r.URL.Path
	}

	if strings.HasPrefix(r.URL.Path, PathPrefix) {
		rest := strings.TrimPrefix(r.URL.Path, PathPrefix)
		label, path, _ := strings.Cut(rest, "/")
		return strings.ToLower(label), "/" + path
	}
	return "", r.URL.Path
}

// Routes lists where each label currently forwards.
func (s *Server) Routes(ctx context.Context) ([]Route, error) {
	return s.resolver.Routes(ctx)
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	routes, err := s.resolver.Routes(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, port, _ := net.SplitHostPort(s.Addr())

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "mcplab gateway\n\n")
	if len(routes) == 0 {
		fmt.Fprintf(w, "No running deployments.\n")
		return
	}
	for _, rt := range routes {
		fmt.Fprintf(w, "http://%s%s:%s/  ->  127.0.0.1:%d (%s)\n", rt.Label, HostSuffix, port, rt.Port, rt.ProjectID)
	}
}

func (s *Server) addRequest(req Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if len(s.requests) > maxRequests {
		s.requests = s.requests[len(s.requests)-maxRequests:]
	}
}

// Requests returns the recorded requests for a project, or all of them
// when projectID is empty, oldest first.
func (s *Server) Requests(projectID string) []Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Request, 0, len(s.requests))
	for _, req := range s.requests {
		if projectID == "" || req.ProjectID == projectID {
			out = append(out, req)
		}
	}
	return out
}

// ClearRequests drops the history of one project, or all of it.
func (s *Server) ClearRequests(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if projectID == "" {
		s.requests = s.requests[:0]
		return
	}
	kept := s.requests[:0]
	for _, req := range s.requests {
		if req.ProjectID != projectID {
			kept = append(kept, req)
		}
	}
	s.requests = kept
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.server = &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("Gateway listening", zap.String("addr", s.addr))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Gateway stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address after Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
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

func sortRoutes(routes []Route) {
	sort.Slice(routes, func(i, j int) bool { return routes[i].Label < routes[j].Label })
}
