// Package mcpserver exposes mcplab itself as an MCP server over stdio so an
// agent can drive projects, debug sessions and deployments.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/standardbeagle/mcplab/internal/debug"
	"github.com/standardbeagle/mcplab/internal/deploy"
	"github.com/standardbeagle/mcplab/internal/logging"
	"github.com/standardbeagle/mcplab/internal/registry"
)

const Name = "mcplab"

type Server struct {
	mcp      *server.MCPServer
	projects registry.Registry
	debug    *debug.Manager
	deploy   *deploy.Manager
	logger   *zap.Logger
}

func NewServer(projects registry.Registry, debugMgr *debug.Manager, deployMgr *deploy.Manager, version string, logger *zap.Logger) *Server {
	s := &Server{
		mcp:      server.NewMCPServer(Name, version, server.WithToolCapabilities(true)),
		projects: projects,
		debug:    debugMgr,
		deploy:   deployMgr,
		logger:   logging.OrNop(logger).Named("mcpserver"),
	}
	s.registerProjectTools()
	s.registerDebugTools()
	s.registerDeployTools()
	return s
}

// MCPServer returns the underlying server for transports other than stdio.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// ServeStdio blocks serving JSON-RPC on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerProjectTools() {
	listTool := mcplib.NewTool("projects_list",
		mcplib.WithDescription(`List every registered MCP server project with its status, path and ports.

**When to use:**
- Before any debug_* or deploy_* call, to find the project_id
- User asks "which servers do I have?"`),
	)
	s.mcp.AddTool(listTool, s.handleProjectsList)
}

func (s *Server) registerDebugTools() {
	startTool := mcplib.NewTool("debug_start",
		mcplib.WithDescription(`Start a debug session for a project and discover its tools.

Discovery asks the live server over MCP first and falls back to reading the
Python source. The result lists the tools and where they came from.`),
		mcplib.WithString("project_id",
			mcplib.Required(),
			mcplib.Description("The project to debug"),
		),
	)
	s.mcp.AddTool(startTool, s.handleDebugStart)

	stopTool := mcplib.NewTool("debug_stop",
		mcplib.WithDescription("End a project's debug session and close any attached stream."),
		mcplib.WithString("project_id",
			mcplib.Required(),
			mcplib.Description("The project whose session to stop"),
		),
	)
	s.mcp.AddTool(stopTool, s.handleDebugStop)

	executeTool := mcplib.NewTool("debug_execute",
		mcplib.WithDescription(`Run one tool of the project's MCP server against a fresh server process.

Starts a debug session first when none is active. The response carries the
normalized tool result, the server's stderr and the execution time.`),
		mcplib.WithString("project_id",
			mcplib.Required(),
			mcplib.Description("The project whose server to call"),
		),
		mcplib.WithString("tool_name",
			mcplib.Required(),
			mcplib.Description("Name of the tool to call"),
		),
		mcplib.WithObject("parameters",
			mcplib.Description("Arguments passed to the tool"),
		),
	)
	s.mcp.AddTool(executeTool, s.handleDebugExecute)
}

func (s *Server) registerDeployTools() {
	startTool := mcplib.NewTool("deploy_start",
		mcplib.WithDescription(`Deploy a project as a long-running service on an allocated port.

An existing deployment of the project is replaced. Omit port to let mcplab
pick the first free one.`),
		mcplib.WithString("project_id",
			mcplib.Required(),
			mcplib.Description("The project to deploy"),
		),
		mcplib.WithString("service_name",
			mcplib.Description("Display name of the service"),
		),
		mcplib.WithNumber("port",
			mcplib.Description("Preferred port; ignored when taken"),
		),
	)
	s.mcp.AddTool(startTool, s.handleDeployStart)

	stopTool := mcplib.NewTool("deploy_stop",
		mcplib.WithDescription("Stop a project's deployment and release its port."),
		mcplib.WithString("project_id",
			mcplib.Required(),
			mcplib.Description("The project to stop"),
		),
	)
	s.mcp.AddTool(stopTool, s.handleDeployStop)

	statusTool := mcplib.NewTool("deploy_status",
		mcplib.WithDescription("Report whether a project is deployed, its port, PID, uptime and access URL."),
		mcplib.WithString("project_id",
			mcplib.Required(),
			mcplib.Description("The project to inspect"),
		),
	)
	s.mcp.AddTool(statusTool, s.handleDeployStatus)

	logsTool := mcplib.NewTool("deploy_logs",
		mcplib.WithDescription(`Return the last lines of a deployment's stdout and stderr, classified by level.

Use after deploy_start fails or a service misbehaves. Pair with deploy_diagnose
when the service never came up.`),
		mcplib.WithString("project_id",
			mcplib.Required(),
			mcplib.Description("The project whose logs to read"),
		),
		mcplib.WithNumber("lines",
			mcplib.Description("Number of lines (default 50)"),
		),
	)
	s.mcp.AddTool(logsTool, s.handleDeployLogs)

	diagnoseTool := mcplib.NewTool("deploy_diagnose",
		mcplib.WithDescription("Explain why a deployment cannot start: entry point search, log files and recent Python errors."),
		mcplib.WithString("project_id",
			mcplib.Required(),
			mcplib.Description("The project to diagnose"),
		),
	)
	s.mcp.AddTool(diagnoseTool, s.handleDeployDiagnose)

	portsTool := mcplib.NewTool("ports_available",
		mcplib.WithDescription("List allocated service ports and the next free ones."),
	)
	s.mcp.AddTool(portsTool, s.handlePorts)
}

func (s *Server) handleProjectsList(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	projects, err := s.projects.List(ctx)
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("Failed to list projects: %v", err)), nil
	}
	return jsonResult(projects)
}

func (s *Server) handleDebugStart(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := request.RequireString("project_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	if _, err := s.debug.Start(ctx, id); err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("Failed to start debug session: %v", err)), nil
	}
	view, err := s.debug.Info(id)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return jsonResult(view)
}

func (s *Server) handleDebugStop(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := request.RequireString("project_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	if err := s.debug.Stop(ctx, id); err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("Failed to stop debug session: %v", err)), nil
	}
	return mcplib.NewToolResultText(fmt.Sprintf("Debug session stopped for project %s", id)), nil
}

func (s *Server) handleDebugExecute(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := request.RequireString("project_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	tool, err := request.RequireString("tool_name")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	var params map[string]any
	if raw, ok := request.GetArguments()["parameters"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return mcplib.NewToolResultError("parameters must be an object"), nil
		}
		params = m
	}

	result := s.debug.Test(ctx, id, tool, params)
	if !result.Success {
		s.logger.Debug("Tool execution failed", zap.String("project", id), zap.String("tool", tool), zap.Error(result.Err))
	}
	out, err := jsonResult(result)
	if err != nil {
		return nil, err
	}
	out.IsError = !result.Success
	return out, nil
}

func (s *Server) handleDeployStart(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := request.RequireString("project_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	cfg := deploy.Config{
		ServiceName:   request.GetString("service_name", ""),
		Port:          request.GetInt("port", 0),
		AutoStart:     true,
		EnableLogging: true,
	}
	if _, err := s.deploy.Deploy(ctx, id, cfg); err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	status, err := s.deploy.Status(ctx, id)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return jsonResult(status)
}

func (s *Server) handleDeployStop(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := request.RequireString("project_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	if err := s.deploy.Stop(ctx, id); err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("Failed to stop service: %v", err)), nil
	}
	return mcplib.NewToolResultText(fmt.Sprintf("Service stopped for project %s", id)), nil
}

func (s *Server) handleDeployStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := request.RequireString("project_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	status, err := s.deploy.Status(ctx, id)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return jsonResult(status)
}

func (s *Server) handleDeployLogs(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := request.RequireString("project_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	if _, err := s.projects.Get(ctx, id); err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return jsonResult(s.deploy.Logs(id, request.GetInt("lines", deploy.DefaultLogLines)))
}

func (s *Server) handleDeployDiagnose(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := request.RequireString("project_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	diag, err := s.deploy.Diagnose(ctx, id)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return jsonResult(diag)
}

func (s *Server) handlePorts(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(s.deploy.Ports())
}

func jsonResult(v interface{}) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
	}, nil
}
