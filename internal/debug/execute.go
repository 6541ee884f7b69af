package debug

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/mcplab/internal/discovery"
	"github.com/standardbeagle/mcplab/internal/mcp"
	"github.com/standardbeagle/mcplab/pkg/events"
)

// ExecutionMethod labels results produced by a real server round trip.
const ExecutionMethod = "real_mcp_protocol"

// ToolOutput is the payload of a successful execution.
type ToolOutput struct {
	Result          any            `json:"result"`
	ToolName        string         `json:"tool_name"`
	Parameters      map[string]any `json:"parameters"`
	ServerStderr    string         `json:"mcp_server_stderr"`
	ExecutionMethod string         `json:"execution_method"`
}

// ExecuteResult is always returned, never an error. Err keeps the typed
// failure for Go callers.
type ExecuteResult struct {
	Success bool          `json:"success"`
	Result  *ToolOutput   `json:"result,omitempty"`
	Error   string        `json:"error,omitempty"`
	Stderr  string        `json:"stderr,omitempty"`
	Elapsed time.Duration `json:"-"`
	Err     error         `json:"-"`
}

func (r ExecuteResult) MarshalJSON() ([]byte, error) {
	type plain ExecuteResult
	return json.Marshal(struct {
		plain
		ExecutionTime float64 `json:"execution_time"`
	}{plain(r), r.Elapsed.Seconds()})
}

// Execute runs one tool against a fresh server process: initialize, list
// tools to check the name, call, then tear the server down.
func (m *Manager) Execute(ctx context.Context, projectID, tool string, args map[string]any) (result ExecuteResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = ExecuteResult{Err: fmt.Errorf("tool execution panicked: %v", r)}
		}
		result.Elapsed = time.Since(start)
		if result.Err != nil {
			result.Success = false
			result.Error = result.Err.Error()
		}
		m.publish(events.ToolExecuted, projectID, map[string]interface{}{
			"tool":    tool,
			"success": result.Success,
			"elapsed": result.Elapsed.String(),
		})
	}()

	if _, ok := m.state.Session(projectID); !ok {
		return ExecuteResult{Err: ErrNoSession}
	}
	project, err := m.projects.Get(ctx, projectID)
	if err != nil {
		return ExecuteResult{Err: err}
	}

	entry, ok := discovery.FindEntryPoint(project.Path, m.opts.FrameworkDir)
	if !ok {
		return ExecuteResult{Err: fmt.Errorf("no MCP server file found. Looking for: %s under %s",
			strings.Join(discovery.EntryNames, ", "), project.Path)}
	}
	if args == nil {
		args = map[string]any{}
	}

	log := m.logger.With(zap.String("project", projectID), zap.String("tool", tool))
	log.Info("Executing tool", zap.String("entry", entry))

	client := mcp.NewClient(m.supervisor, mcp.Options{
		ProjectRoot:  project.Path,
		EntryPoint:   entry,
		Python:       m.opts.Python,
		Command:      m.opts.Command,
		CallTimeout:  m.opts.CallTimeout,
		StartupGrace: m.opts.StartupGrace,
		StopGrace:    m.opts.StopGrace,
	}, m.logger)
	defer func() {
		if err := client.Stop(); err != nil {
			log.Debug("Stopping execution client", zap.Error(err))
		}
	}()

	output, err := m.roundTrip(ctx, client, tool, args)
	if err != nil {
		log.Warn("Tool execution failed", zap.Error(err))
		return ExecuteResult{Err: err, Stderr: client.Stderr()}
	}
	output.ServerStderr = client.Stderr()
	return ExecuteResult{Success: true, Result: output}
}

func (m *Manager) roundTrip(ctx context.Context, client *mcp.Client, tool string, args map[string]any) (*ToolOutput, error) {
	if err := client.Start(ctx); err != nil {
		return nil, err
	}
	if _, err := client.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	if !hasTool(tools, tool) {
		return nil, &ToolNotFoundError{Tool: tool, Available: toolNames(tools)}
	}

	value, err := client.CallTool(ctx, tool, args)
	if err != nil {
		return nil, err
	}
	return &ToolOutput{
		Result:          value,
		ToolName:        tool,
		Parameters:      args,
		ExecutionMethod: ExecutionMethod,
	}, nil
}

// Test executes a tool, starting a session first when none is active.
func (m *Manager) Test(ctx context.Context, projectID, tool string, args map[string]any) ExecuteResult {
	if _, ok := m.state.Session(projectID); !ok {
		if _, err := m.Start(ctx, projectID); err != nil {
			return ExecuteResult{Success: false, Error: err.Error(), Err: err}
		}
	}
	return m.Execute(ctx, projectID, tool, args)
}

func hasTool(tools []mcp.Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// IsToolNotFound reports whether err is a ToolNotFoundError.
func IsToolNotFound(err error) bool {
	var notFound *ToolNotFoundError
	return errors.As(err, &notFound)
}
