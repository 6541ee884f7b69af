// Package mcp drives a Python MCP server over stdio: spawn, initialize
// handshake, tool listing and tool calls.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/mcplab/internal/logging"
	"github.com/standardbeagle/mcplab/internal/process"
	"github.com/standardbeagle/mcplab/internal/rpc"
)

// State is the client lifecycle position.
type State int

const (
	StateCreated State = iota
	StateStarted
	StateInitialized
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateInitialized:
		return "initialized"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CommandFunc maps a server entry point to the executable, arguments and
// extra environment that run it.
type CommandFunc func(projectRoot, entryPoint string) (exe string, args []string, env map[string]string)

// PythonCommand runs entry points with the project's .venv interpreter
// when one exists, falling back to python.
func PythonCommand(python string) CommandFunc {
	return func(projectRoot, entryPoint string) (string, []string, map[string]string) {
		return ResolvePython(projectRoot, filepath.Dir(entryPoint), python), []string{entryPoint}, nil
	}
}

// ResolvePython looks for .venv/bin/python from dir up to projectRoot.
func ResolvePython(projectRoot, dir, fallback string) string {
	root := filepath.Clean(projectRoot)
	current := filepath.Clean(dir)
	for {
		for _, candidate := range venvPythons(current) {
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate
			}
		}
		if current == root {
			break
		}
		parent := filepath.Dir(current)
		if parent == current || !strings.HasPrefix(parent, root) {
			break
		}
		current = parent
	}
	if fallback == "" {
		return "python3"
	}
	return fallback
}

func venvPythons(dir string) []string {
	return []string{
		filepath.Join(dir, ".venv", "bin", "python"),
		filepath.Join(dir, ".venv", "Scripts", "python.exe"),
	}
}

// Options configures a Client.
type Options struct {
	ProjectRoot string
	// EntryPoint is the server script; its directory is the working directory.
	EntryPoint string
	Python     string
	// Command overrides interpreter resolution.
	Command      CommandFunc
	Env          map[string]string
	CallTimeout  time.Duration
	StartupGrace time.Duration
	StopGrace    time.Duration
}

// Client is a single-use MCP client bound to one child process.
type Client struct {
	opts       Options
	supervisor *process.Supervisor
	logger     *zap.Logger

	mu         sync.Mutex
	state      State
	proc       *process.ManagedProcess
	transport  *rpc.Transport
	serverInfo *ServerInfo
}

func NewClient(supervisor *process.Supervisor, opts Options, logger *zap.Logger) *Client {
	if opts.Command == nil {
		opts.Command = PythonCommand(opts.Python)
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = rpc.DefaultTimeout
	}
	return &Client{
		opts:       opts,
		supervisor: supervisor,
		logger: logging.OrNop(logger).Named("mcp").With(
			zap.String("entry", opts.EntryPoint),
		),
	}
}

// State returns the current lifecycle state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start spawns the server with PYTHONPATH covering the entry point's
// directory and the project root.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateStopped:
		return ErrStopped
	case StateStarted, StateInitialized:
		return ErrAlreadyStarted
	}

	exe, args, cmdEnv := c.opts.Command(c.opts.ProjectRoot, c.opts.EntryPoint)
	env := map[string]string{"PYTHONPATH": pythonPath(c.opts.ProjectRoot, filepath.Dir(c.opts.EntryPoint))}
	for k, v := range c.opts.Env {
		env[k] = v
	}
	for k, v := range cmdEnv {
		env[k] = v
	}

	c.logger.Debug("Starting MCP server", zap.String("command", exe), zap.Strings("args", args))
	proc, err := c.supervisor.Spawn(ctx, process.SpawnSpec{
		Owner:        filepath.Base(c.opts.ProjectRoot),
		Executable:   exe,
		Args:         args,
		Dir:          filepath.Dir(c.opts.EntryPoint),
		Env:          env,
		Stdin:        true,
		StartupGrace: c.opts.StartupGrace,
	})
	if err != nil {
		return err
	}

	c.proc = proc
	c.transport = rpc.New(proc.Stdin(), proc.Stdout(),
		rpc.WithTimeout(c.opts.CallTimeout),
		rpc.WithStderr(proc.Stderr),
		rpc.WithLogger(c.logger),
	)
	c.state = StateStarted
	c.logger.Debug("MCP server started", zap.Int("pid", proc.PID()))
	return nil
}

func pythonPath(root, dir string) string {
	paths := []string{filepath.Clean(dir)}
	if root != "" && filepath.Clean(root) != filepath.Clean(dir) {
		paths = append(paths, filepath.Clean(root))
	}
	return strings.Join(paths, string(os.PathListSeparator))
}

// running returns the transport if the child can take requests
func (c *Client) running() (*rpc.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateCreated:
		return nil, ErrNotStarted
	case StateStopped:
		return nil, ErrStopped
	}
	if !process.IsAlive(c.proc) {
		if stderr := strings.TrimSpace(c.proc.Stderr()); stderr != "" {
			return nil, fmt.Errorf("%w: %s", ErrProcessExited, stderr)
		}
		return nil, ErrProcessExited
	}
	return c.transport, nil
}

// Initialize performs the initialize handshake followed by the
// initialized notification.
func (c *Client) Initialize(ctx context.Context) (*ServerInfo, error) {
	t, err := c.running()
	if err != nil {
		return nil, err
	}

	raw, err := t.Call(ctx, MethodInitialize, newInitializeParams(), 0)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var res initializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		c.logger.Debug("Unrecognised initialize result", zap.Error(err))
	}
	info := &ServerInfo{
		Name:            res.ServerInfo.Name,
		Version:         res.ServerInfo.Version,
		ProtocolVersion: res.ProtocolVersion,
		Capabilities:    res.Capabilities,
	}

	if err := t.Notify(MethodInitialized, nil); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}

	c.mu.Lock()
	if c.state == StateStarted {
		c.state = StateInitialized
	}
	c.serverInfo = info
	c.mu.Unlock()

	c.logger.Debug("MCP session initialized", zap.String("server", info.Name), zap.String("version", info.Version))
	return info, nil
}

// ListTools returns the server's tools, empty if it reports none
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	t, err := c.running()
	if err != nil {
		return nil, err
	}

	raw, err := t.Call(ctx, MethodToolsList, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var res struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding tools/list result: %w", err)
	}
	if res.Tools == nil {
		res.Tools = []Tool{}
	}
	return res.Tools, nil
}

// ListResources returns the server's resources, empty if it reports none
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	t, err := c.running()
	if err != nil {
		return nil, err
	}

	raw, err := t.Call(ctx, MethodResourcesList, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("resources/list: %w", err)
	}

	var res struct {
		Resources []Resource `json:"resources"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding resources/list result: %w", err)
	}
	if res.Resources == nil {
		res.Resources = []Resource{}
	}
	return res.Resources, nil
}

// CallTool invokes a tool and normalizes its result
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	t, err := c.running()
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	c.logger.Debug("Calling tool", zap.String("tool", name))
	raw, err := t.Call(ctx, MethodToolsCall, callToolParams{Name: name, Arguments: args}, 0)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return NormalizeToolResult(raw)
}

// ServerInfo returns the initialize result, nil before Initialize
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Stderr returns the server's stderr collected so far
func (c *Client) Stderr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return ""
	}
	return c.proc.Stderr()
}

// PID returns the server process id, 0 if not started
func (c *Client) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return 0
	}
	return c.proc.PID()
}

// Stop terminates the server. It is safe to call at any point, any
// number of times.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state
	c.state = StateStopped
	if c.transport != nil {
		c.transport.Close()
	}
	if c.proc == nil {
		return nil
	}
	if prev != StateStopped {
		c.logger.Debug("Stopping MCP server", zap.Int("pid", c.proc.PID()))
	}
	return c.supervisor.Terminate(c.proc, c.opts.StopGrace)
}
