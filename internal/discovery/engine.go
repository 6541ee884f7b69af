package discovery

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/mcplab/internal/logging"
	"github.com/standardbeagle/mcplab/internal/mcp"
	"github.com/standardbeagle/mcplab/internal/process"
)

const (
	DefaultMaxFiles = 500
	// MaxFileSize bounds the source files read by static analysis.
	MaxFileSize = 1 << 20
)

// Options configures an Engine.
type Options struct {
	FrameworkDir string
	MaxFiles     int
	Python       string
	// Command overrides interpreter resolution for the protocol path.
	Command      mcp.CommandFunc
	CallTimeout  time.Duration
	StartupGrace time.Duration
	StopGrace    time.Duration
	// Extractors replaces DefaultExtractors.
	Extractors []Extractor
	// StaticOnly skips the protocol path.
	StaticOnly bool
}

// Result is the outcome of one discovery run.
type Result struct {
	Tools      []mcp.Tool
	Resources  []mcp.Resource
	Source     Source
	EntryPoint string
	ServerInfo *mcp.ServerInfo
	// Stderr is what the server wrote during the protocol attempt.
	Stderr string
	// ProtocolErr is the swallowed failure of the protocol path, if any.
	ProtocolErr  error
	StaticRan    bool
	FilesScanned int
	Truncated    bool
	Elapsed      time.Duration
}

// Engine discovers the tools a project exposes, first by asking a live
// server and then by reading its source.
type Engine struct {
	supervisor *process.Supervisor
	opts       Options
	logger     *zap.Logger
}

func NewEngine(supervisor *process.Supervisor, opts Options, logger *zap.Logger) *Engine {
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}
	if len(opts.Extractors) == 0 {
		opts.Extractors = DefaultExtractors(opts.FrameworkDir)
	}
	return &Engine{
		supervisor: supervisor,
		opts:       opts,
		logger:     logging.OrNop(logger).Named("discovery"),
	}
}

// Discover never fails. When the protocol path yields at least one tool
// the source is not scanned; otherwise it always is.
func (e *Engine) Discover(ctx context.Context, root string) *Result {
	start := time.Now()
	res := &Result{Source: SourceNone}

	if !e.opts.StaticOnly {
		e.discoverProtocol(ctx, root, res)
	}
	if len(res.Tools) == 0 && ctx.Err() == nil {
		e.scan(root, res)
	}

	res.Elapsed = time.Since(start)
	e.logger.Info("Discovery finished",
		zap.String("root", root),
		zap.String("source", string(res.Source)),
		zap.Int("tools", len(res.Tools)),
		zap.Duration("elapsed", res.Elapsed))
	return res
}

// Scan runs only the static analysis path.
func (e *Engine) Scan(root string) *Result {
	start := time.Now()
	res := &Result{Source: SourceNone}
	e.scan(root, res)
	res.Elapsed = time.Since(start)
	return res
}

func (e *Engine) discoverProtocol(ctx context.Context, root string, res *Result) {
	entry, ok := FindEntryPoint(root, e.opts.FrameworkDir)
	if !ok {
		e.logger.Debug("No entry point found", zap.String("root", root))
		return
	}
	res.EntryPoint = entry

	client := mcp.NewClient(e.supervisor, mcp.Options{
		ProjectRoot:  root,
		EntryPoint:   entry,
		Python:       e.opts.Python,
		Command:      e.opts.Command,
		CallTimeout:  e.opts.CallTimeout,
		StartupGrace: e.opts.StartupGrace,
		StopGrace:    e.opts.StopGrace,
	}, e.logger)
	defer func() {
		res.Stderr = client.Stderr()
		if err := client.Stop(); err != nil {
			e.logger.Debug("Stopping discovery client", zap.Error(err))
		}
	}()

	if err := client.Start(ctx); err != nil {
		e.protocolFailed(res, "start", err)
		return
	}
	info, err := client.Initialize(ctx)
	if err != nil {
		e.protocolFailed(res, "initialize", err)
		return
	}
	res.ServerInfo = info

	tools, err := client.ListTools(ctx)
	if err != nil {
		e.protocolFailed(res, "tools/list", err)
		return
	}
	if len(tools) == 0 {
		return
	}
	res.Tools = tools
	res.Source = SourceProtocol

	// Resources are optional
	if resources, err := client.ListResources(ctx); err == nil {
		res.Resources = resources
	}
}

func (e *Engine) protocolFailed(res *Result, step string, err error) {
	res.ProtocolErr = err
	e.logger.Warn("Protocol discovery failed, falling back to source analysis",
		zap.String("step", step), zap.Error(err))
}

func (e *Engine) scan(root string, res *Result) {
	res.StaticRan = true
	files, truncated := PythonFiles(root, e.opts.MaxFiles)
	res.FilesScanned = len(files)
	res.Truncated = truncated
	if truncated {
		e.logger.Warn("Source scan truncated", zap.String("root", root), zap.Int("max_files", e.opts.MaxFiles))
	}

	seen := make(map[string]bool)
	for _, path := range files {
		src, ok := readSource(path)
		if !ok {
			continue
		}

		tools, source := e.extractFile(path, src)
		if len(tools) == 0 {
			continue
		}
		rel, _ := filepath.Rel(root, path)
		e.logger.Debug("Found tools in source",
			zap.String("file", rel), zap.String("extractor", string(source)), zap.Int("tools", len(tools)))

		for _, tool := range tools {
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			res.Tools = append(res.Tools, tool)
		}
		if res.Source == SourceNone {
			res.Source = source
		}
	}
}

// extractFile runs the chain and keeps the first non-empty result.
func (e *Engine) extractFile(path string, src []byte) ([]mcp.Tool, Source) {
	for _, ex := range e.opts.Extractors {
		tools, err := extractSafely(ex, path, src)
		if err != nil {
			e.logger.Warn("Extractor failed", zap.Error(err))
			continue
		}
		if len(tools) > 0 {
			return tools, ex.Source()
		}
	}
	return nil, SourceNone
}

func readSource(path string) ([]byte, bool) {
	info, err := os.Stat(path)
	if err != nil || info.Size() > MaxFileSize {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}
