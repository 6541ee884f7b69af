package discovery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/standardbeagle/mcplab/internal/mcp"
	"github.com/standardbeagle/mcplab/internal/parser"
)

// Source names the discovery path that produced a tool set.
type Source string

const (
	SourceProtocol Source = "protocol"
	SourceSyntax   Source = "syntax"
	SourceRegex    Source = "regex"
	SourceHandlers Source = "handlers"
	SourceNone     Source = "none"
)

// Extractor finds tool declarations in one source file. Implementations
// return nil when they find nothing and must not fail.
type Extractor interface {
	Source() Source
	Extract(path string, src []byte) []mcp.Tool
}

// DefaultExtractors is the static analysis chain in priority order.
// frameworkDir names the framework whose server files get the handler
// naming fallback, as in FindEntryPoint.
func DefaultExtractors(frameworkDir string) []Extractor {
	return []Extractor{SyntaxExtractor{}, RegexExtractor{}, HandlerExtractor{Framework: FrameworkName(frameworkDir)}}
}

// FrameworkName derives the framework from its source directory:
// "src/playwright_server" is "playwright".
func FrameworkName(frameworkDir string) string {
	if frameworkDir == "" {
		frameworkDir = DefaultFrameworkDir
	}
	base := strings.ToLower(filepath.Base(filepath.FromSlash(frameworkDir)))
	return strings.TrimSuffix(base, "_server")
}

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

func staticTool(name, description string, schema json.RawMessage) mcp.Tool {
	if description == "" {
		description = "MCP Tool: " + name
	}
	if len(schema) == 0 {
		schema = emptySchema
	}
	return mcp.Tool{Name: name, Description: description, InputSchema: schema}
}

// SyntaxExtractor reads the list returned by the function decorated with
// @<server>.list_tools() and evaluates each Tool(...) call in it.
type SyntaxExtractor struct{}

func (SyntaxExtractor) Source() Source { return SourceSyntax }

func (SyntaxExtractor) Extract(path string, src []byte) []mcp.Tool {
	if !bytes.Contains(src, []byte("types.Tool")) || !bytes.Contains(src, []byte(".list_tools")) {
		return nil
	}

	toks, err := parser.Tokenize(string(src))
	if err != nil {
		return nil
	}

	for _, fn := range parser.Functions(toks) {
		if !isListToolsHandler(fn) {
			continue
		}
		items, ok := fn.FirstReturnList()
		if !ok {
			return nil
		}

		var tools []mcp.Tool
		for _, item := range items {
			call, ok := item.(*parser.Call)
			if !ok {
				continue
			}
			if tool, ok := toolFromCall(call); ok {
				tools = append(tools, tool)
			}
		}
		return tools
	}
	return nil
}

func isListToolsHandler(fn *parser.Function) bool {
	for _, d := range fn.Decorators {
		if d.Call && d.Name == "list_tools" && strings.Contains(d.Text, ".") {
			return true
		}
	}
	return false
}

func toolFromCall(call *parser.Call) (mcp.Tool, bool) {
	name, ok := call.Kwargs["name"].(string)
	if !ok || name == "" {
		return mcp.Tool{}, false
	}
	description, _ := call.Kwargs["description"].(string)

	var schema json.RawMessage
	if obj, ok := call.Kwargs["inputSchema"].(map[string]any); ok {
		if data, err := json.Marshal(parser.ToJSON(obj)); err == nil {
			schema = data
		}
	}
	return staticTool(name, description, schema), true
}

var toolPattern = regexp.MustCompile(`(?s)types\.Tool\(\s*name\s*=\s*["']([^"']+)["'][^}]*?description\s*=\s*["']([^"']*)["']`)

// RegexExtractor matches types.Tool(name="..", ..., description="..")
// constructors textually. It is used when the source does not tokenize or
// has no decorated listing function.
type RegexExtractor struct{}

func (RegexExtractor) Source() Source { return SourceRegex }

func (RegexExtractor) Extract(path string, src []byte) []mcp.Tool {
	if !bytes.Contains(src, []byte("types.Tool")) {
		return nil
	}

	var tools []mcp.Tool
	for _, m := range toolPattern.FindAllSubmatch(src, -1) {
		tools = append(tools, staticTool(string(m[1]), string(m[2]), nil))
	}
	return tools
}

var (
	callToolDecorator   = regexp.MustCompile(`@\w+\.call_tool\b`)
	handlerEntryPattern = regexp.MustCompile(`"([^"]+)":\s*(\w+)ToolHandler\(\)`)
	handlerFuncPattern  = regexp.MustCompile(`(?m)^[ \t]*(?:async[ \t]+)?def[ \t]+(handle_\w+)\s*\(`)
)

// HandlerExtractor is the last resort. Sources with a @<server>.call_tool
// decorator or a tool_handlers table yield their "name": XToolHandler()
// entries. Otherwise only the framework's own server files, whose name
// holds both Framework and "server", yield handle_<tool> functions.
type HandlerExtractor struct {
	// Framework defaults to the one of DefaultFrameworkDir.
	Framework string
}

func (HandlerExtractor) Source() Source { return SourceHandlers }

func (h HandlerExtractor) Extract(path string, src []byte) []mcp.Tool {
	if callToolDecorator.Match(src) || bytes.Contains(src, []byte("tool_handlers")) {
		var tools []mcp.Tool
		for _, m := range handlerEntryPattern.FindAllSubmatch(src, -1) {
			tools = append(tools, staticTool(string(m[1]), "", nil))
		}
		return tools
	}

	framework := h.Framework
	if framework == "" {
		framework = FrameworkName("")
	}
	base := strings.ToLower(filepath.Base(path))
	if !strings.Contains(base, framework) || !strings.Contains(base, "server") {
		return nil
	}

	var tools []mcp.Tool
	for _, m := range handlerFuncPattern.FindAllSubmatch(src, -1) {
		fn := string(m[1])
		if fn == "handle_call_tool" || fn == "handle_list_tools" {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(fn, "handle_"), "_tool")
		if name == "" {
			continue
		}
		tools = append(tools, staticTool(name, "", nil))
	}
	return tools
}

// extractSafely runs an extractor, converting a panic into no result.
func extractSafely(e Extractor, path string, src []byte) (tools []mcp.Tool, err error) {
	defer func() {
		if r := recover(); r != nil {
			tools = nil
			err = fmt.Errorf("%s extractor panicked on %s: %v", e.Source(), path, r)
		}
	}()
	return e.Extract(path, src), nil
}
