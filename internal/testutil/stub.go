package testutil

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"testing"
	"time"
)

// StubModeEnv selects the stub server behaviour in a re-executed test binary.
// A package's TestMain calls RunStubIfRequested before m.Run.
const StubModeEnv = "MCPLAB_STUB_MODE"

// StubDelayEnv overrides the response delay of the "slow" mode.
const StubDelayEnv = "MCPLAB_STUB_DELAY"

// Stub modes.
const (
	StubEcho     = "echo"     // well-behaved MCP server with echo/add/fail tools
	StubEmpty    = "empty"    // MCP server that advertises no tools
	StubCrash    = "crash"    // writes "boom" to stderr and exits 1
	StubSlow     = "slow"     // echo, with every response delayed
	StubError    = "error"    // every request answered with a JSON-RPC error
	StubBadID    = "bad-id"   // answers with the wrong id
	StubGarbage  = "garbage"  // answers with a line that is not JSON
	StubSilent   = "silent"   // reads requests, never answers
	StubEOF      = "eof"      // exits as soon as a request arrives
	StubStubborn = "stubborn" // like silent, but ignores SIGTERM
	StubFarewell = "farewell" // on SIGTERM writes a burst of stderr, then exits 1
	StubHTTP     = "http"     // listens on $PORT and logs like a deployed service
)

// RunStubIfRequested turns the current process into a stub server when
// StubModeEnv is set. It never returns in that case.
func RunStubIfRequested() {
	if mode := os.Getenv(StubModeEnv); mode != "" {
		os.Exit(StubServer(mode))
	}
}

// StubCommand returns an executable and environment that start a stub
// server in the given mode by re-executing the test binary.
func StubCommand(t *testing.T, mode string) (string, map[string]string) {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("resolving test executable: %v", err)
	}
	return exe, map[string]string{StubModeEnv: mode}
}

type stubRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type stubResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   interface{} `json:"error,omitempty"`
}

// FarewellLastLine is the final stderr line of the farewell mode.
const FarewellLastLine = "RuntimeError: cleanup failed"

func farewell() int {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, os.Interrupt)
	fmt.Fprintln(os.Stderr, "stub server started in farewell mode")
	<-sig

	for i := 1; i <= 500; i++ {
		fmt.Fprintf(os.Stderr, "  File \"server.py\", line %d, in shutdown\n", i)
	}
	fmt.Fprintln(os.Stderr, FarewellLastLine)
	return 1
}

// StubServer runs the stub in mode over stdin/stdout and returns an exit code.
func StubServer(mode string) int {
	switch mode {
	case StubCrash:
		fmt.Fprintln(os.Stderr, "boom")
		return 1
	case StubHTTP:
		return serveHTTP()
	case StubFarewell:
		return farewell()
	case StubStubborn:
		signal.Ignore(syscall.SIGTERM)
	}

	fmt.Fprintf(os.Stderr, "stub server started in %s mode\n", mode)

	delay := 300 * time.Millisecond
	if v := os.Getenv(StubDelayEnv); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			delay = d
		}
	}

	out := bufio.NewWriter(os.Stdout)
	write := func(v interface{}) {
		data, _ := json.Marshal(v)
		out.Write(data)
		out.WriteByte('\n')
		out.Flush()
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		var req stubRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			fmt.Fprintf(os.Stderr, "bad request: %v\n", err)
			continue
		}
		if req.ID == nil {
			// Notification
			continue
		}
		id := *req.ID

		switch mode {
		case StubSilent, StubStubborn:
			continue
		case StubEOF:
			return 0
		case StubGarbage:
			fmt.Fprintln(out, "this is not json")
			out.Flush()
			continue
		case StubBadID:
			write(stubResponse{JSONRPC: "2.0", ID: id + 100, Result: map[string]interface{}{}})
			continue
		case StubError:
			write(stubResponse{JSONRPC: "2.0", ID: id, Error: map[string]interface{}{
				"code": -32000, "message": "stub failure", "data": req.Method,
			}})
			continue
		case StubSlow:
			if req.Method != "initialize" {
				time.Sleep(delay)
			}
		}

		result, rpcErr := handleStubMethod(mode, req)
		resp := stubResponse{JSONRPC: "2.0", ID: id}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
		write(resp)
	}
	return 0
}

var stubTools = []map[string]interface{}{
	{
		"name":        "echo",
		"description": "Echo back the text argument",
		"inputSchema": map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
			"required":   []string{"text"},
		},
	},
	{
		"name":        "add",
		"description": "Add two numbers",
		"inputSchema": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"a": map[string]interface{}{"type": "number"},
				"b": map[string]interface{}{"type": "number"},
			},
		},
	},
	{
		"name":        "fail",
		"description": "Always reports a tool error",
		"inputSchema": map[string]interface{}{"type": "object"},
	},
}

func handleStubMethod(mode string, req stubRequest) (interface{}, interface{}) {
	switch req.Method {
	case "initialize":
		return map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo":      map[string]interface{}{"name": "stub-" + mode, "version": "1.0.0"},
		}, nil
	case "tools/list":
		if mode == StubEmpty {
			return map[string]interface{}{"tools": []interface{}{}}, nil
		}
		return map[string]interface{}{"tools": stubTools}, nil
	case "resources/list":
		return map[string]interface{}{"resources": []map[string]interface{}{
			{"uri": "stub://readme", "name": "readme", "mimeType": "text/plain"},
		}}, nil
	case "tools/call":
		var params struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		}
		_ = json.Unmarshal(req.Params, &params)
		fmt.Fprintf(os.Stderr, "calling tool %s\n", params.Name)
		switch params.Name {
		case "echo":
			text, _ := params.Arguments["text"].(string)
			return textResult(text, false), nil
		case "add":
			a, _ := params.Arguments["a"].(float64)
			b, _ := params.Arguments["b"].(float64)
			return textResult(strconv.FormatFloat(a+b, 'f', -1, 64), false), nil
		case "fail":
			return textResult("tool failed on purpose", true), nil
		}
		return nil, map[string]interface{}{"code": -32602, "message": "unknown tool " + params.Name}
	}
	return nil, map[string]interface{}{"code": -32601, "message": "method not found: " + req.Method}
}

func textResult(text string, isError bool) map[string]interface{} {
	out := map[string]interface{}{
		"content": []map[string]interface{}{{"type": "text", "text": text}},
	}
	if isError {
		out["isError"] = true
	}
	return out
}

func serveHTTP() int {
	port := os.Getenv("PORT")
	if port == "" {
		fmt.Fprintln(os.Stderr, "ERROR: PORT not set")
		return 2
	}
	ln, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: listen failed: %v\n", err)
		return 1
	}

	fmt.Printf("🚀 Starting server on port %s\n", port)
	fmt.Fprintln(os.Stderr, "WARN: running a stub service")
	fmt.Println("DEBUG: handler registered")
	fmt.Println("ready")

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Printf("request %s %s\n", r.Method, r.URL.Path)
		fmt.Fprintln(w, "ok")
	})}
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 1
	}
	return 0
}
