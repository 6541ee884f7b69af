package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout indicates no response arrived before the call deadline.
	// The server is left running.
	ErrTimeout = errors.New("request timed out")

	// ErrNoResponse indicates the server closed its output or sent an
	// empty line instead of a response.
	ErrNoResponse = errors.New("no response from server")

	// ErrClosed is returned by calls on a closed transport.
	ErrClosed = errors.New("transport closed")
)

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ProtocolError reports a line that is not a valid response to the
// in-flight request.
type ProtocolError struct {
	Line   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	line := e.Line
	if len(line) > 200 {
		line = line[:200] + "..."
	}
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v (line: %q)", e.Reason, e.Err, line)
	}
	return fmt.Sprintf("protocol error: %s (line: %q)", e.Reason, line)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
