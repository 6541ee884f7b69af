// Package rpc implements newline-delimited JSON-RPC 2.0 over a child
// process's stdin and stdout, one request in flight at a time.
package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/mcplab/internal/logging"
)

// DefaultTimeout applies when Call is given a zero timeout.
const DefaultTimeout = 30 * time.Second

// Request is a JSON-RPC request or, with a nil ID, a notification.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a decoded JSON-RPC response line.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type line struct {
	data []byte
	err  error
}

// Transport correlates requests written to w with response lines read
// from r. A single goroutine reads r for the lifetime of the transport so
// that an abandoned call never leaves a reader blocked on the pipe.
type Transport struct {
	writer    io.Writer
	lines     chan line
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
	stderr    func() string
	timeout   time.Duration

	mu     sync.Mutex
	nextID atomic.Int64
	// inFlight is the id awaiting a response, 0 when idle.
	inFlight atomic.Int64
}

type Option func(*Transport)

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) { t.timeout = d }
}

// WithStderr attaches the server's buffered stderr to ErrNoResponse errors.
func WithStderr(fn func() string) Option {
	return func(t *Transport) { t.stderr = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New starts reading r immediately. Reading stops when r returns an error,
// typically when the owning process closes the pipe.
func New(w io.Writer, r io.Reader, opts ...Option) *Transport {
	t := &Transport{
		writer:  w,
		lines:   make(chan line, 16),
		done:    make(chan struct{}),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.OrNop(t.logger).Named("rpc")

	go t.readLoop(r)
	return t
}

func (t *Transport) readLoop(r io.Reader) {
	defer close(t.lines)

	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		data, err := reader.ReadBytes('\n')
		if len(data) > 0 && !t.deliver(line{data: data}) {
			return
		}
		if err != nil {
			t.deliver(line{err: err})
			return
		}
	}
}

func (t *Transport) deliver(l line) bool {
	select {
	case t.lines <- l:
		return true
	case <-t.done:
		return false
	}
}

// Close stops delivering lines. The underlying pipes belong to the caller.
func (t *Transport) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

// Call sends method with params and waits for the matching response.
// Ids start at 1 and are never reused, even after a timeout.
func (t *Transport) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID.Add(1)
	if err := t.send(Request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	t.inFlight.Store(id)
	defer t.inFlight.Store(0)

	if timeout <= 0 {
		timeout = t.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	log := t.logger.With(zap.String("method", method), zap.Int64("id", id))
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.done:
			return nil, ErrClosed
		case <-timer.C:
			log.Debug("Request timed out", zap.Duration("timeout", timeout))
			return nil, fmt.Errorf("%s (id %d) after %v: %w", method, id, timeout, ErrTimeout)
		case l, ok := <-t.lines:
			if !ok {
				return nil, t.noResponse(nil)
			}
			if l.err != nil {
				if errors.Is(l.err, io.EOF) {
					return nil, t.noResponse(nil)
				}
				return nil, t.noResponse(l.err)
			}

			result, done, err := t.match(id, l.data, log)
			if done {
				return result, err
			}
		}
	}
}

// match decodes one line. done is false when the line was skipped.
func (t *Transport) match(id int64, data []byte, log *zap.Logger) (json.RawMessage, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, true, t.noResponse(nil)
	}

	var resp Response
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, true, &ProtocolError{Line: string(trimmed), Reason: "invalid JSON", Err: err}
	}

	if len(resp.ID) == 0 || string(resp.ID) == "null" {
		if resp.Method != "" {
			log.Debug("Skipping server notification", zap.String("notification", resp.Method))
			return nil, false, nil
		}
		if resp.Error != nil {
			return nil, true, resp.Error
		}
		return nil, true, &ProtocolError{Line: string(trimmed), Reason: "response has no id"}
	}

	respID, err := strconv.ParseInt(string(resp.ID), 10, 64)
	if err != nil {
		return nil, true, &ProtocolError{Line: string(trimmed), Reason: "non-integer response id", Err: err}
	}

	if respID < id {
		// Late answer to a call that already timed out
		log.Debug("Dropping stale response", zap.Int64("staleID", respID))
		return nil, false, nil
	}
	if respID != id {
		return nil, true, &ProtocolError{
			Line:   string(trimmed),
			Reason: fmt.Sprintf("response id %d does not match request id %d", respID, id),
		}
	}

	if resp.Error != nil {
		return nil, true, resp.Error
	}
	if resp.Result == nil {
		return json.RawMessage("null"), true, nil
	}
	return resp.Result, true, nil
}

// Notify sends a notification. No response is read.
func (t *Transport) Notify(method string, params any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.send(Request{JSONRPC: "2.0", Method: method, Params: params}); err != nil {
		return fmt.Errorf("sending %s: %w", method, err)
	}
	return nil
}

// LastID returns the most recently issued request id
func (t *Transport) LastID() int64 {
	return t.nextID.Load()
}

// Pending reports whether a call is waiting for its response
func (t *Transport) Pending() bool {
	return t.inFlight.Load() != 0
}

func (t *Transport) send(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	if _, err := t.writer.Write(data); err != nil {
		return err
	}
	if f, ok := t.writer.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (t *Transport) noResponse(cause error) error {
	var stderr string
	if t.stderr != nil {
		stderr = strings.TrimSpace(t.stderr())
	}
	switch {
	case cause != nil && stderr != "":
		return fmt.Errorf("%w: %v: %s", ErrNoResponse, cause, stderr)
	case cause != nil:
		return fmt.Errorf("%w: %v", ErrNoResponse, cause)
	case stderr != "":
		return fmt.Errorf("%w: %s", ErrNoResponse, stderr)
	}
	return ErrNoResponse
}
