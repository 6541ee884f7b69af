package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/mcplab/internal/logging"
	"github.com/standardbeagle/mcplab/pkg/events"
)

const (
	DefaultStartupGrace = 2 * time.Second
	DefaultStopGrace    = 5 * time.Second

	// drainWait bounds how long Spawn and Terminate wait for the last
	// stderr bytes of an exited child.
	drainWait = time.Second
)

// SpawnError is returned when a child could not be started or exited during
// the startup grace period.
type SpawnError struct {
	Command  string
	ExitCode *int
	Stderr   string
	Err      error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
	}
	code := "unknown"
	if e.ExitCode != nil {
		code = fmt.Sprintf("%d", *e.ExitCode)
	}
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("%s exited during startup (exit code %s)", e.Command, code)
	}
	return fmt.Sprintf("%s exited during startup (exit code %s): %s", e.Command, code, stderr)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// SpawnSpec describes a child process.
type SpawnSpec struct {
	// Owner labels the process in logs and events, usually a project id.
	Owner      string
	Executable string
	Args       []string
	Dir        string
	// Env is overlaid on the parent environment; keys replace existing ones.
	Env map[string]string

	// Stdin requests a writable pipe to the child's standard input.
	Stdin bool
	// Stdout receives the child's standard output. When nil the output is
	// available from ManagedProcess.Stdout.
	Stdout io.Writer
	// Stderr receives a copy of every stderr line in addition to the
	// in-memory buffer.
	Stderr io.Writer
	// StderrLimit caps the number of buffered stderr lines; 0 keeps all.
	StderrLimit int

	// StartupGrace overrides the supervisor default. SkipGrace returns as
	// soon as the child is started.
	StartupGrace time.Duration
	SkipGrace    bool
}

// ManagedProcess is a child started by a Supervisor. It is owned by the
// caller that spawned it and must be released with Supervisor.Terminate.
type ManagedProcess struct {
	cmd   *exec.Cmd
	owner string
	spec  SpawnSpec

	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File

	stderrLines *lineBuffer
	drained     chan struct{}
	done        chan struct{}

	mu        sync.RWMutex
	status    ProcessStatus
	startTime time.Time
	endTime   *time.Time
	exitCode  *int
	stopping  bool

	closeOnce sync.Once
}

// PID returns the operating system process id
func (p *ManagedProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stdin is the write side of the child's standard input, nil unless requested
func (p *ManagedProcess) Stdin() io.Writer {
	if p.stdin == nil {
		return nil
	}
	return p.stdin
}

// Stdout is the read side of the child's standard output, nil when
// SpawnSpec.Stdout redirected it.
func (p *ManagedProcess) Stdout() io.Reader {
	if p.stdout == nil {
		return nil
	}
	return p.stdout
}

// Stderr returns everything the child has written to stderr so far
func (p *ManagedProcess) Stderr() string {
	return p.stderrLines.String()
}

// StderrLines returns a copy of the buffered stderr lines
func (p *ManagedProcess) StderrLines() []string {
	return p.stderrLines.Lines()
}

// ExitCode is nil while the child is running
func (p *ManagedProcess) ExitCode() *int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.exitCode == nil {
		return nil
	}
	code := *p.exitCode
	return &code
}

// Done is closed once the child has exited and been reaped
func (p *ManagedProcess) Done() <-chan struct{} {
	return p.done
}

// Snapshot returns an immutable copy of the process state
func (p *ManagedProcess) Snapshot() ProcessState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	state := ProcessState{
		Owner:     p.owner,
		PID:       p.PID(),
		Command:   p.spec.Executable,
		Args:      append([]string(nil), p.spec.Args...),
		Dir:       p.spec.Dir,
		Status:    p.status,
		StartTime: p.startTime,
	}
	if p.endTime != nil {
		end := *p.endTime
		state.EndTime = &end
	}
	if p.exitCode != nil {
		code := *p.exitCode
		state.ExitCode = &code
	}
	return state
}

// release waits a bounded time for stderr to drain, then closes the pipes.
// A grandchild holding stderr open only delays it by drainWait.
func (p *ManagedProcess) release() {
	select {
	case <-p.drained:
	case <-time.After(drainWait):
	}
	p.closePipes()
}

func (p *ManagedProcess) closePipes() {
	p.closeOnce.Do(func() {
		if p.stdin != nil {
			p.stdin.Close()
		}
		if p.stdout != nil {
			p.stdout.Close()
		}
		if p.stderr != nil {
			p.stderr.Close()
		}
	})
}

// Supervisor spawns and terminates child processes.
type Supervisor struct {
	logger       *zap.Logger
	eventBus     *events.EventBus
	startupGrace time.Duration
	stopGrace    time.Duration
}

type Option func(*Supervisor)

// WithStartupGrace sets how long Spawn watches a new child before
// declaring it started.
func WithStartupGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.startupGrace = d }
}

// WithStopGrace sets the default SIGTERM to SIGKILL escalation delay.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.stopGrace = d }
}

// WithEventBus publishes process lifecycle and stderr events.
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Supervisor) { s.eventBus = bus }
}

func NewSupervisor(logger *zap.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:       logging.OrNop(logger).Named("process"),
		startupGrace: DefaultStartupGrace,
		stopGrace:    DefaultStopGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StopGrace returns the default termination grace period
func (s *Supervisor) StopGrace() time.Duration {
	return s.stopGrace
}

// Spawn starts a child in its own process group and waits out the startup
// grace period. A child that exits during the grace period yields a
// *SpawnError carrying its stderr.
func (s *Supervisor) Spawn(ctx context.Context, spec SpawnSpec) (*ManagedProcess, error) {
	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = MergeEnv(os.Environ(), spec.Env)
	setupProcessGroup(cmd)

	p := &ManagedProcess{
		cmd:         cmd,
		owner:       spec.Owner,
		spec:        spec,
		stderrLines: newLineBuffer(spec.StderrLimit),
		drained:     make(chan struct{}),
		done:        make(chan struct{}),
		status:      StatusPending,
	}

	// Parent-side ends handed to the child; closed after Start.
	var childEnds []*os.File
	fail := func(err error) (*ManagedProcess, error) {
		for _, f := range childEnds {
			f.Close()
		}
		p.closePipes()
		return nil, &SpawnError{Command: spec.Executable, Err: err}
	}

	if spec.Stdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fail(err)
		}
		p.stdin = stdin
	}

	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	} else {
		r, w, err := os.Pipe()
		if err != nil {
			return fail(err)
		}
		p.stdout = r
		cmd.Stdout = w
		childEnds = append(childEnds, w)
	}

	errR, errW, err := os.Pipe()
	if err != nil {
		return fail(err)
	}
	p.stderr = errR
	cmd.Stderr = errW
	childEnds = append(childEnds, errW)

	if err := cmd.Start(); err != nil {
		return fail(err)
	}
	for _, f := range childEnds {
		f.Close()
	}

	p.mu.Lock()
	p.status = StatusRunning
	p.startTime = time.Now()
	p.mu.Unlock()

	log := s.logger.With(zap.String("owner", spec.Owner), zap.Int("pid", p.PID()))
	log.Debug("Process started", zap.String("command", spec.Executable), zap.Strings("args", spec.Args))
	s.publish(events.ProcessStarted, spec.Owner, map[string]interface{}{
		"pid":     p.PID(),
		"command": spec.Executable,
		"args":    spec.Args,
	})

	go s.drainStderr(p, log)
	go s.wait(p, log)

	if spec.SkipGrace {
		return p, nil
	}

	grace := spec.StartupGrace
	if grace <= 0 {
		grace = s.startupGrace
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		p.release()
		return nil, &SpawnError{
			Command:  spec.Executable,
			ExitCode: p.ExitCode(),
			Stderr:   p.Stderr(),
		}
	case <-ctx.Done():
		_ = s.Terminate(p, s.stopGrace)
		return nil, ctx.Err()
	case <-timer.C:
		return p, nil
	}
}

func (s *Supervisor) drainStderr(p *ManagedProcess, log *zap.Logger) {
	defer close(p.drained)

	reader := bufio.NewReader(p.stderr)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			p.stderrLines.Append(line)
			if p.spec.Stderr != nil {
				fmt.Fprintln(p.spec.Stderr, line)
			}
			log.Debug("stderr", zap.String("line", line))
			s.publish(events.LogLine, p.owner, map[string]interface{}{
				"line":    line,
				"isError": true,
			})
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) wait(p *ManagedProcess, log *zap.Logger) {
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	p.mu.Lock()
	now := time.Now()
	p.endTime = &now
	p.exitCode = &code
	switch {
	case p.stopping:
		p.status = StatusStopped
	case code == 0:
		p.status = StatusSuccess
	default:
		p.status = StatusFailed
	}
	status := p.status
	p.mu.Unlock()

	close(p.done)

	log.Debug("Process exited", zap.Int("exitCode", code), zap.String("status", string(status)))
	s.publish(events.ProcessExited, p.owner, map[string]interface{}{
		"pid":      p.PID(),
		"exitCode": code,
		"status":   string(status),
	})
}

// Terminate sends SIGTERM to the child's process group, waits up to grace,
// then sends SIGKILL and waits for the child to be reaped. Pipes are closed
// on every path, after the last stderr lines were read. Terminating an
// exited process only releases its pipes.
func (s *Supervisor) Terminate(p *ManagedProcess, grace time.Duration) error {
	if p == nil || p.cmd.Process == nil {
		return nil
	}
	defer p.release()

	if !IsAlive(p) {
		return nil
	}
	if grace <= 0 {
		grace = s.stopGrace
	}

	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	pid := p.PID()
	log := s.logger.With(zap.String("owner", p.owner), zap.Int("pid", pid))

	if err := terminateProcess(pid); err != nil {
		log.Debug("SIGTERM failed", zap.Error(err))
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	log.Warn("Process ignored SIGTERM, killing", zap.Duration("grace", grace))
	if err := killProcess(pid); err != nil {
		log.Debug("SIGKILL failed", zap.Error(err))
	}
	<-p.done
	return nil
}

// IsAlive reports whether the child is still running. It never blocks.
func IsAlive(p *ManagedProcess) bool {
	if p == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (s *Supervisor) publish(t events.EventType, owner string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(events.Event{Type: t, ProjectID: owner, Data: data})
}

// MergeEnv overlays overrides onto base (KEY=VALUE form). Existing keys are
// replaced in place; new keys are appended in sorted order.
func MergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))

	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if v, ok := overrides[key]; ok {
			if !seen[key] {
				out = append(out, key+"="+v)
				seen[key] = true
			}
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

// lineBuffer is a mutex guarded list of lines, optionally bounded.
type lineBuffer struct {
	mu    sync.Mutex
	lines []string
	limit int
}

func newLineBuffer(limit int) *lineBuffer {
	return &lineBuffer{limit: limit}
}

func (b *lineBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if b.limit > 0 && len(b.lines) > b.limit {
		b.lines = append([]string(nil), b.lines[len(b.lines)-b.limit:]...)
	}
}

func (b *lineBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

func (b *lineBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) == 0 {
		return ""
	}
	return strings.Join(b.lines, "\n") + "\n"
}
