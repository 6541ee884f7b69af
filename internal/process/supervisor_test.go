package process

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mcplab/internal/testutil"
	"github.com/standardbeagle/mcplab/pkg/events"
)

func newTestSupervisor(opts ...Option) *Supervisor {
	opts = append([]Option{WithStartupGrace(200 * time.Millisecond), WithStopGrace(time.Second)}, opts...)
	return NewSupervisor(nil, opts...)
}

func stubSpec(t *testing.T, mode string) SpawnSpec {
	exe, env := testutil.StubCommand(t, mode)
	return SpawnSpec{Owner: "test-" + mode, Executable: exe, Env: env, Stdin: true}
}

// TestSpawnCrashReportsStderr tests that a child dying during the grace
// period yields a SpawnError carrying its stderr
func TestSpawnCrashReportsStderr(t *testing.T) {
	s := newTestSupervisor()

	proc, err := s.Spawn(context.Background(), stubSpec(t, testutil.StubCrash))
	require.Error(t, err)
	assert.Nil(t, proc)

	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Contains(t, spawnErr.Stderr, "boom")
	require.NotNil(t, spawnErr.ExitCode)
	assert.Equal(t, 1, *spawnErr.ExitCode)
	assert.Contains(t, err.Error(), "boom")
}

// TestSpawnMissingExecutable tests start failures are reported as SpawnError
func TestSpawnMissingExecutable(t *testing.T) {
	s := newTestSupervisor()

	_, err := s.Spawn(context.Background(), SpawnSpec{Executable: "/definitely/not/here"})
	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.NotNil(t, spawnErr.Err)
	assert.Nil(t, spawnErr.ExitCode)
}

// TestSpawnSurvivesGrace tests a long running child is returned alive
func TestSpawnSurvivesGrace(t *testing.T) {
	s := newTestSupervisor()

	proc, err := s.Spawn(context.Background(), stubSpec(t, testutil.StubSilent))
	require.NoError(t, err)
	defer s.Terminate(proc, time.Second)

	assert.True(t, IsAlive(proc))
	assert.Nil(t, proc.ExitCode())
	assert.Greater(t, proc.PID(), 0)
	assert.NotNil(t, proc.Stdin())
	assert.NotNil(t, proc.Stdout())

	testutil.RequireEventually(t, time.Second, func() bool {
		return strings.Contains(proc.Stderr(), "stub server started")
	}, "stderr should be drained while the child runs")

	state := proc.Snapshot()
	assert.True(t, state.IsRunning())
	assert.Equal(t, "test-silent", state.Owner)
}

// TestTerminateIdempotent tests Terminate can be called repeatedly and on
// exited processes
func TestTerminateIdempotent(t *testing.T) {
	s := newTestSupervisor()

	proc, err := s.Spawn(context.Background(), stubSpec(t, testutil.StubSilent))
	require.NoError(t, err)

	require.NoError(t, s.Terminate(proc, time.Second))
	assert.False(t, IsAlive(proc))
	require.NotNil(t, proc.ExitCode())
	assert.Equal(t, StatusStopped, proc.Snapshot().Status)

	require.NoError(t, s.Terminate(proc, time.Second))
	require.NoError(t, s.Terminate(nil, time.Second))
}

// TestTerminateEscalatesToKill tests a child ignoring SIGTERM is killed
func TestTerminateEscalatesToKill(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signal semantics differ on windows")
	}
	s := newTestSupervisor()

	proc, err := s.Spawn(context.Background(), stubSpec(t, testutil.StubStubborn))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Terminate(proc, 200*time.Millisecond))
	assert.False(t, IsAlive(proc))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

// TestTerminateKeepsTrailingStderr tests output written while shutting
// down is read before the pipes close
func TestTerminateKeepsTrailingStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signal semantics differ on windows")
	}
	s := NewSupervisor(nil, WithStartupGrace(500*time.Millisecond), WithStopGrace(2*time.Second))

	var sink bytes.Buffer
	spec := stubSpec(t, testutil.StubFarewell)
	spec.Stderr = &sink
	proc, err := s.Spawn(context.Background(), spec)
	require.NoError(t, err)

	require.NoError(t, s.Terminate(proc, 2*time.Second))
	assert.False(t, IsAlive(proc))
	assert.Contains(t, proc.Stderr(), testutil.FarewellLastLine)
	assert.Contains(t, sink.String(), testutil.FarewellLastLine)
}

// TestSpawnSkipGrace tests SkipGrace returns before the child has a chance to fail
func TestSpawnSkipGrace(t *testing.T) {
	s := newTestSupervisor()
	spec := stubSpec(t, testutil.StubCrash)
	spec.SkipGrace = true

	proc, err := s.Spawn(context.Background(), spec)
	require.NoError(t, err)
	defer s.Terminate(proc, time.Second)

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("crash stub never exited")
	}
	assert.False(t, IsAlive(proc))
	require.NotNil(t, proc.ExitCode())
	assert.Equal(t, 1, *proc.ExitCode())
	assert.Equal(t, StatusFailed, proc.Snapshot().Status)
}

// TestSpawnContextCancelled tests cancellation during grace terminates the child
func TestSpawnContextCancelled(t *testing.T) {
	s := NewSupervisor(nil, WithStartupGrace(5*time.Second), WithStopGrace(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	proc, err := s.Spawn(ctx, stubSpec(t, testutil.StubSilent))
	assert.Nil(t, proc)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestSpawnRedirectsOutput tests stdout and stderr writers receive output
func TestSpawnRedirectsOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	s := newTestSupervisor()

	var stdout, stderr safeBuffer
	proc, err := s.Spawn(context.Background(), SpawnSpec{
		Executable: "sh",
		Args:       []string{"-c", `echo "out $GREETING"; echo "err line" >&2`},
		Env:        map[string]string{"GREETING": "hello"},
		Stdout:     &stdout,
		Stderr:     &stderr,
		SkipGrace:  true,
	})
	require.NoError(t, err)
	defer s.Terminate(proc, time.Second)

	<-proc.Done()
	testutil.RequireEventually(t, time.Second, func() bool {
		return strings.Contains(stderr.String(), "err line")
	}, "stderr copy")
	assert.Equal(t, "out hello\n", stdout.String())
	assert.Equal(t, "err line\n", proc.Stderr())
	assert.Nil(t, proc.Stdout())
}

// TestSupervisorPublishesEvents tests lifecycle events reach the bus
func TestSupervisorPublishesEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Shutdown()

	var mu sync.Mutex
	seen := map[events.EventType]int{}
	for _, et := range []events.EventType{events.ProcessStarted, events.ProcessExited} {
		bus.Subscribe(et, func(e events.Event) {
			mu.Lock()
			seen[e.Type]++
			mu.Unlock()
		})
	}

	s := newTestSupervisor(WithEventBus(bus))
	proc, err := s.Spawn(context.Background(), stubSpec(t, testutil.StubSilent))
	require.NoError(t, err)
	require.NoError(t, s.Terminate(proc, time.Second))

	testutil.RequireEventually(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[events.ProcessStarted] == 1 && seen[events.ProcessExited] == 1
	}, "start and exit events")
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/bin", "PYTHONPATH=/old", "HOME=/root"}
	got := MergeEnv(base, map[string]string{"PYTHONPATH": "/new", "PORT": "3000"})

	assert.Equal(t, []string{"PATH=/bin", "PYTHONPATH=/new", "HOME=/root", "PORT=3000"}, got)
	assert.Equal(t, base, MergeEnv(base, nil))
}

func TestLineBufferLimit(t *testing.T) {
	b := newLineBuffer(2)
	b.Append("a")
	b.Append("b")
	b.Append("c")
	assert.Equal(t, []string{"b", "c"}, b.Lines())
	assert.Equal(t, "b\nc\n", b.String())
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
